package classifier

import (
	"sort"
	"strings"

	"github.com/apk-analysis/artguard/internal/memory"
)

// ModuleKind 可执行区间的归属
type ModuleKind int

const (
	KindUnknown   ModuleKind = iota // 匿名内存
	KindRuntime                     // 运行时模块
	KindLegit                       // 系统、应用自身及编译产物
	KindFramework                   // 目标 hook 框架
	KindForeign                     // 其他文件映射模块
)

// String 返回类型名称
func (k ModuleKind) String() string {
	switch k {
	case KindRuntime:
		return "runtime"
	case KindLegit:
		return "legit"
	case KindFramework:
		return "framework"
	case KindForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Rules 模块归属规则
type Rules struct {
	RuntimeModules    []string `mapstructure:"runtime_modules"`
	LegitPrefixes     []string `mapstructure:"legit_prefixes"`
	LegitSuffixes     []string `mapstructure:"legit_suffixes"`
	LegitNames        []string `mapstructure:"legit_names"`
	FrameworkPatterns []string `mapstructure:"framework_patterns"`
}

// DefaultRules 默认规则
func DefaultRules() Rules {
	return Rules{
		RuntimeModules: []string{"libart.so"},
		LegitPrefixes: []string{
			"/system/",
			"/system_ext/",
			"/apex/",
			"/vendor/",
			"/product/",
			"/odm/",
			"/data/app/",
			"/data/dalvik-cache/",
			"/data/misc/apexdata/",
			"/memfd:jit-cache",
			"/memfd:jit-zygote-cache",
		},
		LegitSuffixes: []string{".oat", ".odex", ".art", ".vdex"},
		LegitNames: []string{
			"[vdso]",
			"[anon:dalvik-jit-code-cache]",
			"[anon:dalvik-zygote-jit-code-cache]",
		},
	}
}

// Span 一个可执行区间及其归属
type Span struct {
	memory.Region
	Kind ModuleKind
}

// ModuleMap 按地址排序的区间表
type ModuleMap struct {
	spans []Span
}

// BuildModuleMap 根据内存映射和规则建立区间表
func BuildModuleMap(regions []memory.Region, rules Rules) *ModuleMap {
	m := &ModuleMap{spans: make([]Span, 0, len(regions))}
	for _, r := range regions {
		m.spans = append(m.spans, Span{Region: r, Kind: rules.kindOf(r)})
	}
	sort.Slice(m.spans, func(i, j int) bool {
		return m.spans[i].Start < m.spans[j].Start
	})
	return m
}

// Lookup 查找包含地址的区间
func (m *ModuleMap) Lookup(addr uint64) (Span, bool) {
	i := sort.Search(len(m.spans), func(i int) bool {
		return m.spans[i].End > addr
	})
	if i < len(m.spans) && m.spans[i].Contains(addr) {
		return m.spans[i], true
	}
	return Span{}, false
}

// Spans 返回全部区间
func (m *ModuleMap) Spans() []Span {
	return append([]Span(nil), m.spans...)
}

// Count 某类区间中可执行区间的数量
func (m *ModuleMap) Count(kind ModuleKind) int {
	n := 0
	for _, s := range m.spans {
		if s.Kind == kind && s.Executable() {
			n++
		}
	}
	return n
}

func (r Rules) kindOf(region memory.Region) ModuleKind {
	path := region.Path
	base := region.Base()

	for _, name := range r.RuntimeModules {
		if path == name || base == name {
			return KindRuntime
		}
	}

	lower := strings.ToLower(path)
	for _, pattern := range r.FrameworkPatterns {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return KindFramework
		}
	}

	for _, name := range r.LegitNames {
		if path == name {
			return KindLegit
		}
	}
	if region.Anonymous() {
		return KindUnknown
	}
	for _, prefix := range r.LegitPrefixes {
		if strings.HasPrefix(path, prefix) {
			return KindLegit
		}
	}
	for _, suffix := range r.LegitSuffixes {
		if strings.HasSuffix(path, suffix) {
			return KindLegit
		}
	}

	return KindForeign
}
