package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/sirupsen/logrus"
)

// Options 识别参数
type Options struct {
	DefaultName string  `mapstructure:"default_name"`
	ReadBudget  int     `mapstructure:"read_budget"`  // 字符串搜索读取的总字节数
	RegionLimit int     `mapstructure:"region_limit"` // 单个区间最多读取的字节数
	Threshold   float64 `mapstructure:"threshold"`

	// 不读取的文件映射模块 (系统、应用自身及编译产物)
	SkipPrefixes []string `mapstructure:"skip_prefixes"`
	SkipSuffixes []string `mapstructure:"skip_suffixes"`
}

var (
	defaultSkipPrefixes = []string{
		"/system/", "/system_ext/", "/apex/", "/vendor/", "/product/", "/odm/",
		"/data/app/", "/data/dalvik-cache/", "/data/misc/apexdata/",
	}
	defaultSkipSuffixes = []string{".oat", ".odex", ".art", ".vdex"}
)

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		DefaultName: DefaultName,
		ReadBudget:  4 << 20,
		RegionLimit: 1 << 20,
		Threshold:   DefaultThreshold,

		SkipPrefixes: append([]string(nil), defaultSkipPrefixes...),
		SkipSuffixes: append([]string(nil), defaultSkipSuffixes...),
	}
}

// Detector 框架识别器
type Detector struct {
	rules    []FrameworkRule
	patterns map[string]*regexp.Regexp
	space    memory.Space
	opts     Options
	logger   *logrus.Logger
}

// NewDetector 创建框架识别器
func NewDetector(space memory.Space, opts Options, logger *logrus.Logger) *Detector {
	return NewDetectorWithRules(space, GetBuiltinRules(), opts, logger)
}

// NewDetectorWithRules 使用自定义规则创建识别器
func NewDetectorWithRules(space memory.Space, rules []FrameworkRule, opts Options, logger *logrus.Logger) *Detector {
	if opts.DefaultName == "" {
		opts.DefaultName = DefaultName
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.SkipPrefixes == nil {
		opts.SkipPrefixes = defaultSkipPrefixes
	}
	if opts.SkipSuffixes == nil {
		opts.SkipSuffixes = defaultSkipSuffixes
	}

	rules = append([]FrameworkRule(nil), rules...)
	// 按优先级降序排序
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	patterns := make(map[string]*regexp.Regexp)
	for _, rule := range rules {
		if rule.VersionPattern == "" {
			continue
		}
		re, err := regexp.Compile(rule.VersionPattern)
		if err != nil {
			logger.WithError(err).WithField("rule", rule.Name).Warn("Invalid version pattern, ignoring")
			continue
		}
		patterns[rule.Name] = re
	}

	return &Detector{
		rules:    rules,
		patterns: patterns,
		space:    space,
		opts:     opts,
		logger:   logger,
	}
}

// Rules 返回排序后的规则
func (d *Detector) Rules() []FrameworkRule {
	return append([]FrameworkRule(nil), d.rules...)
}

// ModulePatterns 需要还原的框架家族的模块特征
func (d *Detector) ModulePatterns() []string {
	return TargetModulePatterns(d.rules)
}

// evidence 一次识别收集到的原始证据
type evidence struct {
	regions     []memory.Region
	contents    map[uint64][]byte
	trampolines int
}

// Detect 识别进程中的 hook 框架，尽力而为，从不失败
func (d *Detector) Detect(ctx context.Context, regions []memory.Region, trampolines int) *Fingerprint {
	result := &Fingerprint{
		Name:       d.opts.DefaultName,
		Indicators: []string{},
		Modules:    []string{},
	}

	ev := &evidence{
		regions:     regions,
		contents:    d.readCandidates(ctx, regions),
		trampolines: trampolines,
	}

	d.logger.WithFields(logrus.Fields{
		"regions":     len(regions),
		"read":        len(ev.contents),
		"trampolines": trampolines,
	}).Debug("Fingerprint evidence collected")

	// 匹配规则
	for _, rule := range d.rules {
		confidence, indicators, modules := d.matchRule(rule, ev)
		if confidence < d.opts.Threshold {
			continue
		}

		result.Detected = true
		result.Framework = rule.Name
		result.Confidence = min(confidence, 1.0)
		result.Indicators = indicators
		result.Modules = modules
		result.Version, result.VersionCode = d.version(rule, ev)
		result.Name = formatName(rule.Name, result.Version, result.VersionCode)

		d.logger.WithFields(logrus.Fields{
			"framework":  result.Name,
			"confidence": result.Confidence,
			"indicators": result.Indicators,
		}).Info("Hook framework detected")
		return result
	}

	d.logger.WithField("default", result.Name).Debug("No hook framework detected")
	return result
}

// candidate 是否需要读取区间内容: 命中模块特征的区间、匿名可执行内存、memfd、
// 系统目录之外的可执行文件映射
func (d *Detector) candidate(r memory.Region) bool {
	if !r.Readable() {
		return false
	}
	if r.Anonymous() {
		return r.Executable()
	}
	if strings.HasPrefix(r.Path, "/memfd:") {
		return true
	}
	for _, rule := range d.rules {
		if len(matchModules(rule, []memory.Region{r})) > 0 {
			return true
		}
	}
	return r.Executable() && !d.skipped(r.Path)
}

func (d *Detector) skipped(path string) bool {
	for _, prefix := range d.opts.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, suffix := range d.opts.SkipSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// readCandidates 在读取预算内读取候选区间
func (d *Detector) readCandidates(ctx context.Context, regions []memory.Region) map[uint64][]byte {
	contents := make(map[uint64][]byte)
	budget := d.opts.ReadBudget

	for _, r := range regions {
		if budget <= 0 || ctx.Err() != nil {
			break
		}
		if !d.candidate(r) {
			continue
		}

		n := int(min(r.Size(), uint64(budget)))
		if d.opts.RegionLimit > 0 && n > d.opts.RegionLimit {
			n = d.opts.RegionLimit
		}
		buf := make([]byte, n)
		read, err := d.space.ReadAt(buf, r.Start)
		if err != nil || read == 0 {
			d.logger.WithField("region", r.String()).Debug("Candidate region unreadable")
			continue
		}
		contents[r.Start] = buf[:read]
		budget -= read
	}
	return contents
}

// matchModules 返回命中规则模块特征的区间路径 (去重)
func matchModules(rule FrameworkRule, regions []memory.Region) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, r := range regions {
		if r.Anonymous() || seen[r.Path] {
			continue
		}
		lower := strings.ToLower(r.Path)
		for _, pattern := range rule.Modules {
			if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
				seen[r.Path] = true
				paths = append(paths, r.Path)
				break
			}
		}
	}
	return paths
}

// matchRule 匹配单个规则
func (d *Detector) matchRule(rule FrameworkRule, ev *evidence) (float64, []string, []string) {
	confidence := 0.0
	indicators := []string{}

	// 检查模块路径
	modules := matchModules(rule, ev.regions)
	for _, path := range modules {
		confidence += scoreModule
		indicators = append(indicators, "module:"+path)
	}

	// 检查特征字符串
	for _, s := range rule.Strings {
		needle := []byte(s)
		for _, data := range ev.contents {
			if bytes.Contains(data, needle) {
				confidence += scoreString
				indicators = append(indicators, "string:"+s)
				break
			}
		}
	}

	// 检查跳板
	if rule.Trampoline && ev.trampolines > 0 {
		confidence += scoreTrampoline
		indicators = append(indicators, fmt.Sprintf("trampolines:%d", ev.trampolines))
	}

	return confidence, indicators, modules
}

// version 在读取的内容中查找版本号，优先命中模块的区间
func (d *Detector) version(rule FrameworkRule, ev *evidence) (string, int64) {
	re, ok := d.patterns[rule.Name]
	if !ok {
		return "", 0
	}

	order := make([]memory.Region, 0, len(ev.regions))
	for _, r := range ev.regions {
		if len(matchModules(rule, []memory.Region{r})) > 0 {
			order = append(order, r)
		}
	}
	for _, r := range ev.regions {
		if len(matchModules(rule, []memory.Region{r})) == 0 {
			order = append(order, r)
		}
	}

	for _, r := range order {
		data, ok := ev.contents[r.Start]
		if !ok {
			continue
		}
		m := re.FindSubmatch(data)
		if m == nil {
			continue
		}
		version := string(m[1])
		var code int64
		if len(m) > 2 {
			code, _ = strconv.ParseInt(string(m[2]), 10, 64)
		}
		return version, code
	}
	return "", 0
}

// formatName 格式化为 "<name> <version> (<code>)"
func formatName(name, version string, code int64) string {
	switch {
	case version != "" && code != 0:
		return fmt.Sprintf("%s %s (%d)", name, version, code)
	case version != "":
		return fmt.Sprintf("%s %s", name, version)
	default:
		return name
	}
}
