package classifier

import (
	"io"
	"testing"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/trampoline"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRegions = []memory.Region{
	{Start: 0x7a1c400000, End: 0x7a1c9c0000, Perms: "r-xp", Path: "/apex/com.android.art/lib64/libart.so"},
	{Start: 0x7a20000000, End: 0x7a20100000, Perms: "r-xp", Path: "/data/app/~~Zx9/com.example.app-1/lib/arm64/libapp.so"},
	{Start: 0x7a30000000, End: 0x7a30010000, Perms: "r-xp", Path: "/data/adb/modules/zygisk_lsposed/lib/arm64-v8a/liblspd.so"},
	{Start: 0x7a40000000, End: 0x7a40010000, Perms: "r-xp", Path: "/data/local/tmp/libfoo.so"},
	{Start: 0x7a50000000, End: 0x7a50001000, Perms: "r-xp"},
	{Start: 0x7a60000000, End: 0x7a60100000, Perms: "r-xp", Path: "/system/framework/arm64/boot-framework.oat"},
	{Start: 0x7a70000000, End: 0x7a70100000, Perms: "r-xp", Path: "/memfd:jit-cache (deleted)"},
}

func testRules() Rules {
	rules := DefaultRules()
	rules.FrameworkPatterns = []string{"liblspd", "lsposed"}
	return rules
}

func method(name string, entry uint64) domain.MethodEntry {
	return domain.MethodEntry{
		DeclaringType: "com.example.Target",
		Name:          name,
		Slot:          0x70000000 + entry&0xfff,
		EntryPoint:    entry,
		Resolved:      entry != 0,
	}
}

// TestBuildModuleMap 测试模块归属
func TestBuildModuleMap(t *testing.T) {
	m := BuildModuleMap(testRegions, testRules())

	tests := []struct {
		addr uint64
		kind ModuleKind
	}{
		{0x7a1c400100, KindRuntime},
		{0x7a20000100, KindLegit},
		{0x7a30000100, KindFramework},
		{0x7a40000100, KindForeign},
		{0x7a50000100, KindUnknown},
		{0x7a60000100, KindLegit},
		{0x7a70000100, KindLegit},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			span, ok := m.Lookup(tt.addr)
			require.True(t, ok)
			assert.Equal(t, tt.kind, span.Kind)
		})
	}

	_, ok := m.Lookup(0x1000)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count(KindForeign))
}

// TestClassifyMethods_Scenario 三个条目: 自身模块、框架模块、无法解析
func TestClassifyMethods_Scenario(t *testing.T) {
	m := BuildModuleMap(testRegions, testRules())

	entries := []domain.MethodEntry{
		method("a", 0x7a20000100),
		method("b", 0x7a30000200),
		method("c", 0),
	}

	out, summary := ClassifyMethods(entries, m, trampoline.ArchARM64)
	require.Len(t, out, 3)
	assert.Equal(t, domain.TagUnmodified, out[0].Tag)
	assert.Equal(t, domain.TagHookedTarget, out[1].Tag)
	assert.Equal(t, domain.TagUnmodified, out[2].Tag)
	assert.Equal(t, Summary{Unmodified: 2, HookedTarget: 1}, summary)

	// 输入不被修改
	assert.Equal(t, domain.TagUnmodified, entries[1].Tag)
}

// TestClassifyMethods_Rules 覆盖每一条判定规则
func TestClassifyMethods_Rules(t *testing.T) {
	m := BuildModuleMap(testRegions, testRules())

	tramp := method("trampoline", 0x7a50000000)
	tramp.Code = trampoline.Encode(trampoline.ArchARM64, 0x7a00001000, 0x18)

	tests := []struct {
		name  string
		entry domain.MethodEntry
		want  domain.Tag
	}{
		{"unresolved", domain.MethodEntry{EntryPoint: 0x7a30000200}, domain.TagUnmodified},
		{"unmapped", method("x", 0xdead0000), domain.TagUnmodified},
		{"trampoline", tramp, domain.TagHookedTarget},
		{"framework", method("x", 0x7a30000010), domain.TagHookedTarget},
		{"runtime", method("x", 0x7a1c400010), domain.TagUnmodified},
		{"oat", method("x", 0x7a60000010), domain.TagUnmodified},
		{"jit", method("x", 0x7a70000010), domain.TagUnmodified},
		{"foreign", method("x", 0x7a40000010), domain.TagHookedOther},
		{"anonymous", method("x", 0x7a50000010), domain.TagHookedTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := ClassifyMethods([]domain.MethodEntry{tt.entry}, m, trampoline.ArchARM64)
			assert.Equal(t, tt.want, out[0].Tag)
		})
	}
}

// TestClassifyMethods_NoFrameworkPatterns 未配置框架模式时框架模块视为第三方
func TestClassifyMethods_NoFrameworkPatterns(t *testing.T) {
	m := BuildModuleMap(testRegions, DefaultRules())
	out, _ := ClassifyMethods([]domain.MethodEntry{method("b", 0x7a30000200)}, m, trampoline.ArchARM64)
	assert.Equal(t, domain.TagHookedOther, out[0].Tag)
}

// TestClassifyCallbacks 测试回调分类
func TestClassifyCallbacks(t *testing.T) {
	entries := []domain.CallbackEntry{
		{Owner: "LspHooker_a", Slot: 0x12c00080, Registration: 0x12c01000, Resolved: true},
		{Owner: "LspHooker_b", Index: 1, Reason: "unreadable"},
	}

	out, summary := ClassifyCallbacks(entries)
	assert.Equal(t, domain.TagHookedTarget, out[0].Tag)
	assert.Equal(t, domain.TagUnmodified, out[1].Tag)
	assert.Equal(t, Summary{Unmodified: 1, HookedTarget: 1}, summary)
}

// TestClassifier_Classify 测试带日志的分类
func TestClassifier_Classify(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := New(testRules(), logger)
	m := BuildModuleMap(testRegions, c.Rules())

	res := c.Classify(
		[]domain.MethodEntry{method("a", 0x7a40000010), method("b", 0x7a30000010)},
		[]domain.CallbackEntry{{Resolved: true, Registration: 1}},
		m, trampoline.ArchARM64,
	)
	assert.Equal(t, 1, res.MethodSummary.HookedOther)
	assert.Equal(t, 1, res.MethodSummary.HookedTarget)
	assert.Equal(t, 1, res.CallbackSummary.HookedTarget)
	assert.Contains(t, res.Methods[0].Reason, "libfoo.so")
}
