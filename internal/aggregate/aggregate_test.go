package aggregate

import (
	"testing"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name string, slot uint64, tag domain.Tag) domain.MethodEntry {
	return domain.MethodEntry{DeclaringType: "android.app.Activity", Name: name, Slot: slot, Tag: tag}
}

func callback(owner string, slot uint64, reg uint32, tag domain.Tag) domain.CallbackEntry {
	return domain.CallbackEntry{Owner: owner, Slot: slot, Registration: reg, Resolved: true, Tag: tag}
}

// TestAggregate_Flags 覆盖 bit 1 的边界情况
func TestAggregate_Flags(t *testing.T) {
	tests := []struct {
		name    string
		methods []domain.MethodEntry
		self    bool
		want    int32
	}{
		{"nothing found", []domain.MethodEntry{entry("a", 1, domain.TagUnmodified)}, false, 0},
		{"empty", nil, false, 0},
		{"all neutralized", []domain.MethodEntry{entry("a", 1, domain.TagNeutralized)}, false, domain.FlagHooksNeutralized},
		{"one remains", []domain.MethodEntry{
			entry("a", 1, domain.TagNeutralized),
			entry("b", 2, domain.TagHookedTarget),
		}, false, 0},
		{"only foreign hooks", []domain.MethodEntry{entry("a", 1, domain.TagHookedOther)}, false, 0},
		{"self protected", []domain.MethodEntry{entry("a", 1, domain.TagNeutralized)}, true, domain.FlagHooksNeutralized | domain.FlagSelfProtected},
		{"self protected only", nil, true, domain.FlagSelfProtected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Aggregate(Input{Methods: tt.methods, SelfProtected: tt.self})
			assert.Equal(t, tt.want, res.Flags)
		})
	}
}

// TestAggregate_Lists 列表按槽位地址排序，每个清除的回调字段一条
func TestAggregate_Lists(t *testing.T) {
	in := Input{
		Methods: []domain.MethodEntry{
			entry("onResume", 0x300, domain.TagHookedTarget),
			entry("onCreate", 0x100, domain.TagHookedTarget),
			entry("onStop", 0x200, domain.TagNeutralized),
			entry("onPause", 0x400, domain.TagHookedOther),
			entry("finish", 0x500, domain.TagUnmodified),
		},
		Callbacks: []domain.CallbackEntry{
			callback("LspHooker_b", 0x20, 0xbeef, domain.TagNeutralized),
			callback("LspHooker_a", 0x10, 0xcafe, domain.TagNeutralized),
			callback("LspHooker_a", 0x30, 0xcafe, domain.TagNeutralized),
			callback("LspHooker_c", 0x40, 0xf00d, domain.TagHookedTarget),
		},
		FrameworkName:    "LSPosed 1.9.2 (7024)",
		Layout:           "art-p-64",
		RuntimeTextPages: 2,
		Bridges:          2,
		Trampolines:      2,
	}

	res := Aggregate(in)
	assert.Equal(t, []string{"android.app.Activity.onCreate", "android.app.Activity.onResume"}, res.UnhookedMethods)
	assert.Equal(t, []string{"android.app.Activity.onStop"}, res.RestoredMethods)
	// 同一对象的两个字段各占一条
	assert.Equal(t, []string{"LspHooker_a@cafe", "LspHooker_b@beef", "LspHooker_a@cafe"}, res.ClearedCallbacks)
	assert.Equal(t, "LSPosed 1.9.2 (7024)", res.FrameworkName)
	assert.Equal(t, "art-p-64", res.Layout)
	assert.Equal(t, 2, res.RuntimeTextPages)
	assert.Zero(t, res.Flags)

	assert.Equal(t, domain.ScanStats{
		Methods:          5,
		Unmodified:       1,
		HookedTarget:     2,
		HookedOther:      1,
		Neutralized:      1,
		Callbacks:        4,
		CallbacksCleared: 3,
		Bridges:          2,
		Trampolines:      2,
	}, res.Stats)
	assert.Len(t, res.ClearedCallbacks, res.Stats.CallbacksCleared)

	// 输入不被重新排序
	assert.Equal(t, "onResume", in.Methods[0].Name)
}

// TestAggregate_Deterministic 相同输入得到相同结果
func TestAggregate_Deterministic(t *testing.T) {
	in := Input{
		Methods: []domain.MethodEntry{
			entry("b", 0x20, domain.TagHookedTarget),
			entry("a", 0x10, domain.TagNeutralized),
		},
		Callbacks:     []domain.CallbackEntry{callback("x", 1, 2, domain.TagNeutralized)},
		FrameworkName: "LSPosed",
	}

	first := Aggregate(in)
	second := Aggregate(in)
	require.Equal(t, first, second)
}

// TestAggregate_EmptyLists 没有条目时返回空列表而不是 nil
func TestAggregate_EmptyLists(t *testing.T) {
	res := Aggregate(Input{FrameworkName: "LSPosed"})
	assert.NotNil(t, res.UnhookedMethods)
	assert.NotNil(t, res.ClearedCallbacks)
	assert.NotNil(t, res.RestoredMethods)
	assert.Empty(t, res.UnhookedMethods)
}
