package neutralizer_test

import (
	"context"
	"io"
	"testing"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/art/arttest"
	"github.com/apk-analysis/artguard/internal/classifier"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/neutralizer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type prepared struct {
	located   *art.Located
	methods   []domain.MethodEntry
	callbacks []domain.CallbackEntry
}

func prepare(t *testing.T, p *arttest.Process) prepared {
	locator, err := art.NewLocator(p.Space, p.Anchors, p.Options(), newTestLogger())
	require.NoError(t, err)
	located, err := locator.Locate(context.Background())
	require.NoError(t, err)

	rules := classifier.DefaultRules()
	rules.FrameworkPatterns = []string{"liblspd"}
	modules := classifier.BuildModuleMap(located.Regions, rules)
	methods, _ := classifier.ClassifyMethods(located.Methods, modules, located.Arch)
	callbacks, _ := classifier.ClassifyCallbacks(located.Callbacks)
	return prepared{located: located, methods: methods, callbacks: callbacks}
}

func byName(methods []domain.MethodEntry, name string) domain.MethodEntry {
	for _, m := range methods {
		if m.Name == name {
			return m
		}
	}
	return domain.MethodEntry{}
}

// TestRun_Restores 测试还原方法入口、清除回调、禁用桥接方法
func TestRun_Restores(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)

	n := neutralizer.New(p.Space, neutralizer.Options{HookStub: p.Anchors.HookStub}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)

	onCreate := byName(out.Methods, "onCreate")
	assert.Equal(t, domain.TagNeutralized, onCreate.Tag)
	assert.Equal(t, p.Hooks[0].OriginalEntry, p.EntryPoint(p.Hooks[0].Target))

	nativeAttach := byName(out.Methods, "nativeAttach")
	assert.Equal(t, domain.TagNeutralized, nativeAttach.Tag)
	assert.Equal(t, p.Symbol(arttest.GenericJNIOffset), p.EntryPoint(p.Hooks[1].Target))

	assert.Equal(t, domain.TagUnmodified, byName(out.Methods, "onResume").Tag)

	require.Len(t, out.Callbacks, 2)
	for _, cb := range out.Callbacks {
		assert.Equal(t, domain.TagNeutralized, cb.Tag)
	}
	for _, h := range p.Hooks {
		v, err := memory.U32(p.Space, h.CallbackSlot)
		require.NoError(t, err)
		assert.Zero(t, v)
	}

	require.Len(t, out.Bridges, 2)
	for _, br := range out.Bridges {
		assert.True(t, br.Disabled)
		assert.Equal(t, p.Anchors.HookStub, p.Data(br.Method.Slot))
	}
	assert.True(t, out.SelfProtected)
	assert.Equal(t, 4, out.Attempted)
	assert.Zero(t, out.Failed)

	// 输入切片不被修改
	assert.Equal(t, domain.TagHookedTarget, byName(in.methods, "onCreate").Tag)
}

// TestRun_FallbackEntries 没有可用副本时按调用约定还原
func TestRun_FallbackEntries(t *testing.T) {
	for _, layout := range art.Layouts {
		t.Run(layout.Name, func(t *testing.T) {
			b, _ := arttest.Standard(layout.Name)
			p := b.Build()
			in := prepare(t, p)
			for i := range in.methods {
				in.methods[i].BackupEntry = 0
			}

			n := neutralizer.New(p.Space, neutralizer.Options{}, newTestLogger())
			out := n.Run(context.Background(), in.located, in.methods, in.callbacks)

			assert.Equal(t, domain.TagNeutralized, byName(out.Methods, "onCreate").Tag)
			assert.Equal(t, p.Symbol(arttest.InterpreterBridgeOffset), p.EntryPoint(p.Hooks[0].Target))
			assert.Equal(t, p.Symbol(arttest.GenericJNIOffset), p.EntryPoint(p.Hooks[1].Target))

			// 未提供桩时使用 dlsym 查找桩
			for _, br := range out.Bridges {
				assert.Equal(t, p.Symbol(arttest.DlsymLookupOffset), p.Data(br.Method.Slot))
			}
		})
	}
}

// TestRun_MissingSymbol 缺少运行时符号时条目保持 hooked-target
func TestRun_MissingSymbol(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)
	for i := range in.methods {
		in.methods[i].BackupEntry = 0
	}
	located := *in.located
	located.Runtime = &art.RuntimeImage{Symbols: map[string]uint64{}}

	n := neutralizer.New(p.Space, neutralizer.Options{}, newTestLogger())
	out := n.Run(context.Background(), &located, in.methods, in.callbacks)

	onCreate := byName(out.Methods, "onCreate")
	assert.Equal(t, domain.TagHookedTarget, onCreate.Tag)
	assert.Contains(t, onCreate.Reason, domain.ErrEntryUnresolvable.Error())
	assert.False(t, out.SelfProtected)
	assert.Equal(t, p.Hooks[0].Trampoline, p.EntryPoint(p.Hooks[0].Target))
}

// TestRun_WriteRejected 写入被拒绝时条目保持 hooked-target
func TestRun_WriteRejected(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)
	p.Segment(p.Hooks[0].Target).Locked = true

	n := neutralizer.New(p.Space, neutralizer.Options{HookStub: p.Anchors.HookStub}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)

	onCreate := byName(out.Methods, "onCreate")
	assert.Equal(t, domain.TagHookedTarget, onCreate.Tag)
	assert.Contains(t, onCreate.Reason, domain.ErrWriteRejected.Error())
	assert.Equal(t, p.Hooks[0].Trampoline, p.EntryPoint(p.Hooks[0].Target))
	assert.Equal(t, 2, out.Failed)

	// 回调位于堆上，不受影响
	for _, cb := range out.Callbacks {
		assert.Equal(t, domain.TagNeutralized, cb.Tag)
	}
	// 桥接方法与方法数组在同一段，禁用失败
	assert.False(t, out.SelfProtected)
}

// TestRun_VerifyMismatch 写入报告成功但回读不一致
func TestRun_VerifyMismatch(t *testing.T) {
	b, _ := arttest.Standard("art-p-32")
	p := b.Build()
	in := prepare(t, p)
	p.Segment(p.Hooks[0].Target).DropWrites = true

	n := neutralizer.New(p.Space, neutralizer.Options{}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)

	onCreate := byName(out.Methods, "onCreate")
	assert.Equal(t, domain.TagHookedTarget, onCreate.Tag)
	assert.Contains(t, onCreate.Reason, "mismatch")
	assert.Equal(t, p.Hooks[0].Trampoline, p.EntryPoint(p.Hooks[0].Target))
}

// TestRun_DryRun 只报告不写入
func TestRun_DryRun(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)

	n := neutralizer.New(p.Space, neutralizer.Options{DryRun: true, RestoreText: true}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)

	assert.Zero(t, p.Space.Writes())
	assert.Equal(t, domain.TagHookedTarget, byName(out.Methods, "onCreate").Tag)
	assert.Contains(t, byName(out.Methods, "onCreate").Reason, "dry run")
	assert.False(t, out.SelfProtected)
}

// TestRun_Deadline 超过截止时间后不再写入
func TestRun_Deadline(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := neutralizer.New(p.Space, neutralizer.Options{}, newTestLogger())
	out := n.Run(ctx, in.located, in.methods, in.callbacks)

	assert.Zero(t, p.Space.Writes())
	assert.Zero(t, out.Attempted)
	onCreate := byName(out.Methods, "onCreate")
	assert.Equal(t, domain.TagHookedTarget, onCreate.Tag)
	assert.Contains(t, onCreate.Reason, "skipped")
}

type span struct{ start, end uint64 }

// TestRun_Conservative 只修改 hooked-target 条目相关的字节
func TestRun_Conservative(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	other := b.Class("Lcom/example/Other;",
		arttest.Method{Name: "foo", Signature: "()V", Flags: 0x0001},
		arttest.Method{Name: "bar", Signature: "()V", Flags: 0x0001},
	)
	b.Hook(other, "foo")
	foreign := b.ForeignCode()
	b.SetEntry(other.Slot("foo"), foreign)
	p := b.Build()
	in := prepare(t, p)

	assert.Equal(t, domain.TagHookedOther, byName(in.methods, "foo").Tag)

	before := p.Space.Dump()
	n := neutralizer.New(p.Space, neutralizer.Options{HookStub: p.Anchors.HookStub}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)
	after := p.Space.Dump()

	ptr := uint64(p.Layout.PointerSize)
	var allowed []span
	for _, m := range in.methods {
		if m.Tag == domain.TagHookedTarget {
			allowed = append(allowed, span{m.EntryPointAddr, m.EntryPointAddr + ptr})
		}
	}
	for _, cb := range in.callbacks {
		if cb.Tag == domain.TagHookedTarget {
			allowed = append(allowed, span{cb.Slot, cb.Slot + 4})
		}
	}
	for _, br := range in.located.Bridges {
		allowed = append(allowed, span{br.Method.DataAddr, br.Method.DataAddr + ptr})
	}

	for start, data := range before {
		changed := after[start]
		require.Len(t, changed, len(data))
		for i := range data {
			if data[i] == changed[i] {
				continue
			}
			addr := start + uint64(i)
			ok := false
			for _, s := range allowed {
				if addr >= s.start && addr < s.end {
					ok = true
					break
				}
			}
			assert.Truef(t, ok, "unexpected write at %#x", addr)
		}
	}

	assert.Equal(t, foreign, p.EntryPoint(other.Slot("foo")))
	assert.Equal(t, domain.TagHookedOther, byName(out.Methods, "foo").Tag)
}

// TestRestoreText 测试运行时代码页还原
func TestRestoreText(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	in := prepare(t, p)

	patch := []byte{0x00, 0x00, 0x00, 0x14}
	_, err := p.Space.WriteAt(patch, p.Runtime.Start+0x1804)
	require.NoError(t, err)

	n := neutralizer.New(p.Space, neutralizer.Options{RestoreText: true}, newTestLogger())
	out := n.Run(context.Background(), in.located, in.methods, in.callbacks)
	assert.Equal(t, 1, out.TextPages)

	got, err := memory.Bytes(p.Space, p.Runtime.Start+0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, p.Image.Text[0].Data[0x1000:0x2000], got)

	// 再次执行时没有需要还原的页
	pages, err := n.RestoreText(in.located.Runtime)
	require.NoError(t, err)
	assert.Zero(t, pages)
}
