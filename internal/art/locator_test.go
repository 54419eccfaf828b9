package art_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/art/arttest"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func locate(t *testing.T, p *arttest.Process, opts art.Options) (*art.Located, error) {
	locator, err := art.NewLocator(p.Space, p.Anchors, opts, newTestLogger())
	require.NoError(t, err)
	return locator.Locate(context.Background())
}

// TestLocate_Layouts 测试所有受支持布局的定位
func TestLocate_Layouts(t *testing.T) {
	for _, layout := range art.Layouts {
		t.Run(layout.Name, func(t *testing.T) {
			b, activity := arttest.Standard(layout.Name)
			p := b.Build()

			located, err := locate(t, p, p.Options())
			require.NoError(t, err)

			assert.Equal(t, layout, located.Layout)
			assert.Equal(t, layout.PointerSize, located.PointerSize)
			assert.Equal(t, p.Arch, located.Arch)
			assert.Equal(t, 2, located.Trampolines)

			require.Len(t, located.Tables, 1)
			assert.Equal(t, activity.Addr, located.Tables[0].Class)
			assert.Equal(t, "android.app.Activity", located.Tables[0].Name)
			assert.Equal(t, art.SourceBackup, located.Tables[0].Source)

			require.Len(t, located.Methods, 4)
			byName := make(map[string]domain.MethodEntry)
			for _, m := range located.Methods {
				assert.Equal(t, "android.app.Activity", m.DeclaringType)
				assert.True(t, m.Resolved)
				byName[m.Name] = m
			}

			onCreate := byName["onCreate"]
			hook := p.Hooks[0]
			assert.Equal(t, hook.Target, onCreate.Slot)
			assert.Equal(t, hook.Trampoline, onCreate.EntryPoint)
			assert.Equal(t, hook.Backup, onCreate.Backup)
			assert.Equal(t, hook.OriginalEntry, onCreate.BackupEntry)
			assert.Equal(t, "(Landroid/os/Bundle;)V", onCreate.Signature)
			assert.Equal(t, "android.app.Activity.onCreate", onCreate.Identifier())

			onResume := byName["onResume"]
			assert.Zero(t, onResume.Backup)
			assert.Equal(t, activity.Slot("onResume"), onResume.Slot)

			nativeAttach := byName["nativeAttach"]
			assert.True(t, nativeAttach.IsNative())

			require.Len(t, located.Callbacks, 2)
			cb := located.Callbacks[0]
			assert.Equal(t, "LspHooker_onCreate_0", cb.Owner)
			assert.Equal(t, hook.CallbackSlot, cb.Slot)
			assert.Equal(t, hook.Callback, cb.Registration)
			assert.True(t, cb.Resolved)

			require.Len(t, located.Bridges, 2)
			assert.Equal(t, "hookMethod", located.Bridges[0].Method.Name)
			assert.Equal(t, p.Bridges[0], located.Bridges[0].Method.Slot)
			assert.Equal(t, "unhookMethod", located.Bridges[1].Method.Name)

			sym, ok := located.Runtime.Symbol(art.SymInterpreterBridge)
			require.True(t, ok)
			assert.Equal(t, p.Symbol(arttest.InterpreterBridgeOffset), sym)
		})
	}
}

// TestLocate_UnknownStride 测试无法识别的 ArtMethod 大小
func TestLocate_UnknownStride(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	second := b.MethodClass().Slot("getName")
	p := b.Build()

	// 破坏第二个 ArtMethod 的 declaring_class_
	require.NoError(t, memory.WriteVerified(p.Space, second, memory.EncodePointer(0, 4)))

	_, err := locate(t, p, p.Options())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLayoutNotSupported))
}

// TestLocate_PointerSizeMismatch 测试指针宽度与布局不匹配时拒绝
func TestLocate_PointerSizeMismatch(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()

	opts := p.Options()
	opts.PointerSize = 4
	_, err := locate(t, p, opts)
	assert.True(t, errors.Is(err, domain.ErrLayoutNotSupported))
}

// TestLocate_MissingRuntime 测试找不到运行时模块
func TestLocate_MissingRuntime(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()

	opts := p.Options()
	opts.RuntimeModules = []string{"libartd.so"}
	_, err := locate(t, p, opts)
	assert.True(t, errors.Is(err, domain.ErrLayoutNotSupported))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// TestLocate_MissingGlobalRefs 测试找不到全局引用表
func TestLocate_MissingGlobalRefs(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()

	p.Anchors.JavaVM = p.Anchors.JavaVM + 0x4000
	_, err := locate(t, p, p.Options())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	p.Anchors.JavaVM = 0
	_, err = locate(t, p, p.Options())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// TestLocate_ReflectedClasses 测试扫描普通反射方法所在的类
func TestLocate_ReflectedClasses(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	settings := b.Class("Landroid/provider/Settings$Secure;",
		arttest.Method{Name: "getString", Signature: "(Landroid/content/ContentResolver;Ljava/lang/String;)Ljava/lang/String;", Flags: 0x0009},
	)
	b.Reflect(settings, "getString")
	p := b.Build()

	located, err := locate(t, p, p.Options())
	require.NoError(t, err)
	assert.Len(t, located.Tables, 1, "reflected classes are ignored by default")

	opts := p.Options()
	opts.ScanReflectedClasses = true
	located, err = locate(t, p, opts)
	require.NoError(t, err)

	var sources []string
	for _, table := range located.Tables {
		sources = append(sources, table.Name+"/"+table.Source)
	}
	assert.Contains(t, sources, "android.provider.Settings$Secure/"+art.SourceReflected)
	assert.Contains(t, sources, "android.app.Activity/"+art.SourceBackup)
}

// TestLocate_Canceled 测试取消
func TestLocate_Canceled(t *testing.T) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()

	locator, err := art.NewLocator(p.Space, p.Anchors, p.Options(), newTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locator.Locate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestLocate_ReadOnly 测试定位过程不写内存
func TestLocate_ReadOnly(t *testing.T) {
	b, _ := arttest.Standard("art-o-32")
	p := b.Build()
	before := p.Space.Dump()

	_, err := locate(t, p, p.Options())
	require.NoError(t, err)

	assert.Equal(t, 0, p.Space.Writes())
	assert.Equal(t, before, p.Space.Dump())
}
