package boundary

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/apk-analysis/artguard/internal/art/arttest"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls  atomic.Int32
	result *domain.ScanResult
}

func (p *countingProvider) Result(context.Context) *domain.ScanResult {
	p.calls.Add(1)
	return p.result.Clone()
}

func resetDefault() {
	defaultOnce = sync.Once{}
	defaultAdapter.Store(nil)
}

func newEngine(t *testing.T) (*engine.Engine, *arttest.Process) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	opts := engine.DefaultOptions()
	opts.Anchors = p.Anchors
	opts.Locator = p.Options()
	return engine.New(p.Space, opts, logger), p
}

// TestAdapter_Engine 通过引擎查询，多次调用结果相同
func TestAdapter_Engine(t *testing.T) {
	e, p := newEngine(t)
	a := Load(func() (Provider, error) { return e, nil })
	require.False(t, a.Degraded())

	assert.Equal(t, domain.FlagSelfProtected|domain.FlagHooksNeutralized, a.Flags())
	writes := p.Space.Writes()

	for i := 0; i < 3; i++ {
		assert.Equal(t, domain.FlagSelfProtected|domain.FlagHooksNeutralized, a.Flags())
		assert.Empty(t, a.UnhookedMethods())
		assert.Len(t, a.ClearedCallbacks(), 2)
		assert.Equal(t, "LSPosed 1.9.2 (7024)", a.FrameworkName())
	}
	assert.Equal(t, writes, p.Space.Writes())
}

// TestAdapter_Copies 返回的列表是副本
func TestAdapter_Copies(t *testing.T) {
	provider := &countingProvider{result: &domain.ScanResult{
		Flags:            domain.FlagHooksNeutralized,
		UnhookedMethods:  []string{"a.B.c"},
		ClearedCallbacks: []string{"X@1"},
		FrameworkName:    "LSPosed",
	}}
	a := Load(func() (Provider, error) { return provider, nil })

	methods := a.UnhookedMethods()
	methods[0] = "changed"
	assert.Equal(t, []string{"a.B.c"}, a.UnhookedMethods())
	assert.Equal(t, []string{"X@1"}, a.ClearedCallbacks())
	assert.Equal(t, int32(3), provider.calls.Load())
}

// TestAdapter_Degraded 引擎创建失败时降级
func TestAdapter_Degraded(t *testing.T) {
	tests := []struct {
		name string
		open func() (Provider, error)
	}{
		{"error", func() (Provider, error) { return nil, errors.New("runtime not loaded") }},
		{"panic", func() (Provider, error) { panic("boom") }},
		{"nil", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Load(tt.open)
			assert.True(t, a.Degraded())
			assert.Zero(t, a.Flags())
			assert.Equal(t, []string{}, a.UnhookedMethods())
			assert.Equal(t, []string{}, a.ClearedCallbacks())
			assert.Equal(t, "", a.FrameworkName())
		})
	}

	assert.EqualError(t, Load(tests[0].open).Err(), "runtime not loaded")
	assert.Contains(t, Load(tests[1].open).Err().Error(), "boom")
}

// TestDefault 进程级接口，只有第一次 Init 生效
func TestDefault(t *testing.T) {
	resetDefault()
	defer resetDefault()

	// 未初始化时返回降级值
	assert.Zero(t, GetFlags())
	assert.Empty(t, GetUnhookedMethodIdentifiers())
	assert.Empty(t, GetClearedCallbackIdentifiers())
	assert.Empty(t, GetFrameworkName())

	e, _ := newEngine(t)
	first := Init(func() (Provider, error) { return e, nil })
	second := Init(func() (Provider, error) { return nil, errors.New("ignored") })
	assert.Same(t, first, second)

	assert.Equal(t, domain.FlagSelfProtected|domain.FlagHooksNeutralized, GetFlags())
	assert.Equal(t, "LSPosed 1.9.2 (7024)", GetFrameworkName())
	assert.Len(t, GetClearedCallbackIdentifiers(), 2)
	assert.Empty(t, GetUnhookedMethodIdentifiers())
}

// TestDefault_Concurrent 并发查询看到同一个结果
func TestDefault_Concurrent(t *testing.T) {
	resetDefault()
	defer resetDefault()

	e, _ := newEngine(t)
	Init(func() (Provider, error) { return e, nil })

	var wg sync.WaitGroup
	flags := make([]int32, 8)
	for i := range flags {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			flags[i] = GetFlags()
		}(i)
	}
	wg.Wait()

	for _, f := range flags {
		assert.Equal(t, flags[0], f)
	}
}
