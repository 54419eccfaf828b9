// Package boundary 向宿主应用暴露扫描结果的查询接口
package boundary

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/artguard/internal/domain"
)

// Provider 扫描结果的来源，通常是 *engine.Engine
type Provider interface {
	Result(ctx context.Context) *domain.ScanResult
}

// Adapter 查询接口，每次调用都会触发 (或等待) 一次性扫描
// 引擎不可用时降级: 状态位为 0，列表为空，名称为空
type Adapter struct {
	provider Provider
	loadErr  error
}

// Load 创建查询接口，open 失败或 panic 时返回降级的接口
func Load(open func() (Provider, error)) (a *Adapter) {
	a = &Adapter{}
	defer func() {
		if r := recover(); r != nil {
			a.provider = nil
			a.loadErr = fmt.Errorf("engine load panicked: %v", r)
		}
	}()

	if open == nil {
		return a
	}
	provider, err := open()
	if err != nil {
		a.loadErr = err
		return a
	}
	a.provider = provider
	return a
}

// Degraded 引擎是否不可用
func (a *Adapter) Degraded() bool {
	return a == nil || a.provider == nil
}

// Err 创建引擎时的错误
func (a *Adapter) Err() error {
	if a == nil {
		return nil
	}
	return a.loadErr
}

func (a *Adapter) result() (res *domain.ScanResult) {
	if a.Degraded() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			res = nil
		}
	}()
	return a.provider.Result(context.Background())
}

// Flags 状态位
func (a *Adapter) Flags() int32 {
	if res := a.result(); res != nil {
		return res.Flags
	}
	return 0
}

// UnhookedMethods 仍处于 hook 状态的方法
func (a *Adapter) UnhookedMethods() []string {
	if res := a.result(); res != nil {
		return append([]string{}, res.UnhookedMethods...)
	}
	return []string{}
}

// ClearedCallbacks 已清除的回调
func (a *Adapter) ClearedCallbacks() []string {
	if res := a.result(); res != nil {
		return append([]string{}, res.ClearedCallbacks...)
	}
	return []string{}
}

// FrameworkName 识别到的框架名称
func (a *Adapter) FrameworkName() string {
	if res := a.result(); res != nil {
		return res.FrameworkName
	}
	return ""
}

// Result 完整结果的副本，降级时为空结果
func (a *Adapter) Result() *domain.ScanResult {
	if res := a.result(); res != nil {
		return res.Clone()
	}
	return domain.EmptyResult("")
}

var (
	defaultOnce    sync.Once
	defaultAdapter atomic.Pointer[Adapter]
)

// Init 初始化进程级查询接口，只有第一次调用生效
func Init(open func() (Provider, error)) *Adapter {
	defaultOnce.Do(func() {
		defaultAdapter.Store(Load(open))
	})
	return defaultAdapter.Load()
}

// Default 返回进程级查询接口，未初始化时为 nil
func Default() *Adapter {
	return defaultAdapter.Load()
}

// GetFlags 状态位: bit 0 自我保护，bit 1 hook 已还原
func GetFlags() int32 {
	return Default().Flags()
}

// GetUnhookedMethodIdentifiers 仍处于 hook 状态的方法标识
func GetUnhookedMethodIdentifiers() []string {
	return Default().UnhookedMethods()
}

// GetClearedCallbackIdentifiers 已清除的回调标识
func GetClearedCallbackIdentifiers() []string {
	return Default().ClearedCallbacks()
}

// GetFrameworkName 框架名称
func GetFrameworkName() string {
	return Default().FrameworkName()
}
