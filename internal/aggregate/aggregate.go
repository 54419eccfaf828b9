// Package aggregate 将分类、还原和识别的输出合并为一个不可变的扫描结果
package aggregate

import (
	"sort"

	"github.com/apk-analysis/artguard/internal/domain"
)

// Input 一次扫描的全部输出
type Input struct {
	Methods          []domain.MethodEntry
	Callbacks        []domain.CallbackEntry
	SelfProtected    bool
	FrameworkName    string
	Layout           string
	RuntimeTextPages int
	Bridges          int
	Trampolines      int
}

// Aggregate 纯函数，相同输入总是得到相同结果
func Aggregate(in Input) *domain.ScanResult {
	result := domain.EmptyResult(in.FrameworkName)
	result.Layout = in.Layout
	result.RuntimeTextPages = in.RuntimeTextPages

	methods := append([]domain.MethodEntry(nil), in.Methods...)
	sort.SliceStable(methods, func(i, j int) bool {
		return methods[i].Slot < methods[j].Slot
	})

	stats := domain.ScanStats{
		Methods:     len(methods),
		Callbacks:   len(in.Callbacks),
		Bridges:     in.Bridges,
		Trampolines: in.Trampolines,
	}

	for i := range methods {
		m := &methods[i]
		switch m.Tag {
		case domain.TagHookedTarget:
			stats.HookedTarget++
			result.UnhookedMethods = append(result.UnhookedMethods, m.Identifier())
		case domain.TagNeutralized:
			stats.Neutralized++
			result.RestoredMethods = append(result.RestoredMethods, m.Identifier())
		case domain.TagHookedOther:
			stats.HookedOther++
		default:
			stats.Unmodified++
		}
	}

	callbacks := append([]domain.CallbackEntry(nil), in.Callbacks...)
	sort.SliceStable(callbacks, func(i, j int) bool {
		return callbacks[i].Slot < callbacks[j].Slot
	})
	// 每个清除的字段一条，不同字段引用同一对象时标识相同
	for i := range callbacks {
		cb := &callbacks[i]
		if cb.Tag != domain.TagNeutralized {
			continue
		}
		stats.CallbacksCleared++
		result.ClearedCallbacks = append(result.ClearedCallbacks, cb.Identifier())
	}

	// 至少发现一个目标框架 hook 且全部还原
	if stats.Neutralized > 0 && stats.HookedTarget == 0 {
		result.Flags |= domain.FlagHooksNeutralized
	}
	if in.SelfProtected {
		result.Flags |= domain.FlagSelfProtected
	}

	result.Stats = stats
	return result
}
