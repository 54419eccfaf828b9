package classifier

import (
	"fmt"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/trampoline"
	"github.com/sirupsen/logrus"
)

// Summary 各分类的数量
type Summary struct {
	Unmodified   int `json:"unmodified"`
	HookedTarget int `json:"hooked_target"`
	HookedOther  int `json:"hooked_other"`
}

func (s *Summary) add(tag domain.Tag) {
	switch tag {
	case domain.TagHookedTarget:
		s.HookedTarget++
	case domain.TagHookedOther:
		s.HookedOther++
	default:
		s.Unmodified++
	}
}

// ClassifyMethods 根据入口指向的位置为每个方法打标签，返回新的切片
func ClassifyMethods(entries []domain.MethodEntry, modules *ModuleMap, arch trampoline.Arch) ([]domain.MethodEntry, Summary) {
	var summary Summary
	out := make([]domain.MethodEntry, len(entries))

	for i, entry := range entries {
		tag, reason := classifyMethod(&entry, modules, arch)
		entry.Tag = tag
		if reason != "" {
			entry.Reason = reason
		}
		summary.add(entry.Tag)
		out[i] = entry
	}
	return out, summary
}

func classifyMethod(entry *domain.MethodEntry, modules *ModuleMap, arch trampoline.Arch) (domain.Tag, string) {
	if !entry.Resolved || entry.EntryPoint == 0 {
		return domain.TagUnmodified, "entry point unresolved"
	}

	addr := entry.EntryPoint
	if arch == trampoline.ArchARM {
		addr &^= 1
	}
	span, ok := modules.Lookup(addr)
	if !ok {
		return domain.TagUnmodified, "entry point not mapped"
	}

	if _, ok := trampoline.Match(arch, entry.Code); ok {
		return domain.TagHookedTarget, "framework trampoline"
	}

	switch span.Kind {
	case KindFramework:
		return domain.TagHookedTarget, fmt.Sprintf("entry in framework module %s", span.Base())
	case KindRuntime, KindLegit:
		return domain.TagUnmodified, ""
	case KindForeign:
		return domain.TagHookedOther, fmt.Sprintf("entry in foreign module %s", span.Path)
	default:
		return domain.TagHookedTarget, fmt.Sprintf("entry in anonymous memory %#x", span.Start)
	}
}

// ClassifyCallbacks 已解析且登记非空的回调属于目标框架
func ClassifyCallbacks(entries []domain.CallbackEntry) ([]domain.CallbackEntry, Summary) {
	var summary Summary
	out := make([]domain.CallbackEntry, len(entries))

	for i, entry := range entries {
		if entry.Resolved && entry.Registration != 0 {
			entry.Tag = domain.TagHookedTarget
		} else {
			entry.Tag = domain.TagUnmodified
		}
		summary.add(entry.Tag)
		out[i] = entry
	}
	return out, summary
}

// Classifier 带日志的分类器
type Classifier struct {
	rules  Rules
	logger *logrus.Logger
}

// New 创建分类器
func New(rules Rules, logger *logrus.Logger) *Classifier {
	return &Classifier{rules: rules, logger: logger}
}

// Rules 返回规则
func (c *Classifier) Rules() Rules {
	return c.rules
}

// Result 一次分类的结果
type Result struct {
	Methods         []domain.MethodEntry
	Callbacks       []domain.CallbackEntry
	MethodSummary   Summary
	CallbackSummary Summary
	Modules         *ModuleMap
}

// Classify 对方法和回调分别分类
func (c *Classifier) Classify(methods []domain.MethodEntry, callbacks []domain.CallbackEntry, modules *ModuleMap, arch trampoline.Arch) *Result {
	res := &Result{Modules: modules}
	res.Methods, res.MethodSummary = ClassifyMethods(methods, modules, arch)
	res.Callbacks, res.CallbackSummary = ClassifyCallbacks(callbacks)

	for _, m := range res.Methods {
		if m.Tag == domain.TagHookedOther {
			c.logger.WithFields(logrus.Fields{
				"method": m.Identifier(),
				"entry":  fmt.Sprintf("%#x", m.EntryPoint),
				"reason": m.Reason,
			}).Warn("Method hooked by unknown tool, leaving untouched")
		}
	}

	c.logger.WithFields(logrus.Fields{
		"methods":        len(res.Methods),
		"unmodified":     res.MethodSummary.Unmodified,
		"hooked_target":  res.MethodSummary.HookedTarget,
		"hooked_other":   res.MethodSummary.HookedOther,
		"callbacks":      len(res.Callbacks),
		"callbacks_live": res.CallbackSummary.HookedTarget,
	}).Info("Classification completed")

	return res
}
