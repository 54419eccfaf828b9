package neutralizer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/trampoline"
	"github.com/sirupsen/logrus"
)

const defaultPageSize = 0x1000

// Options 还原参数
type Options struct {
	DryRun      bool   // 只分类不写入
	RestoreText bool   // 用磁盘内容覆盖被修改的运行时代码页
	HookStub    uint64 // 桥接方法的替换目标，0 表示使用 art_jni_dlsym_lookup_stub
	PageSize    int
}

// Outcome 还原结果
type Outcome struct {
	Methods       []domain.MethodEntry
	Callbacks     []domain.CallbackEntry
	Bridges       []domain.BridgeEntry
	SelfProtected bool
	TextPages     int
	Attempted     int
	Failed        int
}

// Neutralizer 将目标框架修改过的条目写回
type Neutralizer struct {
	space  memory.Space
	opts   Options
	logger *logrus.Logger
}

// New 创建还原器
func New(space memory.Space, opts Options, logger *logrus.Logger) *Neutralizer {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Neutralizer{space: space, opts: opts, logger: logger}
}

// Run 依次处理方法、回调和桥接方法，返回新的条目切片
// 只处理 hooked-target 条目，截止时间之后剩余条目保持原状
func (n *Neutralizer) Run(ctx context.Context, located *art.Located, methods []domain.MethodEntry, callbacks []domain.CallbackEntry) *Outcome {
	out := &Outcome{
		Methods:   append([]domain.MethodEntry(nil), methods...),
		Callbacks: append([]domain.CallbackEntry(nil), callbacks...),
		Bridges:   append([]domain.BridgeEntry(nil), located.Bridges...),
	}

	for i := range out.Methods {
		m := &out.Methods[i]
		if m.Tag != domain.TagHookedTarget {
			continue
		}
		if err := ctx.Err(); err != nil {
			m.Reason = fmt.Sprintf("skipped: %v", err)
			continue
		}
		out.Attempted++
		if err := n.restoreMethod(located, m); err != nil {
			out.Failed++
			m.Reason = err.Error()
			n.logger.WithError(err).WithField("method", m.Identifier()).Warn("Failed to restore method")
		}
	}

	for i := range out.Callbacks {
		cb := &out.Callbacks[i]
		if cb.Tag != domain.TagHookedTarget {
			continue
		}
		if err := ctx.Err(); err != nil {
			cb.Reason = fmt.Sprintf("skipped: %v", err)
			continue
		}
		out.Attempted++
		if err := n.clearCallback(cb); err != nil {
			out.Failed++
			cb.Reason = err.Error()
			n.logger.WithError(err).WithField("callback", cb.Identifier()).Warn("Failed to clear callback")
		}
	}

	disabled := 0
	for i := range out.Bridges {
		br := &out.Bridges[i]
		if err := ctx.Err(); err != nil {
			br.Reason = fmt.Sprintf("skipped: %v", err)
			continue
		}
		if err := n.disableBridge(located, br); err != nil {
			br.Reason = err.Error()
			n.logger.WithError(err).WithField("bridge", br.Method.Identifier()).Warn("Failed to disable bridge")
			continue
		}
		disabled++
	}
	out.SelfProtected = !n.opts.DryRun && len(out.Bridges) > 0 && disabled == len(out.Bridges)

	if n.opts.RestoreText && !n.opts.DryRun && ctx.Err() == nil {
		pages, err := n.RestoreText(located.Runtime)
		if err != nil {
			n.logger.WithError(err).Warn("Failed to restore runtime text")
		}
		out.TextPages = pages
	}

	n.logger.WithFields(logrus.Fields{
		"attempted":      out.Attempted,
		"failed":         out.Failed,
		"bridges":        len(out.Bridges),
		"self_protected": out.SelfProtected,
		"text_pages":     out.TextPages,
		"dry_run":        n.opts.DryRun,
	}).Info("Neutralization completed")

	return out
}

// OriginalEntry 推断方法被 hook 前的入口: 优先使用框架保存的副本，
// 否则按调用约定选择 generic JNI 跳板或解释器桥
func (n *Neutralizer) OriginalEntry(located *art.Located, m *domain.MethodEntry) (uint64, error) {
	if m.BackupEntry != 0 && m.BackupEntry != m.EntryPoint {
		code, err := memory.Bytes(n.space, m.BackupEntry&^1, trampoline.ProbeSize)
		if err == nil {
			if _, hooked := trampoline.Match(located.Arch, code); !hooked {
				return m.BackupEntry, nil
			}
		}
	}

	sym := art.SymInterpreterBridge
	if m.IsNative() {
		sym = art.SymGenericJNITrampoline
	}
	addr, ok := located.Runtime.Symbol(sym)
	if !ok {
		return 0, fmt.Errorf("%w: runtime symbol %s missing", domain.ErrEntryUnresolvable, sym)
	}
	return addr, nil
}

func (n *Neutralizer) restoreMethod(located *art.Located, m *domain.MethodEntry) error {
	target, err := n.OriginalEntry(located, m)
	if err != nil {
		return err
	}
	if n.opts.DryRun {
		m.Reason = fmt.Sprintf("dry run: would restore entry to %#x", target)
		return nil
	}
	if err := memory.WriteVerified(n.space, m.EntryPointAddr, memory.EncodePointer(target, located.PointerSize)); err != nil {
		return err
	}

	m.Tag = domain.TagNeutralized
	m.Reason = fmt.Sprintf("entry restored to %#x", target)
	n.logger.WithFields(logrus.Fields{
		"method": m.Identifier(),
		"from":   fmt.Sprintf("%#x", m.EntryPoint),
		"to":     fmt.Sprintf("%#x", target),
	}).Debug("Method restored")
	return nil
}

func (n *Neutralizer) clearCallback(cb *domain.CallbackEntry) error {
	if n.opts.DryRun {
		cb.Reason = "dry run: would clear registration"
		return nil
	}
	if err := memory.WriteVerified(n.space, cb.Slot, make([]byte, 4)); err != nil {
		return err
	}
	cb.Tag = domain.TagNeutralized
	cb.Reason = "registration cleared"
	return nil
}

func (n *Neutralizer) disableBridge(located *art.Located, br *domain.BridgeEntry) error {
	stub := n.opts.HookStub
	if stub == 0 {
		addr, ok := located.Runtime.Symbol(art.SymDlsymLookupStub)
		if !ok {
			return fmt.Errorf("%w: no hook stub and runtime symbol %s missing", domain.ErrEntryUnresolvable, art.SymDlsymLookupStub)
		}
		stub = addr
	}
	if n.opts.DryRun {
		br.Reason = fmt.Sprintf("dry run: would redirect to %#x", stub)
		return nil
	}
	if err := memory.WriteVerified(n.space, br.Method.DataAddr, memory.EncodePointer(stub, located.PointerSize)); err != nil {
		return err
	}
	br.Disabled = true
	br.Reason = fmt.Sprintf("native function redirected to %#x", stub)
	return nil
}

// RestoreText 比较运行时模块内存中的可执行段和磁盘内容，逐页写回不一致的页
func (n *Neutralizer) RestoreText(img *art.RuntimeImage) (int, error) {
	if img == nil || len(img.Text) == 0 {
		return 0, fmt.Errorf("%w: runtime text segments unavailable", domain.ErrNotFound)
	}

	restored := 0
	page := n.opts.PageSize
	for _, seg := range img.Text {
		base := img.Bias + seg.Vaddr
		for off := 0; off < len(seg.Data); off += page {
			end := off + page
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			want := seg.Data[off:end]
			addr := base + uint64(off)

			got, err := memory.Bytes(n.space, addr, len(want))
			if err != nil {
				return restored, err
			}
			if bytes.Equal(got, want) {
				continue
			}
			if err := memory.WritePage(n.space, addr, want); err != nil {
				return restored, err
			}
			restored++
			n.logger.WithField("addr", fmt.Sprintf("%#x", addr)).Debug("Runtime text page restored")
		}
	}
	return restored, nil
}
