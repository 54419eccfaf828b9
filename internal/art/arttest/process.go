package arttest

import (
	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/trampoline"
)

// Process 构造完成的合成进程
type Process struct {
	Space   *memory.Synthetic
	Anchors art.Anchors
	Image   *art.RuntimeImage
	Layout  art.Layout
	Arch    trampoline.Arch

	Classes map[string]*Class
	Hooks   []*Hook
	Bridges []uint64 // 桥接方法的 ArtMethod

	Runtime   memory.Region
	Framework memory.Region
	Foreign   memory.Region
	App       memory.Region
}

// Options 使用预置运行时镜像的定位参数
func (p *Process) Options() art.Options {
	opts := art.DefaultOptions()
	opts.Image = p.Image
	return opts
}

// EntryPoint 读取 ArtMethod 当前的入口
func (p *Process) EntryPoint(slot uint64) uint64 {
	v, err := memory.Pointer(p.Space, slot+p.Layout.EntryPointOffset(), p.Layout.PointerSize)
	if err != nil {
		return 0
	}
	return v
}

// Data 读取 ArtMethod 的 data_
func (p *Process) Data(slot uint64) uint64 {
	v, err := memory.Pointer(p.Space, slot+p.Layout.DataOffset(), p.Layout.PointerSize)
	if err != nil {
		return 0
	}
	return v
}

// Symbol 运行时符号的地址
func (p *Process) Symbol(offset uint64) uint64 {
	return p.Runtime.Start + offset
}

// Segment 返回包含地址的段，用于注入写入失败
func (p *Process) Segment(addr uint64) *memory.Segment {
	seg, _ := p.Space.Segment(addr)
	return seg
}

// Standard 常用场景: 一个被 hook 的类、一个带桥接类的框架
func Standard(layoutName string) (*Builder, *Class) {
	b := New(layoutName)
	activity := b.Class("Landroid/app/Activity;",
		Method{Name: "onCreate", Signature: "(Landroid/os/Bundle;)V", Flags: 0x0004},
		Method{Name: "onResume", Signature: "()V", Flags: 0x0004},
		Method{Name: "getSystemService", Signature: "(Ljava/lang/String;)Ljava/lang/Object;", Flags: 0x0001},
		Method{Name: "nativeAttach", Signature: "(J)V", Flags: 0x0002 | 0x0100},
	)
	b.Hook(activity, "onCreate")
	b.Hook(activity, "nativeAttach")
	b.Bridge()
	return b, activity
}
