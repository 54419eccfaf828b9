package art

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apk-analysis/artguard/internal/trampoline"
	"github.com/ulikunitz/xz"
)

// 还原和自我保护需要的运行时符号
const (
	SymInterpreterBridge    = "art_quick_to_interpreter_bridge"
	SymGenericJNITrampoline = "art_quick_generic_jni_trampoline"
	SymDlsymLookupStub      = "art_jni_dlsym_lookup_stub"
)

// TextSegment 磁盘上的可执行 PT_LOAD 段
type TextSegment struct {
	Vaddr uint64 `json:"vaddr"`
	Data  []byte `json:"data"`
}

// RuntimeImage 运行时模块的符号和代码段，地址为文件内虚拟地址
type RuntimeImage struct {
	Path       string            `json:"path"`
	Arch       trampoline.Arch   `json:"arch"`
	FirstVaddr uint64            `json:"first_vaddr"`
	Symbols    map[string]uint64 `json:"symbols"`
	Text       []TextSegment     `json:"text,omitempty"`
	Bias       uint64            `json:"-"`
}

// Symbol 返回符号的运行时地址
func (img *RuntimeImage) Symbol(name string) (uint64, bool) {
	if img == nil {
		return 0, false
	}
	v, ok := img.Symbols[name]
	if !ok || v == 0 {
		return 0, false
	}
	return img.Bias + v, true
}

// WithBias 返回设置了加载偏移的副本
func (img *RuntimeImage) WithBias(bias uint64) *RuntimeImage {
	c := *img
	c.Bias = bias
	return &c
}

// LoadRuntimeImage 从磁盘读取运行时模块
func LoadRuntimeImage(path string) (*RuntimeImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime module: %w", err)
	}
	defer file.Close()

	img, err := NewRuntimeImage(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// NewRuntimeImage 解析 ELF: 动态符号、符号表和 .gnu_debugdata 中的压缩符号表
func NewRuntimeImage(r io.ReaderAt) (*RuntimeImage, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elf: %w", err)
	}
	defer f.Close()

	img := &RuntimeImage{
		Arch:    trampoline.ArchFromELF(f.Machine),
		Symbols: make(map[string]uint64),
	}

	first := true
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if first || prog.Vaddr < img.FirstVaddr {
			img.FirstVaddr = prog.Vaddr
			first = false
		}
		if prog.Flags&elf.PF_X == 0 || prog.Flags&elf.PF_W != 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read text segment at %#x: %w", prog.Vaddr, err)
		}
		img.Text = append(img.Text, TextSegment{Vaddr: prog.Vaddr, Data: data})
	}

	addSymbols(img.Symbols, f.DynamicSymbols)
	addSymbols(img.Symbols, f.Symbols)

	// MiniDebugInfo: xz 压缩的 ELF，只含 .symtab，解压失败时忽略
	if sec := f.Section(".gnu_debugdata"); sec != nil {
		_ = addDebugData(img.Symbols, sec)
	}

	return img, nil
}

func addSymbols(dst map[string]uint64, load func() ([]elf.Symbol, error)) {
	syms, err := load()
	if err != nil {
		return
	}
	for _, sym := range syms {
		if sym.Name == "" || sym.Value == 0 {
			continue
		}
		if _, exists := dst[sym.Name]; !exists {
			dst[sym.Name] = sym.Value
		}
	}
}

func addDebugData(dst map[string]uint64, sec *elf.Section) error {
	compressed, err := sec.Data()
	if err != nil {
		return err
	}
	reader, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to open .gnu_debugdata: %w", err)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to decompress .gnu_debugdata: %w", err)
	}
	inner, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to parse .gnu_debugdata: %w", err)
	}
	defer inner.Close()

	addSymbols(dst, inner.Symbols)
	return nil
}
