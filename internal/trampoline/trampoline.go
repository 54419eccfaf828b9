package trampoline

import (
	"debug/elf"
	"encoding/binary"
)

// ProbeSize 识别入口跳板所需读取的字节数
const ProbeSize = 64

// Arch 指令集架构
type Arch string

const (
	ArchARM64   Arch = "arm64"
	ArchARM     Arch = "arm"
	ArchX86     Arch = "x86"
	ArchX86_64  Arch = "x86_64"
	ArchRISCV64 Arch = "riscv64"
	ArchUnknown Arch = ""
)

// PointerSize 架构的指针宽度
func (a Arch) PointerSize() int {
	switch a {
	case ArchARM, ArchX86:
		return 4
	case ArchARM64, ArchX86_64, ArchRISCV64:
		return 8
	default:
		return 0
	}
}

// ArchFromELF 由 ELF machine 字段得到架构
func ArchFromELF(machine elf.Machine) Arch {
	switch machine {
	case elf.EM_AARCH64:
		return ArchARM64
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_386:
		return ArchX86
	case elf.EM_X86_64:
		return ArchX86_64
	case elf.EM_RISCV:
		return ArchRISCV64
	default:
		return ArchUnknown
	}
}

// Match 识别 hook 框架写入的入口跳板，返回跳板中嵌入的 hooker ArtMethod 指针
func Match(arch Arch, code []byte) (uint64, bool) {
	switch arch {
	case ArchARM64:
		return matchARM64(code)
	case ArchARM:
		return matchARM(code)
	case ArchX86:
		return matchX86(code)
	case ArchX86_64:
		return matchX86_64(code)
	case ArchRISCV64:
		return matchRISCV64(code)
	default:
		return 0, false
	}
}

func word(code []byte, i int) (uint32, bool) {
	off := i * 4
	if off+4 > len(code) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(code[off:]), true
}

func ptr(code []byte, off, size int) (uint64, bool) {
	if off+size > len(code) {
		return 0, false
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(code[off:])), true
	}
	return binary.LittleEndian.Uint64(code[off:]), true
}

// ldr x16, #12; ldr x0, [x16, #...]; br x16; .quad hooker
func matchARM64(code []byte) (uint64, bool) {
	for i := 0; i < 8; i++ {
		w0, ok0 := word(code, i)
		w1, ok1 := word(code, i+1)
		w2, ok2 := word(code, i+2)
		if !ok0 || !ok1 || !ok2 {
			break
		}
		if w0 != 0x58000060 || w1&0xFFF00FFF != 0xF8400010 || w2 != 0xD61F0200 {
			continue
		}
		return ptr(code, (i+3)*4, 8)
	}
	return 0, false
}

// ldr r0, [pc]; ldr pc, [r0, #...]; .word hooker
func matchARM(code []byte) (uint64, bool) {
	for i := 0; i < 8; i++ {
		w0, ok0 := word(code, i)
		w1, ok1 := word(code, i+1)
		if !ok0 || !ok1 {
			break
		}
		if w0 != 0xE59F0000 || w1&0xFFFFFF00 != 0xE590FF00 {
			continue
		}
		return ptr(code, (i+2)*4, 4)
	}
	return 0, false
}

// mov eax, hooker; jmp [eax + ...]; ret
func matchX86(code []byte) (uint64, bool) {
	for i := 0; i < 32 && i+8 < len(code); i++ {
		if code[i] != 0xB8 || code[i+5] != 0xFF || code[i+6] != 0x70 || code[i+8] != 0xC3 {
			continue
		}
		return ptr(code, i+1, 4)
	}
	return 0, false
}

// movabs rdi, hooker; push [rdi + ...]; ret
func matchX86_64(code []byte) (uint64, bool) {
	for i := 0; i < 32 && i+13 < len(code); i++ {
		if code[i] != 0x48 || code[i+1] != 0xBF || code[i+10] != 0xFF || code[i+11] != 0x77 || code[i+13] != 0xC3 {
			continue
		}
		return ptr(code, i+2, 8)
	}
	return 0, false
}

// auipc a0, 0; ld a0, 16(a0); ld t6, ...(a0); jr t6; .dword hooker
func matchRISCV64(code []byte) (uint64, bool) {
	for i := 0; i < 8; i++ {
		w0, ok0 := word(code, i)
		w1, ok1 := word(code, i+1)
		w2, ok2 := word(code, i+2)
		w3, ok3 := word(code, i+3)
		if !ok0 || !ok1 || !ok2 || !ok3 {
			break
		}
		if w0 != 0x00000517 || w1 != 0x01053503 || w2&0xF00FFFFF != 0x00053F83 || w3 != 0x000F8067 {
			continue
		}
		return ptr(code, (i+4)*4, 8)
	}
	return 0, false
}

// Encode 生成与 Match 对应的标准跳板字节，entryOffset 为 hooker 入口字段偏移
func Encode(arch Arch, hooker uint64, entryOffset uint32) []byte {
	le := binary.LittleEndian
	var out []byte

	switch arch {
	case ArchARM64:
		out = le.AppendUint32(out, 0x58000060)
		out = le.AppendUint32(out, 0xF8400010|(entryOffset&0x1FF)<<12)
		out = le.AppendUint32(out, 0xD61F0200)
		out = le.AppendUint64(out, hooker)
	case ArchARM:
		out = le.AppendUint32(out, 0xE59F0000)
		out = le.AppendUint32(out, 0xE590FF00|entryOffset&0xFF)
		out = le.AppendUint32(out, uint32(hooker))
	case ArchX86:
		out = append(out, 0xB8)
		out = le.AppendUint32(out, uint32(hooker))
		out = append(out, 0xFF, 0x70, byte(entryOffset), 0xC3)
	case ArchX86_64:
		out = append(out, 0x48, 0xBF)
		out = le.AppendUint64(out, hooker)
		out = append(out, 0xFF, 0x77, byte(entryOffset), 0xC3)
	case ArchRISCV64:
		out = le.AppendUint32(out, 0x00000517)
		out = le.AppendUint32(out, 0x01053503)
		out = le.AppendUint32(out, 0x00053F83|(entryOffset&0xFFF)<<20)
		out = le.AppendUint32(out, 0x000F8067)
		out = le.AppendUint64(out, hooker)
	}

	return out
}
