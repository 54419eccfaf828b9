package trampoline

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMatch_Roundtrip 测试各架构跳板识别
func TestMatch_Roundtrip(t *testing.T) {
	tests := []struct {
		arch   Arch
		hooker uint64
		entry  uint32
	}{
		{ArchARM64, 0x7a1e00c0d0, 0x18},
		{ArchARM, 0xe1c0a0b0, 0x14},
		{ArchX86, 0xe1c0a0b0, 0x14},
		{ArchX86_64, 0x7a1e00c0d0, 0x18},
		{ArchRISCV64, 0x7a1e00c0d0, 0x18},
	}

	for _, tt := range tests {
		t.Run(string(tt.arch), func(t *testing.T) {
			code := Encode(tt.arch, tt.hooker, tt.entry)

			got, ok := Match(tt.arch, code)
			assert.True(t, ok)
			assert.Equal(t, tt.hooker, got)

			// 前面有填充时同样能识别
			padded := append(make([]byte, 8), code...)
			got, ok = Match(tt.arch, padded)
			assert.True(t, ok)
			assert.Equal(t, tt.hooker, got)
		})
	}
}

// TestMatch_NoMatch 测试普通代码不被误判
func TestMatch_NoMatch(t *testing.T) {
	// stp x29, x30, [sp, #-16]!; mov x29, sp
	prologue := []byte{0xfd, 0x7b, 0xbf, 0xa9, 0xfd, 0x03, 0x00, 0x91}
	_, ok := Match(ArchARM64, prologue)
	assert.False(t, ok)

	_, ok = Match(ArchARM64, nil)
	assert.False(t, ok)

	// 截断的跳板 (缺少指针)
	code := Encode(ArchARM64, 0x1234, 0x18)
	_, ok = Match(ArchARM64, code[:12])
	assert.False(t, ok)

	// 架构不匹配
	_, ok = Match(ArchX86_64, Encode(ArchARM64, 0x1234, 0x18))
	assert.False(t, ok)

	_, ok = Match(ArchUnknown, Encode(ArchARM64, 0x1234, 0x18))
	assert.False(t, ok)
}

// TestArchFromELF 测试 ELF 架构映射
func TestArchFromELF(t *testing.T) {
	assert.Equal(t, ArchARM64, ArchFromELF(elf.EM_AARCH64))
	assert.Equal(t, ArchX86_64, ArchFromELF(elf.EM_X86_64))
	assert.Equal(t, ArchRISCV64, ArchFromELF(elf.EM_RISCV))
	assert.Equal(t, ArchUnknown, ArchFromELF(elf.EM_MIPS))

	assert.Equal(t, 8, ArchARM64.PointerSize())
	assert.Equal(t, 4, ArchARM.PointerSize())
	assert.Equal(t, 0, ArchUnknown.PointerSize())
}
