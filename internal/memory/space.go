package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/apk-analysis/artguard/internal/domain"
)

// ErrUnmapped 地址未映射
var ErrUnmapped = errors.New("address not mapped")

// Space 一个进程的地址空间
type Space interface {
	ReadAt(p []byte, addr uint64) (int, error)
	WriteAt(p []byte, addr uint64) (int, error)
	Regions() ([]Region, error)
}

// Bytes 读取 n 字节
func Bytes(space Space, addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := space.ReadAt(buf, addr)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", n, addr, err)
	}
	if read != n {
		return nil, fmt.Errorf("short read at %#x: %d of %d bytes", addr, read, n)
	}
	return buf, nil
}

// U32 读取小端 uint32
func U32(space Space, addr uint64) (uint32, error) {
	buf, err := Bytes(space, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// U64 读取小端 uint64
func U64(space Space, addr uint64) (uint64, error) {
	buf, err := Bytes(space, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Pointer 按指针宽度 (4 或 8) 读取
func Pointer(space Space, addr uint64, size int) (uint64, error) {
	switch size {
	case 4:
		v, err := U32(space, addr)
		return uint64(v), err
	case 8:
		return U64(space, addr)
	default:
		return 0, fmt.Errorf("unsupported pointer size %d", size)
	}
}

// EncodePointer 按指针宽度编码
func EncodePointer(value uint64, size int) []byte {
	buf := make([]byte, size)
	if size == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, value)
	}
	return buf
}

// WriteVerified 单次写入完整值后回读校验
// 值的长度不超过指针宽度，保证条目写入的最小原子粒度
func WriteVerified(space Space, addr uint64, value []byte) error {
	if len(value) == 0 || len(value) > 8 {
		return fmt.Errorf("%w: invalid write size %d", domain.ErrWriteRejected, len(value))
	}

	n, err := space.WriteAt(value, addr)
	if err != nil {
		return fmt.Errorf("%w: write at %#x: %v", domain.ErrWriteRejected, addr, err)
	}
	if n != len(value) {
		return fmt.Errorf("%w: short write at %#x (%d of %d)", domain.ErrWriteRejected, addr, n, len(value))
	}

	return Verify(space, addr, value)
}

// Verify 回读并比较
func Verify(space Space, addr uint64, want []byte) error {
	got := make([]byte, len(want))
	n, err := space.ReadAt(got, addr)
	if err != nil || n != len(want) {
		return fmt.Errorf("%w: verify read at %#x failed", domain.ErrWriteRejected, addr)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: verify mismatch at %#x", domain.ErrWriteRejected, addr)
	}
	return nil
}

// WritePage 写入一整段数据并校验 (用于代码段恢复)
func WritePage(space Space, addr uint64, data []byte) error {
	n, err := space.WriteAt(data, addr)
	if err != nil {
		return fmt.Errorf("%w: write page at %#x: %v", domain.ErrWriteRejected, addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short page write at %#x", domain.ErrWriteRejected, addr)
	}
	return Verify(space, addr, data)
}
