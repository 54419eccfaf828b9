//go:build !linux

package memory

import (
	"errors"
	"os"
)

// Proc 非 Linux 平台不支持
type Proc struct{}

// OpenProc 非 Linux 平台不支持 /proc/<pid>/mem
func OpenProc(pid int) (*Proc, error) {
	return nil, errors.New("process memory access requires linux")
}

func (p *Proc) Pid() int { return 0 }
func (p *Proc) Writable() bool { return false }
func (p *Proc) ReadAt(buf []byte, addr uint64) (int, error) { return 0, ErrUnmapped }
func (p *Proc) WriteAt(buf []byte, addr uint64) (int, error) { return 0, ErrUnmapped }
func (p *Proc) Regions() ([]Region, error) { return nil, errors.New("maps not available") }
func (p *Proc) Close() error { return nil }

// PageSize 系统页大小
func PageSize() int {
	return os.Getpagesize()
}
