//go:build linux

package memory

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Proc 通过 /proc/<pid>/mem 访问进程内存
// 内核对该文件的写入会忽略页保护属性，只读页同样可写
type Proc struct {
	pid      int
	fd       int
	writable bool
	mu       sync.Mutex
	closed   bool
}

// OpenProc 打开进程内存，pid 为 0 表示当前进程
func OpenProc(pid int) (*Proc, error) {
	path := procPath(pid, "mem")

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	writable := true
	if err != nil {
		// 只读降级，写入将以 ErrWriteRejected 报告
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		writable = false
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &Proc{pid: pid, fd: fd, writable: writable}, nil
}

// Pid 返回目标进程号 (0 为自身)
func (p *Proc) Pid() int {
	return p.pid
}

// Writable 是否以读写方式打开
func (p *Proc) Writable() bool {
	return p.writable
}

// ReadAt 读取内存
func (p *Proc) ReadAt(buf []byte, addr uint64) (int, error) {
	if addr > 1<<63-1 {
		return 0, ErrUnmapped
	}
	n, err := unix.Pread(p.fd, buf, int64(addr))
	if err != nil {
		return 0, fmt.Errorf("pread %#x: %w", addr, err)
	}
	return n, nil
}

// WriteAt 写入内存
func (p *Proc) WriteAt(buf []byte, addr uint64) (int, error) {
	if !p.writable {
		return 0, fmt.Errorf("pwrite %#x: %w", addr, unix.EBADF)
	}
	if addr > 1<<63-1 {
		return 0, ErrUnmapped
	}
	n, err := unix.Pwrite(p.fd, buf, int64(addr))
	if err != nil {
		return 0, fmt.Errorf("pwrite %#x: %w", addr, err)
	}
	return n, nil
}

// Regions 每次重新读取 maps
func (p *Proc) Regions() ([]Region, error) {
	f, err := os.Open(procPath(p.pid, "maps"))
	if err != nil {
		return nil, fmt.Errorf("failed to open maps: %w", err)
	}
	defer f.Close()
	return ParseMaps(f)
}

// Close 关闭文件描述符
func (p *Proc) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.fd)
}

// PageSize 系统页大小
func PageSize() int {
	return unix.Getpagesize()
}

func procPath(pid int, name string) string {
	if pid == 0 {
		return "/proc/self/" + name
	}
	return "/proc/" + strconv.Itoa(pid) + "/" + name
}
