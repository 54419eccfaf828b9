package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrWriteDenied 合成内存中被锁定的段拒绝写入
var ErrWriteDenied = errors.New("write denied")

// Segment 合成地址空间中的一个映射段
type Segment struct {
	Region     Region
	Data       []byte
	Locked     bool // 拒绝写入 (模拟内核拒绝)
	DropWrites bool // 写入返回成功但不生效 (模拟校验不一致)
}

// Synthetic 内存中的地址空间，用于离线快照和测试
type Synthetic struct {
	mu       sync.RWMutex
	segments []*Segment
	writes   int
}

// NewSynthetic 创建空地址空间
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

// Map 映射一段内存，data 不足部分补零
func (s *Synthetic) Map(region Region, data []byte) (*Segment, error) {
	if region.End <= region.Start {
		return nil, fmt.Errorf("empty region %x-%x", region.Start, region.End)
	}
	if uint64(len(data)) > region.Size() {
		return nil, fmt.Errorf("data (%d bytes) exceeds region %x-%x", len(data), region.Start, region.End)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, seg := range s.segments {
		if region.Start < seg.Region.End && seg.Region.Start < region.End {
			return nil, fmt.Errorf("region %x-%x overlaps %x-%x", region.Start, region.End, seg.Region.Start, seg.Region.End)
		}
	}

	backing := make([]byte, region.Size())
	copy(backing, data)
	seg := &Segment{Region: region, Data: backing}
	s.segments = append(s.segments, seg)
	sort.Slice(s.segments, func(i, j int) bool {
		return s.segments[i].Region.Start < s.segments[j].Region.Start
	})
	return seg, nil
}

// Segment 返回包含地址的段
func (s *Synthetic) Segment(addr uint64) (*Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg := s.find(addr)
	return seg, seg != nil
}

func (s *Synthetic) find(addr uint64) *Segment {
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].Region.End > addr
	})
	if i < len(s.segments) && s.segments[i].Region.Contains(addr) {
		return s.segments[i]
	}
	return nil
}

// ReadAt 读取，可跨越相邻段
func (s *Synthetic) ReadAt(p []byte, addr uint64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for n < len(p) {
		seg := s.find(addr + uint64(n))
		if seg == nil {
			if n == 0 {
				return 0, fmt.Errorf("read %#x: %w", addr, ErrUnmapped)
			}
			return n, nil
		}
		off := addr + uint64(n) - seg.Region.Start
		n += copy(p[n:], seg.Data[off:])
	}
	return n, nil
}

// WriteAt 写入，单次写入不跨段
func (s *Synthetic) WriteAt(p []byte, addr uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.find(addr)
	if seg == nil {
		return 0, fmt.Errorf("write %#x: %w", addr, ErrUnmapped)
	}
	if seg.Locked {
		return 0, fmt.Errorf("write %#x: %w", addr, ErrWriteDenied)
	}
	off := addr - seg.Region.Start
	if off+uint64(len(p)) > uint64(len(seg.Data)) {
		return 0, fmt.Errorf("write %#x: crosses segment end", addr)
	}
	s.writes++
	if seg.DropWrites {
		return len(p), nil
	}
	return copy(seg.Data[off:], p), nil
}

// Regions 返回所有段的映射信息
func (s *Synthetic) Regions() ([]Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regions := make([]Region, 0, len(s.segments))
	for _, seg := range s.segments {
		regions = append(regions, seg.Region)
	}
	return regions, nil
}

// Segments 返回段列表
func (s *Synthetic) Segments() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Segment(nil), s.segments...)
}

// Writes 已执行的写入次数 (含被丢弃的写入)
func (s *Synthetic) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Dump 复制全部段内容，按起始地址索引
func (s *Synthetic) Dump() map[uint64][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint64][]byte, len(s.segments))
	for _, seg := range s.segments {
		out[seg.Region.Start] = append([]byte(nil), seg.Data...)
	}
	return out
}
