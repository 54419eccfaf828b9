// Package snapshot 离线快照: 进程内存映射、运行时镜像和锚点的 JSON 表示
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/sirupsen/logrus"
)

// FormatVersion 当前快照格式版本
const FormatVersion = 1

// 快照大小上限，区间按完整大小分配内存
const (
	MaxRegionSize = 256 << 20
	MaxTotalSize  = 1 << 30
)

// ErrInvalidSnapshot 快照内容不完整或版本不支持
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Region 一个映射区间及其内容 (JSON 中为 base64)
type Region struct {
	memory.Region
	Data       []byte `json:"data,omitempty"`
	Locked     bool   `json:"locked,omitempty"`      // 拒绝写入
	DropWrites bool   `json:"drop_writes,omitempty"` // 写入不生效
}

// Snapshot 离线快照
type Snapshot struct {
	Version     int               `json:"version"`
	Source      string            `json:"source,omitempty"`
	PointerSize int               `json:"pointer_size,omitempty"`
	Anchors     art.Anchors       `json:"anchors"`
	Runtime     *art.RuntimeImage `json:"runtime"`
	Regions     []Region          `json:"regions"`
}

// Decode 读取并校验快照
func Decode(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load 从文件读取快照
func Load(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer file.Close()

	s, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Source == "" {
		s.Source = path
	}
	return s, nil
}

// Validate 检查版本和必需字段
func (s *Snapshot) Validate() error {
	switch {
	case s.Version != FormatVersion:
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	case s.Runtime == nil:
		return fmt.Errorf("%w: runtime image missing", ErrInvalidSnapshot)
	case len(s.Regions) == 0:
		return fmt.Errorf("%w: no regions", ErrInvalidSnapshot)
	}
	var total uint64
	for _, r := range s.Regions {
		switch {
		case r.End <= r.Start:
			return fmt.Errorf("%w: empty region %x-%x", ErrInvalidSnapshot, r.Start, r.End)
		case r.Size() > MaxRegionSize:
			return fmt.Errorf("%w: region %x-%x larger than %d bytes", ErrInvalidSnapshot, r.Start, r.End, MaxRegionSize)
		case uint64(len(r.Data)) > r.Size():
			return fmt.Errorf("%w: region %x-%x data exceeds size", ErrInvalidSnapshot, r.Start, r.End)
		}
		total += r.Size()
		if total > MaxTotalSize {
			return fmt.Errorf("%w: regions exceed %d bytes in total", ErrInvalidSnapshot, MaxTotalSize)
		}
	}
	return nil
}

// Encode 写出快照
func (s *Snapshot) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// Save 写入文件
func (s *Snapshot) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := s.Encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Space 根据快照构建合成地址空间
func (s *Snapshot) Space() (*memory.Synthetic, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	space := memory.NewSynthetic()
	for _, r := range s.Regions {
		seg, err := space.Map(r.Region, r.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
		}
		seg.Locked = r.Locked
		seg.DropWrites = r.DropWrites
	}
	return space, nil
}

// Apply 将快照中的锚点和运行时镜像写入引擎参数
func (s *Snapshot) Apply(opts engine.Options) engine.Options {
	opts.Anchors = s.Anchors
	opts.Locator.Image = s.Runtime
	if s.PointerSize != 0 {
		opts.Locator.PointerSize = s.PointerSize
	}
	return opts
}

// Engine 为快照创建独立的引擎，返回的地址空间反映还原后的状态
func (s *Snapshot) Engine(base engine.Options, logger *logrus.Logger, options ...engine.Option) (*engine.Engine, *memory.Synthetic, error) {
	space, err := s.Space()
	if err != nil {
		return nil, nil, err
	}
	return engine.New(space, s.Apply(base), logger, options...), space, nil
}

// Capture 从合成地址空间生成快照
func Capture(space *memory.Synthetic, anchors art.Anchors, runtime *art.RuntimeImage) *Snapshot {
	s := &Snapshot{
		Version: FormatVersion,
		Anchors: anchors,
		Runtime: runtime,
	}
	for _, seg := range space.Segments() {
		s.Regions = append(s.Regions, Region{
			Region:     seg.Region,
			Data:       append([]byte(nil), seg.Data...),
			Locked:     seg.Locked,
			DropWrites: seg.DropWrites,
		})
	}
	return s
}
