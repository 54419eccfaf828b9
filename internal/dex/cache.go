package dex

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Loader 按起始地址和大小读取 DEX 镜像
type Loader func(begin, size uint64) ([]byte, error)

// Cache 已解析 DEX 文件的 LRU 缓存，按内存起始地址索引
type Cache struct {
	files   *lru.Cache[uint64, *File]
	maxSize uint64
}

// NewCache 创建缓存，maxSize 限制单个镜像的读取上限
func NewCache(entries int, maxSize uint64) (*Cache, error) {
	if entries <= 0 {
		entries = 16
	}
	files, err := lru.New[uint64, *File](entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create dex cache: %w", err)
	}
	return &Cache{files: files, maxSize: maxSize}, nil
}

// Get 返回缓存中的镜像，不存在时通过 load 读取并解析
func (c *Cache) Get(begin, size uint64, load Loader) (*File, error) {
	if f, ok := c.files.Get(begin); ok {
		return f, nil
	}
	if size == 0 || (c.maxSize > 0 && size > c.maxSize) {
		return nil, fmt.Errorf("dex at %#x has unreasonable size %d", begin, size)
	}

	data, err := load(begin, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read dex at %#x: %w", begin, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dex at %#x: %w", begin, err)
	}

	c.files.Add(begin, f)
	return f, nil
}

// Len 缓存条目数
func (c *Cache) Len() int {
	return c.files.Len()
}
