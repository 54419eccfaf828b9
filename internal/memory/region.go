package memory

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// Region 一段内存映射 (/proc/<pid>/maps 的一行)
type Region struct {
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Perms  string `json:"perms"` // 如 "r-xp"
	Offset uint64 `json:"offset"`
	Dev    string `json:"dev,omitempty"`
	Inode  uint64 `json:"inode,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Contains 判断地址是否落在区间内
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Size 区间大小
func (r Region) Size() uint64 {
	return r.End - r.Start
}

func (r Region) perm(i int, c byte) bool {
	return len(r.Perms) > i && r.Perms[i] == c
}

// Readable 可读
func (r Region) Readable() bool { return r.perm(0, 'r') }

// Writable 可写
func (r Region) Writable() bool { return r.perm(1, 'w') }

// Executable 可执行
func (r Region) Executable() bool { return r.perm(2, 'x') }

// Anonymous 是否为匿名映射 ([anon:...]、[heap] 或无路径)
func (r Region) Anonymous() bool {
	return r.Path == "" || strings.HasPrefix(r.Path, "[")
}

// Base 返回路径的文件名部分
func (r Region) Base() string {
	if r.Anonymous() {
		return r.Path
	}
	return filepath.Base(r.Path)
}

// String 以 maps 格式输出
func (r Region) String() string {
	return fmt.Sprintf("%x-%x %s %08x %s %d %s", r.Start, r.End, r.Perms, r.Offset, r.Dev, r.Inode, r.Path)
}

// ParseMaps 解析 /proc/<pid>/maps 内容
func ParseMaps(reader io.Reader) ([]Region, error) {
	var regions []Region

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		region, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %w", lineNo, err)
		}
		regions = append(regions, region)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}

	return regions, nil
}

func parseMapsLine(line string) (Region, error) {
	var region Region

	// 前五列固定，路径可能包含空格
	rest := line
	fields := make([]string, 0, 5)
	for len(fields) < 5 {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			fields = append(fields, rest)
			rest = ""
			break
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}
	if len(fields) < 5 {
		return region, fmt.Errorf("malformed entry %q", line)
	}

	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return region, fmt.Errorf("malformed address range %q", fields[0])
	}

	var err error
	if region.Start, err = strconv.ParseUint(bounds[0], 16, 64); err != nil {
		return region, fmt.Errorf("bad start address: %w", err)
	}
	if region.End, err = strconv.ParseUint(bounds[1], 16, 64); err != nil {
		return region, fmt.Errorf("bad end address: %w", err)
	}
	if region.End < region.Start {
		return region, fmt.Errorf("inverted range %q", fields[0])
	}

	region.Perms = fields[1]
	if region.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return region, fmt.Errorf("bad offset: %w", err)
	}
	region.Dev = fields[3]
	if region.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return region, fmt.Errorf("bad inode: %w", err)
	}
	region.Path = strings.TrimSpace(rest)

	return region, nil
}

// Find 返回包含地址的区间
func Find(regions []Region, addr uint64) (Region, bool) {
	for _, r := range regions {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Named 返回路径 (或文件名) 等于 name 的所有区间
func Named(regions []Region, name string) []Region {
	var out []Region
	for _, r := range regions {
		if r.Path == name || (!r.Anonymous() && r.Base() == name) {
			out = append(out, r)
		}
	}
	return out
}
