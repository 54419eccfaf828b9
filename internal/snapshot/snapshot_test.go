package snapshot

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/artguard/internal/art/arttest"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func capture(t *testing.T) (*Snapshot, *arttest.Process) {
	b, _ := arttest.Standard("art-p-64")
	p := b.Build()
	return Capture(p.Space, p.Anchors, p.Image), p
}

// TestSnapshot_Analyze 保存、读取快照后离线扫描
func TestSnapshot_Analyze(t *testing.T) {
	s, p := capture(t)
	path := filepath.Join(t.TempDir(), "process.json")
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded.Source)
	assert.Len(t, loaded.Regions, len(p.Space.Segments()))

	e, space, err := loaded.Engine(engine.DefaultOptions(), newTestLogger())
	require.NoError(t, err)
	res := e.Result(context.Background())

	assert.Equal(t, domain.FlagSelfProtected|domain.FlagHooksNeutralized, res.Flags)
	assert.Equal(t, "LSPosed 1.9.2 (7024)", res.FrameworkName)
	assert.Len(t, res.RestoredMethods, 2)
	assert.Positive(t, space.Writes())

	// 原进程未受影响
	assert.Zero(t, p.Space.Writes())
}

// TestSnapshot_LockedRegion 快照中标记为拒绝写入的区间
func TestSnapshot_LockedRegion(t *testing.T) {
	s, p := capture(t)
	for i := range s.Regions {
		if s.Regions[i].Contains(p.Hooks[0].Target) {
			s.Regions[i].Locked = true
		}
	}

	var buf bytes.Buffer
	require.NoError(t, s.Encode(&buf))
	assert.Contains(t, buf.String(), `"locked": true`)

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	e, _, err := decoded.Engine(engine.DefaultOptions(), newTestLogger())
	require.NoError(t, err)

	res := e.Result(context.Background())
	assert.Zero(t, res.Flags)
	assert.Len(t, res.UnhookedMethods, 2)
}

// TestDecode_Invalid 测试无效快照
func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", "{"},
		{"version", `{"version": 2, "runtime": {}, "regions": [{"start": 1, "end": 2}]}`},
		{"no runtime", `{"version": 1, "regions": [{"start": 1, "end": 2}]}`},
		{"no regions", `{"version": 1, "runtime": {}}`},
		{"oversized data", `{"version": 1, "runtime": {}, "regions": [{"start": 1, "end": 2, "data": "AAAA"}]}`},
		{"empty region", `{"version": 1, "runtime": {}, "regions": [{"start": 2, "end": 2}]}`},
		{"huge region", `{"version": 1, "runtime": {}, "regions": [{"start": 0, "end": 9223372036854775807}]}`},
		{"huge total", `{"version": 1, "runtime": {}, "regions": [` +
			`{"start": 0, "end": 268435456}, {"start": 268435456, "end": 536870912}, ` +
			`{"start": 536870912, "end": 805306368}, {"start": 805306368, "end": 1073741824}, ` +
			`{"start": 1073741824, "end": 1073745920}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

// TestSnapshot_Overlap 重叠区间无法构建地址空间
func TestSnapshot_Overlap(t *testing.T) {
	s, _ := capture(t)
	s.Regions = append(s.Regions, s.Regions[0])

	_, err := s.Space()
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

// TestSnapshot_SpaceRejectsHugeRegion 未经 Decode 的快照也不会按超大区间分配内存
func TestSnapshot_SpaceRejectsHugeRegion(t *testing.T) {
	s, _ := capture(t)
	s.Regions = append(s.Regions, Region{Region: memory.Region{Start: 0, End: 1 << 62, Perms: "rw-p"}})

	_, err := s.Space()
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	_, _, err = s.Engine(engine.DefaultOptions(), newTestLogger())
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

// TestLoad_Missing 文件不存在
func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
