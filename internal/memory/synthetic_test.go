package memory

import (
	"errors"
	"testing"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpace(t *testing.T) (*Synthetic, *Segment) {
	s := NewSynthetic()
	seg, err := s.Map(Region{Start: 0x1000, End: 0x2000, Perms: "rw-p"}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, err = s.Map(Region{Start: 0x2000, End: 0x3000, Perms: "r--p"}, nil)
	require.NoError(t, err)
	return s, seg
}

// TestSynthetic_ReadWrite 测试读写
func TestSynthetic_ReadWrite(t *testing.T) {
	s, _ := newTestSpace(t)

	v, err := U32(s, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v)

	require.NoError(t, WriteVerified(s, 0x1008, EncodePointer(0xdeadbeefcafe, 8)))
	p, err := Pointer(s, 0x1008, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeefcafe), p)

	// 跨段读取
	buf := make([]byte, 8)
	n, err := s.ReadAt(buf, 0x1ffc)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	_, err = U32(s, 0x5000)
	assert.True(t, errors.Is(err, ErrUnmapped))
}

// TestSynthetic_Overlap 测试重叠映射
func TestSynthetic_Overlap(t *testing.T) {
	s, _ := newTestSpace(t)
	_, err := s.Map(Region{Start: 0x1800, End: 0x2800}, nil)
	assert.Error(t, err)
}

// TestWriteVerified_Locked 测试被拒绝的写入
func TestWriteVerified_Locked(t *testing.T) {
	s, seg := newTestSpace(t)
	seg.Locked = true

	err := WriteVerified(s, 0x1000, EncodePointer(1, 4))
	assert.True(t, errors.Is(err, domain.ErrWriteRejected))

	v, _ := U32(s, 0x1000)
	assert.Equal(t, uint32(0x04030201), v, "locked segment must keep its value")
}

// TestWriteVerified_Dropped 测试写入成功但校验不一致
func TestWriteVerified_Dropped(t *testing.T) {
	s, seg := newTestSpace(t)
	seg.DropWrites = true

	err := WriteVerified(s, 0x1000, EncodePointer(1, 4))
	assert.True(t, errors.Is(err, domain.ErrWriteRejected))
	assert.Contains(t, err.Error(), "mismatch")
	assert.Equal(t, 1, s.Writes())
}

// TestWriteVerified_Size 测试写入粒度限制
func TestWriteVerified_Size(t *testing.T) {
	s, _ := newTestSpace(t)
	err := WriteVerified(s, 0x1000, make([]byte, 16))
	assert.True(t, errors.Is(err, domain.ErrWriteRejected))
	assert.Equal(t, 0, s.Writes())
}
