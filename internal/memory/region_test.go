package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `12c00000-52c00000 rw-p 00000000 00:00 0                                  [anon:dalvik-main space (region space)]
7a1c200000-7a1c400000 r--p 00000000 fd:05 1234                           /apex/com.android.art/lib64/libart.so
7a1c400000-7a1c9c0000 r-xp 00200000 fd:05 1234                           /apex/com.android.art/lib64/libart.so
7a1d000000-7a1d001000 rw-p 00000000 00:00 0                              [anon:dalvik-indirect ref table]
7a1e000000-7a1e001000 r-xp 00000000 00:00 0
7a1f000000-7a1f010000 r--p 00000000 fd:05 77                             /data/app/~~x/My App/base.apk
`

// TestParseMaps 测试 maps 解析
func TestParseMaps(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, regions, 6)

	assert.Equal(t, uint64(0x12c00000), regions[0].Start)
	assert.Equal(t, "[anon:dalvik-main space (region space)]", regions[0].Path)
	assert.True(t, regions[0].Anonymous())

	art := regions[2]
	assert.Equal(t, uint64(0x7a1c400000), art.Start)
	assert.Equal(t, uint64(0x200000), art.Offset)
	assert.True(t, art.Executable())
	assert.False(t, art.Writable())
	assert.Equal(t, "libart.so", art.Base())

	assert.Equal(t, "", regions[4].Path)
	assert.True(t, regions[4].Anonymous())

	// 路径中包含空格
	assert.Equal(t, "/data/app/~~x/My App/base.apk", regions[5].Path)
}

// TestParseMaps_Malformed 测试格式错误
func TestParseMaps_Malformed(t *testing.T) {
	_, err := ParseMaps(strings.NewReader("zzzz-1000 r-xp 0 00:00 0\n"))
	assert.Error(t, err)

	_, err = ParseMaps(strings.NewReader("1000-2000 r-xp\n"))
	assert.Error(t, err)
}

// TestNamedAndFind 测试按名称和地址查找
func TestNamedAndFind(t *testing.T) {
	regions, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	assert.Len(t, Named(regions, "libart.so"), 2)
	assert.Len(t, Named(regions, "[anon:dalvik-indirect ref table]"), 1)

	r, ok := Find(regions, 0x7a1c400010)
	require.True(t, ok)
	assert.Equal(t, "/apex/com.android.art/lib64/libart.so", r.Path)

	_, ok = Find(regions, 0x1000)
	assert.False(t, ok)
}
