package art

// Layout 一种受支持的运行时内部布局
type Layout struct {
	Name                 string `json:"name"`
	PointerSize          int    `json:"pointer_size"`
	ArtMethodSize        uint64 `json:"art_method_size"`
	DexMethodIndexOffset uint64 `json:"dex_method_index_offset"`
}

// 支持的布局，检测不到匹配项时拒绝继续
var Layouts = []Layout{
	{Name: "art-o-64", PointerSize: 8, ArtMethodSize: 0x30, DexMethodIndexOffset: 0xc},
	{Name: "art-o-32", PointerSize: 4, ArtMethodSize: 0x20, DexMethodIndexOffset: 0xc},
	{Name: "art-p-64", PointerSize: 8, ArtMethodSize: 0x20, DexMethodIndexOffset: 0x8},
	{Name: "art-p-32", PointerSize: 4, ArtMethodSize: 0x18, DexMethodIndexOffset: 0x8},
}

// mirror 对象和本地结构中的固定偏移
const (
	AccessFlagsOffset     = 0x4
	ClassDexCacheOffset   = 0x10
	ClassMethodsOffset    = 0x30
	ClassSFieldsOffset    = 0x38
	DexCacheDexFileOffset = 0x10
	ArtFieldSize          = 16
	ArtFieldOffsetOffset  = 12
	ArtFieldDexIdxOffset  = 8
	sfieldsHeader         = 4

	// 布局检测时在第一个 ArtMethod 之后查找第二个 declaring_class_
	strideMinWord = 5
	strideMaxWord = 32
)

// DataOffset data_ 字段偏移 (native 方法的 JNI 函数指针)
func (l Layout) DataOffset() uint64 {
	return l.ArtMethodSize - 2*uint64(l.PointerSize)
}

// EntryPointOffset entry_point_from_quick_compiled_code_ 字段偏移
func (l Layout) EntryPointOffset() uint64 {
	return l.ArtMethodSize - uint64(l.PointerSize)
}

// ArrayHeader LengthPrefixedArray 中首个 ArtMethod 的偏移
func (l Layout) ArrayHeader() uint64 {
	return uint64(l.PointerSize)
}

// LayoutByName 按名称查找
func LayoutByName(name string) (Layout, bool) {
	for _, l := range Layouts {
		if l.Name == name {
			return l, true
		}
	}
	return Layout{}, false
}

// LayoutByStride 按指针宽度和 ArtMethod 大小查找
func LayoutByStride(pointerSize int, stride uint64) (Layout, bool) {
	for _, l := range Layouts {
		if l.PointerSize == pointerSize && l.ArtMethodSize == stride {
			return l, true
		}
	}
	return Layout{}, false
}
