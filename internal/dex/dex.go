package dex

//
// 最小化的 DEX 解析，仅用于把 ArtMethod/ArtField 中的 dex 索引
// 还原成类名、方法名和签名。格式说明见:
//
//   https://source.android.com/docs/core/runtime/dex-format
//

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	headerSize    = 0x70
	endianTag     = 0x12345678
	noIndex       = 0xffffffff
	protoIDSize   = 12
	fieldIDSize   = 8
	methodIDSize  = 8
	stringIDSize  = 4
	typeIDSize    = 4
	maxTypeListSz = 255
)

// ErrNotDex 不是 DEX 数据
var ErrNotDex = errors.New("not a dex file")

// header DEX 文件头
type header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIDsSize uint32
	StringIDsOff  uint32
	TypeIDsSize   uint32
	TypeIDsOff    uint32
	ProtoIDsSize  uint32
	ProtoIDsOff   uint32
	FieldIDsSize  uint32
	FieldIDsOff   uint32
	MethodIDsSize uint32
	MethodIDsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// File 已解析的 DEX 镜像，字符串按需解码
type File struct {
	data []byte
	hdr  header
}

// MethodRef 方法引用
type MethodRef struct {
	Class     string // 描述符，如 Landroid/app/Activity;
	Name      string
	Signature string // 如 (Ljava/lang/String;)V
}

// PrettyClass 返回 Java 形式的类名
func (m MethodRef) PrettyClass() string {
	return PrettyType(m.Class)
}

// FieldRef 字段引用
type FieldRef struct {
	Class string
	Name  string
	Type  string
}

// Parse 解析 DEX 数据，data 会被直接引用
func Parse(data []byte) (*File, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotDex, len(data))
	}
	if !bytes.HasPrefix(data, []byte("dex\n")) || data[7] != 0 {
		return nil, ErrNotDex
	}

	f := &File{data: data}
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &f.hdr); err != nil {
		return nil, fmt.Errorf("unable to decode dex header: %w", err)
	}
	if f.hdr.EndianTag != endianTag {
		return nil, fmt.Errorf("%w: unsupported endian tag %#x", ErrNotDex, f.hdr.EndianTag)
	}

	// 校验各 id 表都在数据范围内
	tables := []struct {
		name      string
		off, size uint32
		item      uint32
	}{
		{"string_ids", f.hdr.StringIDsOff, f.hdr.StringIDsSize, stringIDSize},
		{"type_ids", f.hdr.TypeIDsOff, f.hdr.TypeIDsSize, typeIDSize},
		{"proto_ids", f.hdr.ProtoIDsOff, f.hdr.ProtoIDsSize, protoIDSize},
		{"field_ids", f.hdr.FieldIDsOff, f.hdr.FieldIDsSize, fieldIDSize},
		{"method_ids", f.hdr.MethodIDsOff, f.hdr.MethodIDsSize, methodIDSize},
	}
	for _, tbl := range tables {
		end := uint64(tbl.off) + uint64(tbl.size)*uint64(tbl.item)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: %s out of range", ErrNotDex, tbl.name)
		}
	}

	return f, nil
}

// Size 声明的文件大小
func (f *File) Size() uint32 {
	return f.hdr.FileSize
}

// NumMethods method_ids 数量
func (f *File) NumMethods() int {
	return int(f.hdr.MethodIDsSize)
}

// NumFields field_ids 数量
func (f *File) NumFields() int {
	return int(f.hdr.FieldIDsSize)
}

func (f *File) u16(off uint64) (uint16, error) {
	if off+2 > uint64(len(f.data)) {
		return 0, fmt.Errorf("offset %#x out of range", off)
	}
	return binary.LittleEndian.Uint16(f.data[off:]), nil
}

func (f *File) u32(off uint64) (uint32, error) {
	if off+4 > uint64(len(f.data)) {
		return 0, fmt.Errorf("offset %#x out of range", off)
	}
	return binary.LittleEndian.Uint32(f.data[off:]), nil
}

// String 按索引读取字符串 (MUTF-8，按字节返回)
func (f *File) String(idx uint32) (string, error) {
	if idx >= f.hdr.StringIDsSize {
		return "", fmt.Errorf("string index %d out of range", idx)
	}
	off, err := f.u32(uint64(f.hdr.StringIDsOff) + uint64(idx)*stringIDSize)
	if err != nil {
		return "", err
	}
	if uint64(off) >= uint64(len(f.data)) {
		return "", fmt.Errorf("string data %#x out of range", off)
	}

	// utf16 长度 (ULEB128)，之后是以 0 结尾的字节
	_, n := binary.Uvarint(f.data[off:])
	if n <= 0 {
		return "", fmt.Errorf("bad string length at %#x", off)
	}
	rest := f.data[uint64(off)+uint64(n):]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		end = len(rest)
	}
	return string(rest[:end]), nil
}

// Type 按 type 索引读取描述符
func (f *File) Type(idx uint32) (string, error) {
	if idx >= f.hdr.TypeIDsSize {
		return "", fmt.Errorf("type index %d out of range", idx)
	}
	strIdx, err := f.u32(uint64(f.hdr.TypeIDsOff) + uint64(idx)*typeIDSize)
	if err != nil {
		return "", err
	}
	return f.String(strIdx)
}

// Proto 还原方法原型描述符
func (f *File) Proto(idx uint32) (string, error) {
	if idx >= f.hdr.ProtoIDsSize {
		return "", fmt.Errorf("proto index %d out of range", idx)
	}
	base := uint64(f.hdr.ProtoIDsOff) + uint64(idx)*protoIDSize

	returnIdx, err := f.u32(base + 4)
	if err != nil {
		return "", err
	}
	paramsOff, err := f.u32(base + 8)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteByte('(')
	if paramsOff != 0 {
		count, err := f.u32(uint64(paramsOff))
		if err != nil {
			return "", err
		}
		if count > maxTypeListSz {
			return "", fmt.Errorf("type list too long (%d)", count)
		}
		for i := uint32(0); i < count; i++ {
			typeIdx, err := f.u16(uint64(paramsOff) + 4 + uint64(i)*2)
			if err != nil {
				return "", err
			}
			desc, err := f.Type(uint32(typeIdx))
			if err != nil {
				return "", err
			}
			sb.WriteString(desc)
		}
	}
	sb.WriteByte(')')

	ret, err := f.Type(returnIdx)
	if err != nil {
		return "", err
	}
	sb.WriteString(ret)
	return sb.String(), nil
}

// Method 按 method 索引还原方法引用
func (f *File) Method(idx uint32) (MethodRef, error) {
	var ref MethodRef
	if idx == noIndex || idx >= f.hdr.MethodIDsSize {
		return ref, fmt.Errorf("method index %d out of range", idx)
	}
	base := uint64(f.hdr.MethodIDsOff) + uint64(idx)*methodIDSize

	classIdx, err := f.u16(base)
	if err != nil {
		return ref, err
	}
	protoIdx, err := f.u16(base + 2)
	if err != nil {
		return ref, err
	}
	nameIdx, err := f.u32(base + 4)
	if err != nil {
		return ref, err
	}

	if ref.Class, err = f.Type(uint32(classIdx)); err != nil {
		return ref, err
	}
	if ref.Name, err = f.String(nameIdx); err != nil {
		return ref, err
	}
	if ref.Signature, err = f.Proto(uint32(protoIdx)); err != nil {
		return ref, err
	}
	return ref, nil
}

// Field 按 field 索引还原字段引用
func (f *File) Field(idx uint32) (FieldRef, error) {
	var ref FieldRef
	if idx >= f.hdr.FieldIDsSize {
		return ref, fmt.Errorf("field index %d out of range", idx)
	}
	base := uint64(f.hdr.FieldIDsOff) + uint64(idx)*fieldIDSize

	classIdx, err := f.u16(base)
	if err != nil {
		return ref, err
	}
	typeIdx, err := f.u16(base + 2)
	if err != nil {
		return ref, err
	}
	nameIdx, err := f.u32(base + 4)
	if err != nil {
		return ref, err
	}

	if ref.Class, err = f.Type(uint32(classIdx)); err != nil {
		return ref, err
	}
	if ref.Type, err = f.Type(uint32(typeIdx)); err != nil {
		return ref, err
	}
	if ref.Name, err = f.String(nameIdx); err != nil {
		return ref, err
	}
	return ref, nil
}

// PrettyType 把类型描述符转成 Java 写法
func PrettyType(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	if dims == len(desc) {
		return desc
	}

	var base string
	switch c := desc[dims]; c {
	case 'L':
		base = strings.TrimSuffix(desc[dims+1:], ";")
		base = strings.ReplaceAll(base, "/", ".")
	case 'B':
		base = "byte"
	case 'C':
		base = "char"
	case 'D':
		base = "double"
	case 'F':
		base = "float"
	case 'I':
		base = "int"
	case 'J':
		base = "long"
	case 'S':
		base = "short"
	case 'Z':
		base = "boolean"
	case 'V':
		base = "void"
	default:
		return desc
	}

	return base + strings.Repeat("[]", dims)
}
