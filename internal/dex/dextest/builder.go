// Package dextest 构造最小 DEX 镜像，供测试和快照生成使用
package dextest

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

type proto struct {
	ret    uint32
	params []uint32
}

type member struct {
	class uint32
	other uint32 // proto 或 type 索引
	name  uint32
}

// Builder DEX 构造器，按添加顺序分配索引
type Builder struct {
	strings  []string
	stringIx map[string]uint32
	types    []uint32
	typeIx   map[string]uint32
	protos   []proto
	protoIx  map[string]uint32
	fields   []member
	methods  []member
}

// New 创建构造器
func New() *Builder {
	return &Builder{
		stringIx: make(map[string]uint32),
		typeIx:   make(map[string]uint32),
		protoIx:  make(map[string]uint32),
	}
}

func (b *Builder) str(s string) uint32 {
	if idx, ok := b.stringIx[s]; ok {
		return idx
	}
	idx := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIx[s] = idx
	return idx
}

func (b *Builder) typ(desc string) uint32 {
	if idx, ok := b.typeIx[desc]; ok {
		return idx
	}
	idx := uint32(len(b.types))
	b.types = append(b.types, b.str(desc))
	b.typeIx[desc] = idx
	return idx
}

func (b *Builder) proto(sig string) uint32 {
	if idx, ok := b.protoIx[sig]; ok {
		return idx
	}
	params, ret, err := SplitSignature(sig)
	if err != nil {
		panic(err)
	}
	p := proto{ret: b.typ(ret)}
	for _, param := range params {
		p.params = append(p.params, b.typ(param))
	}
	idx := uint32(len(b.protos))
	b.protos = append(b.protos, p)
	b.protoIx[sig] = idx
	return idx
}

// Method 添加方法引用，返回 method 索引
func (b *Builder) Method(class, name, sig string) uint32 {
	m := member{class: b.typ(class), other: b.proto(sig), name: b.str(name)}
	b.methods = append(b.methods, m)
	return uint32(len(b.methods) - 1)
}

// Field 添加字段引用，返回 field 索引
func (b *Builder) Field(class, name, typ string) uint32 {
	f := member{class: b.typ(class), other: b.typ(typ), name: b.str(name)}
	b.fields = append(b.fields, f)
	return uint32(len(b.fields) - 1)
}

// Bytes 输出 DEX 镜像
func (b *Builder) Bytes() []byte {
	const headerSize = 0x70

	stringIDsOff := uint32(headerSize)
	typeIDsOff := stringIDsOff + 4*uint32(len(b.strings))
	protoIDsOff := typeIDsOff + 4*uint32(len(b.types))
	fieldIDsOff := protoIDsOff + 12*uint32(len(b.protos))
	methodIDsOff := fieldIDsOff + 8*uint32(len(b.fields))
	dataOff := methodIDsOff + 8*uint32(len(b.methods))

	out := make([]byte, dataOff)
	le := binary.LittleEndian

	// type_list，4 字节对齐
	paramsOff := make([]uint32, len(b.protos))
	for i, p := range b.protos {
		if len(p.params) == 0 {
			continue
		}
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		paramsOff[i] = uint32(len(out))
		out = le.AppendUint32(out, uint32(len(p.params)))
		for _, t := range p.params {
			out = le.AppendUint16(out, uint16(t))
		}
	}

	// string_data_item
	stringOff := make([]uint32, len(b.strings))
	for i, s := range b.strings {
		stringOff[i] = uint32(len(out))
		out = binary.AppendUvarint(out, uint64(utf8.RuneCountInString(s)))
		out = append(out, s...)
		out = append(out, 0)
	}

	for i, off := range stringOff {
		le.PutUint32(out[stringIDsOff+4*uint32(i):], off)
	}
	for i, s := range b.types {
		le.PutUint32(out[typeIDsOff+4*uint32(i):], s)
	}
	for i, p := range b.protos {
		base := protoIDsOff + 12*uint32(i)
		le.PutUint32(out[base:], 0)
		le.PutUint32(out[base+4:], p.ret)
		le.PutUint32(out[base+8:], paramsOff[i])
	}
	for i, f := range b.fields {
		base := fieldIDsOff + 8*uint32(i)
		le.PutUint16(out[base:], uint16(f.class))
		le.PutUint16(out[base+2:], uint16(f.other))
		le.PutUint32(out[base+4:], f.name)
	}
	for i, m := range b.methods {
		base := methodIDsOff + 8*uint32(i)
		le.PutUint16(out[base:], uint16(m.class))
		le.PutUint16(out[base+2:], uint16(m.other))
		le.PutUint32(out[base+4:], m.name)
	}

	copy(out, "dex\n035\x00")
	le.PutUint32(out[0x20:], uint32(len(out)))
	le.PutUint32(out[0x24:], headerSize)
	le.PutUint32(out[0x28:], 0x12345678)
	le.PutUint32(out[0x38:], uint32(len(b.strings)))
	le.PutUint32(out[0x3c:], stringIDsOff)
	le.PutUint32(out[0x40:], uint32(len(b.types)))
	le.PutUint32(out[0x44:], typeIDsOff)
	le.PutUint32(out[0x48:], uint32(len(b.protos)))
	le.PutUint32(out[0x4c:], protoIDsOff)
	le.PutUint32(out[0x50:], uint32(len(b.fields)))
	le.PutUint32(out[0x54:], fieldIDsOff)
	le.PutUint32(out[0x58:], uint32(len(b.methods)))
	le.PutUint32(out[0x5c:], methodIDsOff)
	le.PutUint32(out[0x68:], uint32(len(out))-dataOff)
	le.PutUint32(out[0x6c:], dataOff)

	return out
}

// SplitSignature 拆分 "(II)V" 形式的签名
func SplitSignature(sig string) (params []string, ret string, err error) {
	if !strings.HasPrefix(sig, "(") {
		return nil, "", fmt.Errorf("bad signature %q", sig)
	}
	end := strings.IndexByte(sig, ')')
	if end < 0 || end == len(sig)-1 {
		return nil, "", fmt.Errorf("bad signature %q", sig)
	}

	rest := sig[1:end]
	for rest != "" {
		n := descriptorLen(rest)
		if n == 0 {
			return nil, "", fmt.Errorf("bad parameter list in %q", sig)
		}
		params = append(params, rest[:n])
		rest = rest[n:]
	}
	return params, sig[end+1:], nil
}

func descriptorLen(s string) int {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i == len(s) {
		return 0
	}
	if s[i] == 'L' {
		semi := strings.IndexByte(s[i:], ';')
		if semi < 0 {
			return 0
		}
		return i + semi + 1
	}
	return i + 1
}
