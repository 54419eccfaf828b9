// Package arttest 构造合成的 ART 进程地址空间，供定位、分类、还原和引擎测试使用
package arttest

import (
	"encoding/binary"
	"fmt"

	"github.com/apk-analysis/artguard/internal/art"
	"github.com/apk-analysis/artguard/internal/dex/dextest"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/trampoline"
)

// 合成进程中的模块路径
const (
	HeapName      = "[anon:dalvik-main space (region space)]"
	MallocName    = "[anon:libc_malloc]"
	LinearName    = "[anon:dalvik-LinearAlloc]"
	FrameworkJar  = "/system/framework/framework.jar"
	AppLibrary    = "/data/app/~~Zx9/com.example.app-1/lib/%s/libapp.so"
	FrameworkLib  = "/data/adb/modules/zygisk_lsposed/lib/%s/liblspd.so"
	ForeignLib    = "/data/local/tmp/libfoo.so"
	BootOat       = "/system/framework/%s/boot-framework.oat"
	RuntimeLib64  = "/apex/com.android.art/lib64/libart.so"
	RuntimeLib32  = "/apex/com.android.art/lib/libart.so"
	HeapBase      = 0x12c00000
	heapSize      = 0x100000
	classSize     = 0x100
	staticSlotOff = 0x80
)

// 运行时符号在 libart 中的偏移
const (
	InterpreterBridgeOffset = 0x1000
	GenericJNIOffset        = 0x2000
	DlsymLookupOffset       = 0x3000
)

// DefaultStrings 框架模块中用于指纹识别的字符串
var DefaultStrings = []string{"LSPosed", "org.lsposed.lspd.core.Main", "v1.9.2 (7024)"}

// 普通编译代码的前几个字
var prologue = []uint32{0xa9bf7bfd, 0x910003fd, 0xf81f0fe0, 0xd10043ff, 0x94000000, 0xa8c17bfd, 0xd65f03c0, 0xd503201f}

type area struct {
	region memory.Region
	data   []byte
	next   uint64
}

func newArea(start, size uint64, perms, path string) *area {
	return &area{
		region: memory.Region{Start: start, End: start + size, Perms: perms, Path: path},
		data:   make([]byte, size),
	}
}

func (a *area) alloc(size, align uint64) uint64 {
	if align == 0 {
		align = 8
	}
	off := (a.next + align - 1) &^ (align - 1)
	if off+size > uint64(len(a.data)) {
		panic(fmt.Sprintf("arttest: area %s exhausted", a.region.Path))
	}
	a.next = off + size
	return a.region.Start + off
}

// Method 类中的一个方法
type Method struct {
	Name      string
	Signature string
	Flags     uint32
	Entry     uint64 // 0 表示分配一段编译代码
}

// Class 合成的 mirror::Class
type Class struct {
	Descriptor string
	Addr       uint64
	Array      uint64
	Slots      map[string]uint64
	Order      []string
}

// Slot 方法名对应的 ArtMethod 地址
func (c *Class) Slot(name string) uint64 {
	slot, ok := c.Slots[name]
	if !ok {
		panic(fmt.Sprintf("arttest: %s has no method %s", c.Descriptor, name))
	}
	return slot
}

// Hook 一次合成的框架 hook
type Hook struct {
	Target        uint64 // 被 hook 的 ArtMethod
	OriginalEntry uint64
	Backup        uint64
	Trampoline    uint64
	Hooker        uint64 // hooker ArtMethod
	HookerClass   *Class
	CallbackSlot  uint64
	Callback      uint32
	Reflected     uint32 // 全局引用中的 Method 对象
}

// Builder 合成进程构造器
type Builder struct {
	layout art.Layout
	arch   trampoline.Arch
	ptr    int
	dex    *dextest.Builder

	heap, irt, malloc, linear  *area
	runtime, oat, app          *area
	framework, foreign, tramps *area
	areas                      []*area

	javaLangClass uint64
	methodClass   *Class
	callbackClass *Class
	classes       []*Class
	byName        map[string]*Class
	globals       []uint32
	hooks         []*Hook
	bridges       []uint64
	bridgeClasses []uint64
	strings       []string
}

// New 按布局名称创建构造器
func New(layoutName string) *Builder {
	layout, ok := art.LayoutByName(layoutName)
	if !ok {
		panic("arttest: unknown layout " + layoutName)
	}

	b := &Builder{
		layout:  layout,
		ptr:     layout.PointerSize,
		dex:     dextest.New(),
		byName:  make(map[string]*Class),
		strings: DefaultStrings,
	}

	var base uint64
	var abi, runtimePath string
	if b.ptr == 8 {
		base, abi, runtimePath = 0x7a00000000, "arm64", RuntimeLib64
		b.arch = trampoline.ArchARM64
	} else {
		base, abi, runtimePath = 0xa0000000, "arm", RuntimeLib32
		b.arch = trampoline.ArchARM
	}

	b.heap = newArea(HeapBase, heapSize, "rw-p", HeapName)
	b.irt = newArea(base, 0x10000, "rw-p", art.IndirectRefTableName)
	b.malloc = newArea(base+0x100000, 0x10000, "rw-p", MallocName)
	b.linear = newArea(base+0x200000, 0x40000, "rw-p", LinearName)
	b.runtime = newArea(base+0x1000000, 0x10000, "r-xp", runtimePath)
	b.oat = newArea(base+0x2000000, 0x10000, "r-xp", fmt.Sprintf(BootOat, abi))
	b.app = newArea(base+0x3000000, 0x1000, "r-xp", fmt.Sprintf(AppLibrary, abi))
	b.framework = newArea(base+0x4000000, 0x2000, "r-xp", fmt.Sprintf(FrameworkLib, abi))
	b.foreign = newArea(base+0x5000000, 0x1000, "r-xp", ForeignLib)
	b.tramps = newArea(base+0x6000000, 0x1000, "r-xp", "")
	b.areas = []*area{b.heap, b.irt, b.malloc, b.linear, b.runtime, b.oat, b.app, b.framework, b.foreign, b.tramps}

	// JavaVM 固定在 malloc 区起始处，其余对象从 0x2000 开始分配
	b.malloc.next = 0x2000
	// 运行时代码段内容，用于代码段比对
	for i := range b.runtime.data {
		b.runtime.data[i] = byte(i*7 + 3)
	}

	b.javaLangClass = b.heap.alloc(classSize, 8)
	b.methodClass = b.Class("Ljava/lang/reflect/Method;",
		Method{Name: "invoke", Signature: "(Ljava/lang/Object;[Ljava/lang/Object;)Ljava/lang/Object;", Flags: 0x0101},
		Method{Name: "getName", Signature: "()Ljava/lang/String;", Flags: 0x0001},
	)

	return b
}

func (b *Builder) areaOf(addr uint64) *area {
	for _, a := range b.areas {
		if a.region.Contains(addr) {
			return a
		}
	}
	panic(fmt.Sprintf("arttest: %#x not in any area", addr))
}

func (b *Builder) put32(addr uint64, v uint32) {
	a := b.areaOf(addr)
	binary.LittleEndian.PutUint32(a.data[addr-a.region.Start:], v)
}

func (b *Builder) put64(addr uint64, v uint64) {
	a := b.areaOf(addr)
	binary.LittleEndian.PutUint64(a.data[addr-a.region.Start:], v)
}

func (b *Builder) putPtr(addr uint64, v uint64) {
	if b.ptr == 4 {
		b.put32(addr, uint32(v))
		return
	}
	b.put64(addr, v)
}

func (b *Builder) putBytes(addr uint64, data []byte) {
	a := b.areaOf(addr)
	copy(a.data[addr-a.region.Start:], data)
}

func (b *Builder) code(a *area) uint64 {
	addr := a.alloc(0x40, 0x10)
	for i, w := range prologue {
		b.put32(addr+uint64(i*4), w)
	}
	return addr
}

// AppCode 在应用自身模块中分配一段代码
func (b *Builder) AppCode() uint64 { return b.code(b.app) }

// FrameworkCode 在框架模块中分配一段代码
func (b *Builder) FrameworkCode() uint64 { return b.code(b.framework) }

// ForeignCode 在未知第三方模块中分配一段代码
func (b *Builder) ForeignCode() uint64 { return b.code(b.foreign) }

// AnonymousCode 在匿名可执行内存中分配一段代码
func (b *Builder) AnonymousCode() uint64 { return b.code(b.tramps) }

// RuntimeSymbol 运行时符号的地址
func (b *Builder) RuntimeSymbol(offset uint64) uint64 {
	return b.runtime.region.Start + offset
}

// MethodClass java.lang.reflect.Method 类
func (b *Builder) MethodClass() *Class { return b.methodClass }

// SetStrings 设置框架模块中的字符串
func (b *Builder) SetStrings(strs ...string) { b.strings = strs }

// Class 创建类及其方法数组
func (b *Builder) Class(descriptor string, methods ...Method) *Class {
	cls := &Class{
		Descriptor: descriptor,
		Addr:       b.heap.alloc(classSize, 8),
		Slots:      make(map[string]uint64),
	}
	b.put32(cls.Addr, uint32(b.javaLangClass))

	if len(methods) > 0 {
		size := b.layout.ArrayHeader() + uint64(len(methods))*b.layout.ArtMethodSize
		cls.Array = b.linear.alloc(size, 8)
		b.put32(cls.Array, uint32(len(methods)))
		b.put64(cls.Addr+art.ClassMethodsOffset, cls.Array)

		for i, m := range methods {
			slot := cls.Array + b.layout.ArrayHeader() + uint64(i)*b.layout.ArtMethodSize
			entry := m.Entry
			if entry == 0 {
				if m.Flags&domain.AccNative != 0 {
					entry = b.RuntimeSymbol(GenericJNIOffset)
				} else {
					entry = b.code(b.oat)
				}
			}
			var data uint64
			if m.Flags&domain.AccNative != 0 {
				data = b.code(b.app)
			}
			b.writeMethod(slot, cls.Addr, m.Flags, b.dex.Method(descriptor, m.Name, m.Signature), data, entry)
			cls.Slots[m.Name] = slot
			cls.Order = append(cls.Order, m.Name)
		}
	}

	b.classes = append(b.classes, cls)
	b.byName[descriptor] = cls
	return cls
}

func (b *Builder) writeMethod(slot, declaring uint64, flags, dexIdx uint32, data, entry uint64) {
	b.put32(slot, uint32(declaring))
	b.put32(slot+art.AccessFlagsOffset, flags)
	b.put32(slot+b.layout.DexMethodIndexOffset, dexIdx)
	b.putPtr(slot+b.layout.DataOffset(), data)
	b.putPtr(slot+b.layout.EntryPointOffset(), entry)
}

func (b *Builder) readBytes(addr, n uint64) []byte {
	a := b.areaOf(addr)
	off := addr - a.region.Start
	return append([]byte(nil), a.data[off:off+n]...)
}

func (b *Builder) readPtr(addr uint64) uint64 {
	raw := b.readBytes(addr, uint64(b.ptr))
	if b.ptr == 4 {
		return uint64(binary.LittleEndian.Uint32(raw))
	}
	return binary.LittleEndian.Uint64(raw)
}

// SetEntry 修改方法入口
func (b *Builder) SetEntry(slot, entry uint64) {
	b.putPtr(slot+b.layout.EntryPointOffset(), entry)
}

// Global 添加全局引用
func (b *Builder) Global(ref uint32) {
	b.globals = append(b.globals, ref)
}

// Object 在堆上分配一个对象
func (b *Builder) Object(klass uint64, size uint64) uint32 {
	addr := b.heap.alloc(size, 8)
	b.put32(addr, uint32(klass))
	return uint32(addr)
}

// Reflect 为方法创建一个普通的 Method 对象并加入全局引用
func (b *Builder) Reflect(cls *Class, name string) uint32 {
	obj := b.Object(b.methodClass.Addr, 0x20)
	b.put32(uint64(obj)+art.DefaultDeclaringClassField, uint32(cls.Addr))
	b.put64(uint64(obj)+art.DefaultArtMethodField, cls.Slot(name))
	b.Global(obj)
	return obj
}

func (b *Builder) callbackClassOnce() *Class {
	if b.callbackClass == nil {
		b.callbackClass = b.Class("Lorg/lsposed/lspd/impl/LSPosedBridge$NativeHooker;",
			Method{Name: "callback", Signature: "([Ljava/lang/Object;)Ljava/lang/Object;", Flags: 0x0001},
		)
	}
	return b.callbackClass
}

// Hook 按框架的方式 hook 一个方法: 备份原方法、生成 hooker 类、写入跳板
func (b *Builder) Hook(cls *Class, name string) *Hook {
	target := cls.Slot(name)
	h := &Hook{
		Target:        target,
		OriginalEntry: b.readPtr(target + b.layout.EntryPointOffset()),
	}

	// hooker 类: 一个静态方法和一个保存回调的静态字段
	hookerDesc := fmt.Sprintf("LLspHooker_%s_%d;", name, len(b.hooks))
	h.HookerClass = b.Class(hookerDesc, Method{
		Name:      "callback",
		Signature: "([Ljava/lang/Object;)Ljava/lang/Object;",
		Flags:     domain.AccStatic | 0x0001,
		Entry:     b.RuntimeSymbol(InterpreterBridgeOffset),
	})
	h.Hooker = h.HookerClass.Slot("callback")

	sfields := b.linear.alloc(4+art.ArtFieldSize, 8)
	b.put32(sfields, 1)
	field := sfields + 4
	b.put32(field, uint32(h.HookerClass.Addr))
	b.put32(field+4, domain.AccStatic)
	b.put32(field+art.ArtFieldDexIdxOffset, b.dex.Field(hookerDesc, "callback", "Ljava/lang/Object;"))
	b.put32(field+art.ArtFieldOffsetOffset, staticSlotOff)
	b.put64(h.HookerClass.Addr+art.ClassSFieldsOffset, sfields)

	h.Callback = b.Object(b.callbackClassOnce().Addr, 0x10)
	h.CallbackSlot = h.HookerClass.Addr + staticSlotOff
	b.put32(h.CallbackSlot, h.Callback)

	// 备份: 原 ArtMethod 的完整副本
	h.Backup = b.linear.alloc(b.layout.ArtMethodSize, 8)
	b.putBytes(h.Backup, b.readBytes(target, b.layout.ArtMethodSize))

	h.Reflected = b.Object(b.methodClass.Addr, 0x20)
	b.put32(uint64(h.Reflected)+art.DefaultDeclaringClassField, uint32(h.HookerClass.Addr))
	b.put64(uint64(h.Reflected)+art.DefaultArtMethodField, h.Backup)
	b.Global(h.Reflected)

	h.Trampoline = b.tramps.alloc(0x40, 0x10)
	b.putBytes(h.Trampoline, trampoline.Encode(b.arch, h.Hooker, uint32(b.layout.EntryPointOffset())))
	b.SetEntry(target, h.Trampoline)

	b.hooks = append(b.hooks, h)
	return h
}

// Bridge 添加框架的 native 桥接类，并登记到锚点
func (b *Builder) Bridge() *Class {
	cls := b.Class("Lorg/lsposed/lspd/nativebridge/HookBridge;",
		Method{Name: "hookMethod", Signature: "(ZLjava/lang/reflect/Executable;Ljava/lang/Class;ILjava/lang/Object;)Z", Flags: domain.AccNative | domain.AccStatic | 0x0001},
		Method{Name: "unhookMethod", Signature: "(ZLjava/lang/reflect/Executable;Ljava/lang/Object;)Z", Flags: domain.AccNative | domain.AccStatic | 0x0001},
		Method{Name: "instanceOf", Signature: "(Ljava/lang/Object;Ljava/lang/Class;)Z", Flags: domain.AccNative | domain.AccStatic | 0x0001},
	)
	for _, name := range []string{"hookMethod", "unhookMethod"} {
		slot := cls.Slot(name)
		b.putPtr(slot+b.layout.DataOffset(), b.code(b.framework))
		b.bridges = append(b.bridges, slot)
	}
	b.bridgeClasses = append(b.bridgeClasses, cls.Addr)
	return cls
}

// Build 写入 DEX、DexCache、全局引用表和 JavaVM，返回合成进程
func (b *Builder) Build() *Process {
	ptr := uint64(b.ptr)

	// DEX 镜像和 DexFile 本地对象
	image := b.dex.Bytes()
	dexSize := (uint64(len(image)) + 0xfff) &^ 0xfff
	dexArea := newArea(b.runtime.region.Start-0x800000, dexSize, "r--p", FrameworkJar)
	copy(dexArea.data, image)
	b.areas = append(b.areas, dexArea)

	dexFile := b.malloc.alloc(3*ptr, 8)
	b.putPtr(dexFile, b.malloc.region.Start+0x1800) // vtable
	b.putPtr(dexFile+ptr, dexArea.region.Start)
	b.putPtr(dexFile+2*ptr, uint64(len(image)))

	dexCache := b.Object(b.javaLangClass, 0x20)
	b.put64(uint64(dexCache)+art.DexCacheDexFileOffset, dexFile)
	for _, cls := range b.classes {
		b.put32(cls.Addr+art.ClassDexCacheOffset, dexCache)
	}

	// 全局引用表: {serial, ref}，首项为空
	table := b.irt.alloc(uint64(len(b.globals)+1)*8, 8)
	for i, ref := range b.globals {
		entry := table + uint64(i+1)*8
		b.put32(entry, uint32(i+1))
		b.put32(entry+4, ref)
	}

	// JavaVM: functions 指针之后是若干无关字，然后是 globals_ 表
	vm := b.malloc.region.Start
	b.putPtr(vm, b.malloc.region.Start+0x1000)
	words := []uint64{
		0, b.irt.region.Start + 0x8000, 1, 16, 256, // 局部引用表 (kind=1)
		table, 2, uint64(len(b.globals) + 1), 51200,
	}
	for i, w := range words {
		b.putPtr(vm+ptr+uint64(i)*ptr, w)
	}

	// 框架模块中的字符串
	off := uint64(0x1000)
	for _, s := range b.strings {
		b.putBytes(b.framework.region.Start+off, append([]byte(s), 0))
		off += uint64(len(s)) + 1
	}

	space := memory.NewSynthetic()
	proc := &Process{
		Space:  space,
		Layout: b.layout,
		Arch:   b.arch,
		Anchors: art.Anchors{
			JavaVM:        vm,
			MethodClass:   b.methodClass.Addr,
			HookStub:      b.code(b.app),
			BridgeClasses: b.bridgeClasses,
		},
		Image: &art.RuntimeImage{
			Path:  b.runtime.region.Path,
			Arch:  b.arch,
			Text:  []art.TextSegment{{Vaddr: 0, Data: append([]byte(nil), b.runtime.data...)}},
			Symbols: map[string]uint64{
				art.SymInterpreterBridge:    InterpreterBridgeOffset,
				art.SymGenericJNITrampoline: GenericJNIOffset,
				art.SymDlsymLookupStub:      DlsymLookupOffset,
			},
		},
		Classes:   b.byName,
		Hooks:     b.hooks,
		Bridges:   b.bridges,
		Runtime:   b.runtime.region,
		Framework: b.framework.region,
		Foreign:   b.foreign.region,
		App:       b.app.region,
	}

	for _, a := range b.areas {
		if _, err := space.Map(a.region, a.data); err != nil {
			panic(fmt.Sprintf("arttest: %v", err))
		}
	}
	return proc
}
