package art

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/apk-analysis/artguard/internal/dex"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/trampoline"
	"github.com/sirupsen/logrus"
)

// IndirectRefTableName 间接引用表所在匿名映射的名称
const IndirectRefTableName = "[anon:dalvik-indirect ref table]"

const (
	globalRefKind    = 2
	maxGlobalRefs    = 1000000
	vmScanWords      = 256
	pageSize         = 0x1000
	irtEntrySize     = 8
	irtEntryRefField = 4
)

// 类的来源
const (
	SourceBackup    = "backup"
	SourceReflected = "reflected"
)

// MethodTable 一个类的方法分派表
type MethodTable struct {
	Class  uint64 `json:"class"`
	Name   string `json:"name"`
	Array  uint64 `json:"array"`
	Count  int    `json:"count"`
	Source string `json:"source"`
}

// Located 定位结果，供分类、还原和指纹识别使用
type Located struct {
	Layout      Layout
	Arch        trampoline.Arch
	PointerSize int
	Runtime     *RuntimeImage
	Regions     []memory.Region
	GlobalRefs  int
	Tables      []MethodTable
	Methods     []domain.MethodEntry
	Callbacks   []domain.CallbackEntry
	Bridges     []domain.BridgeEntry
	Hookers     []uint64 // 跳板中嵌入的 hooker ArtMethod
	Trampolines int
}

// backup 框架保存的原方法副本
type backup struct {
	method uint64
	class  uint64
	dexIdx uint32
	entry  uint64
}

// Locator 运行时元数据定位器，只读
type Locator struct {
	space   memory.Space
	anchors Anchors
	opts    Options
	logger  *logrus.Logger
	dex     *dex.Cache

	layout  Layout
	ptrSize int
	arch    trampoline.Arch
}

// NewLocator 创建定位器
func NewLocator(space memory.Space, anchors Anchors, opts Options, logger *logrus.Logger) (*Locator, error) {
	opts = opts.withDefaults()
	cache, err := dex.NewCache(opts.DexCacheEntries, opts.MaxDexSize)
	if err != nil {
		return nil, err
	}
	return &Locator{
		space:   space,
		anchors: anchors.WithDefaults(),
		opts:    opts,
		logger:  logger,
		dex:     cache,
	}, nil
}

func notSupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrLayoutNotSupported, fmt.Sprintf(format, args...))
}

func notFound(what string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w: %v", domain.ErrLayoutNotSupported, what, domain.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrLayoutNotSupported, what, domain.ErrNotFound)
}

// Locate 找到运行时模块、全局引用表、方法分派表和框架回调结构
func (l *Locator) Locate(ctx context.Context) (*Located, error) {
	regions, err := l.space.Regions()
	if err != nil {
		return nil, notFound("memory maps", err)
	}

	runtime := l.runtimeRegions(regions)
	if len(runtime) == 0 {
		return nil, notFound(fmt.Sprintf("runtime module %v", l.opts.RuntimeModules), nil)
	}

	img := l.opts.Image
	if img == nil {
		if img, err = LoadRuntimeImage(runtime[0].Path); err != nil {
			return nil, notFound("runtime image", err)
		}
	}
	low := runtime[0].Start
	for _, r := range runtime {
		if r.Start < low {
			low = r.Start
		}
	}
	img = img.WithBias(low - img.FirstVaddr&^uint64(pageSize-1))

	l.arch = img.Arch
	l.ptrSize = l.opts.PointerSize
	if l.ptrSize == 0 {
		l.ptrSize = img.Arch.PointerSize()
	}
	if l.ptrSize == 0 {
		l.ptrSize = 4
		if strings.Contains(runtime[0].Path, "lib64") {
			l.ptrSize = 8
		}
	}

	if l.anchors.JavaVM == 0 || l.anchors.MethodClass == 0 {
		return nil, notFound("anchors", nil)
	}

	if l.layout, err = l.detectLayout(); err != nil {
		return nil, err
	}

	log := l.logger.WithFields(logrus.Fields{
		"layout":       l.layout.Name,
		"arch":         l.arch,
		"pointer_size": l.ptrSize,
		"runtime":      runtime[0].Path,
	})
	log.Debug("Runtime layout detected")

	refs, err := l.globalRefs(regions)
	if err != nil {
		return nil, err
	}

	located := &Located{
		Layout:      l.layout,
		Arch:        l.arch,
		PointerSize: l.ptrSize,
		Runtime:     img,
		Regions:     regions,
		GlobalRefs:  len(refs),
	}

	backups, classes := l.scanReflected(refs)

	seenClasses := make(map[uint64]bool)
	for _, cls := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seenClasses[cls.Class] {
			continue
		}
		seenClasses[cls.Class] = true

		table, entries, err := l.readTable(cls.Class, cls.Source)
		if err != nil {
			log.WithError(err).WithField("class", fmt.Sprintf("%#x", cls.Class)).Debug("Skipping unreadable class")
			continue
		}
		for i := range entries {
			matchBackup(&entries[i], backups)
		}
		located.Tables = append(located.Tables, table)
		located.Methods = append(located.Methods, entries...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hookerClasses := l.collectHookers(located)
	callbackClasses := make([]uint64, 0)
	for _, cls := range hookerClasses {
		callbacks := l.readCallbacks(cls)
		for _, cb := range callbacks {
			if !cb.Resolved {
				continue
			}
			if owner, err := memory.U32(l.space, uint64(cb.Registration)); err == nil && owner != 0 {
				callbackClasses = append(callbackClasses, uint64(owner))
			}
		}
		located.Callbacks = append(located.Callbacks, callbacks...)
	}

	bridgeClasses := make([]uint64, 0, len(hookerClasses)+len(callbackClasses)+len(l.anchors.BridgeClasses))
	bridgeClasses = append(bridgeClasses, l.anchors.BridgeClasses...)
	bridgeClasses = append(bridgeClasses, hookerClasses...)
	bridgeClasses = append(bridgeClasses, callbackClasses...)
	located.Bridges = l.findBridges(bridgeClasses, located.Methods)

	log.WithFields(logrus.Fields{
		"global_refs": located.GlobalRefs,
		"tables":      len(located.Tables),
		"methods":     len(located.Methods),
		"trampolines": located.Trampolines,
		"callbacks":   len(located.Callbacks),
		"bridges":     len(located.Bridges),
	}).Info("Runtime metadata located")

	return located, nil
}

func (l *Locator) runtimeRegions(regions []memory.Region) []memory.Region {
	for _, name := range l.opts.RuntimeModules {
		if found := memory.Named(regions, name); len(found) > 0 {
			return found
		}
	}
	return nil
}

// detectLayout 通过 Method 类方法数组中相邻 ArtMethod 的间距判断布局
func (l *Locator) detectLayout() (Layout, error) {
	methods, err := memory.U64(l.space, l.anchors.MethodClass+ClassMethodsOffset)
	if err != nil || methods == 0 {
		return Layout{}, notFound("Method class methods", err)
	}

	words, err := memory.Bytes(l.space, methods+uint64(l.ptrSize), strideMaxWord*4)
	if err != nil {
		return Layout{}, notFound("Method class methods", err)
	}

	stride := uint64(0)
	for i := strideMinWord; i < strideMaxWord; i++ {
		if binary.LittleEndian.Uint32(words[i*4:]) == uint32(l.anchors.MethodClass) {
			stride = uint64(i * 4)
			break
		}
	}
	if stride == 0 {
		return Layout{}, notSupported("ArtMethod stride not found")
	}

	layout, ok := LayoutByStride(l.ptrSize, stride)
	if !ok {
		return Layout{}, notSupported("unknown ArtMethod size %#x for pointer size %d", stride, l.ptrSize)
	}
	return layout, nil
}

// globalRefs 在 JavaVMExt 中找到全局引用表并读取全部引用
func (l *Locator) globalRefs(regions []memory.Region) ([]uint32, error) {
	var tables []memory.Region
	for _, r := range regions {
		if r.Path == IndirectRefTableName && r.Readable() {
			tables = append(tables, r)
		}
	}
	if len(tables) == 0 {
		return nil, notFound("indirect reference tables", nil)
	}

	ptr := uint64(l.ptrSize)
	raw, err := memory.Bytes(l.space, l.anchors.JavaVM+ptr, int((vmScanWords+3)*ptr))
	if err != nil {
		return nil, notFound("JavaVM", err)
	}
	word := func(i int) uint64 {
		if l.ptrSize == 4 {
			return uint64(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return binary.LittleEndian.Uint64(raw[i*8:])
	}

	for i := 0; i < vmScanWords; i++ {
		table, kind, top, capacity := word(i), word(i+1), word(i+2), word(i+3)
		if kind != globalRefKind || top > maxGlobalRefs || capacity > maxGlobalRefs {
			continue
		}
		if table == 0 || top == 0 {
			continue
		}
		if _, ok := memory.Find(tables, table); !ok {
			continue
		}

		entries, err := memory.Bytes(l.space, table, int(top*irtEntrySize))
		if err != nil {
			return nil, notFound("global reference entries", err)
		}
		refs := make([]uint32, 0, top)
		for j := uint64(0); j < top; j++ {
			ref := binary.LittleEndian.Uint32(entries[j*irtEntrySize+irtEntryRefField:])
			if ref != 0 {
				refs = append(refs, ref)
			}
		}
		return refs, nil
	}

	return nil, notFound("global reference table", nil)
}

type classOfInterest struct {
	Class  uint64
	Source string
}

// scanReflected 遍历全局引用中的 Method 对象，找出框架保存的原方法副本
func (l *Locator) scanReflected(refs []uint32) ([]backup, []classOfInterest) {
	var backups []backup
	var classes []classOfInterest

	for _, ref := range refs {
		obj := uint64(ref)
		klass, err := memory.U32(l.space, obj)
		if err != nil || uint64(klass) != l.anchors.MethodClass {
			continue
		}

		artMethod, err := memory.U64(l.space, obj+l.anchors.ArtMethodField)
		if err != nil || artMethod == 0 {
			continue
		}
		declaring, err := memory.U32(l.space, obj+l.anchors.DeclaringClassField)
		if err != nil {
			continue
		}
		target, err := memory.U32(l.space, artMethod)
		if err != nil || target == 0 {
			continue
		}

		if l.opts.ScanReflectedClasses && declaring != 0 {
			classes = append(classes, classOfInterest{Class: uint64(declaring), Source: SourceReflected})
		}
		if target == declaring {
			continue
		}

		b := backup{method: artMethod, class: uint64(target)}
		if b.dexIdx, err = memory.U32(l.space, artMethod+l.layout.DexMethodIndexOffset); err != nil {
			continue
		}
		if b.entry, err = memory.Pointer(l.space, artMethod+l.layout.EntryPointOffset(), l.ptrSize); err != nil {
			continue
		}
		backups = append(backups, b)
		classes = append(classes, classOfInterest{Class: uint64(target), Source: SourceBackup})

		l.logger.WithFields(logrus.Fields{
			"backup":       fmt.Sprintf("%#x", artMethod),
			"target_class": fmt.Sprintf("%#x", target),
			"dex_idx":      b.dexIdx,
		}).Debug("Found method backup")
	}

	return backups, classes
}

func matchBackup(entry *domain.MethodEntry, backups []backup) {
	for _, b := range backups {
		if b.class == entry.DeclaringClass && b.dexIdx == entry.DexMethodIndex && b.method != entry.Slot {
			entry.Backup = b.method
			entry.BackupEntry = b.entry
			return
		}
	}
}

// readTable 读取类的 methods_ 数组
func (l *Locator) readTable(class uint64, source string) (MethodTable, []domain.MethodEntry, error) {
	table := MethodTable{Class: class, Source: source}

	array, err := memory.U64(l.space, class+ClassMethodsOffset)
	if err != nil {
		return table, nil, fmt.Errorf("read methods_: %w", err)
	}
	table.Array = array
	if array == 0 {
		return table, nil, nil
	}

	count, err := memory.U32(l.space, array)
	if err != nil {
		return table, nil, fmt.Errorf("read method count: %w", err)
	}
	if int(count) > l.opts.MaxMethodsPerClass {
		return table, nil, fmt.Errorf("method count %d exceeds limit", count)
	}
	table.Count = int(count)

	entries := make([]domain.MethodEntry, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		slot := array + l.layout.ArrayHeader() + i*l.layout.ArtMethodSize
		entry := l.readMethod(slot)
		if table.Name == "" && entry.DeclaringType != "" {
			table.Name = entry.DeclaringType
		}
		entries = append(entries, entry)
	}
	return table, entries, nil
}

// readMethod 读取一个 ArtMethod，不可读时保留 Resolved=false 的条目
func (l *Locator) readMethod(slot uint64) domain.MethodEntry {
	entry := domain.MethodEntry{
		Slot:           slot,
		EntryPointAddr: slot + l.layout.EntryPointOffset(),
		DataAddr:       slot + l.layout.DataOffset(),
	}

	raw, err := memory.Bytes(l.space, slot, int(l.layout.ArtMethodSize))
	if err != nil {
		entry.Reason = err.Error()
		return entry
	}

	le := binary.LittleEndian
	entry.DeclaringClass = uint64(le.Uint32(raw))
	entry.AccessFlags = le.Uint32(raw[AccessFlagsOffset:])
	entry.DexMethodIndex = le.Uint32(raw[l.layout.DexMethodIndexOffset:])
	entry.Data = l.ptrAt(raw, l.layout.DataOffset())
	entry.EntryPoint = l.ptrAt(raw, l.layout.EntryPointOffset())
	entry.Resolved = entry.EntryPoint != 0

	if entry.Resolved {
		entry.Code = l.probe(entry.EntryPoint)
	}

	if ref, err := l.resolve(entry.DeclaringClass, entry.DexMethodIndex); err == nil {
		entry.DeclaringType = dex.PrettyType(ref.Class)
		entry.Name = ref.Name
		entry.Signature = ref.Signature
	} else if entry.Reason == "" {
		entry.Reason = fmt.Sprintf("name unresolved: %v", err)
	}

	return entry
}

func (l *Locator) ptrAt(raw []byte, off uint64) uint64 {
	if l.ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(raw[off:]))
	}
	return binary.LittleEndian.Uint64(raw[off:])
}

// probe 读取入口处的代码，ARM 入口去掉 Thumb 位
func (l *Locator) probe(entry uint64) []byte {
	addr := entry
	if l.arch == trampoline.ArchARM {
		addr &^= 1
	}
	for size := l.opts.ProbeSize; size >= 16; size /= 2 {
		if code, err := memory.Bytes(l.space, addr, size); err == nil {
			return code
		}
	}
	return nil
}

// dexFile 通过 class.dexCache.dexFile 找到类所在的 DEX
func (l *Locator) dexFile(class uint64) (*dex.File, error) {
	if class == 0 {
		return nil, fmt.Errorf("null class")
	}
	dexCache, err := memory.U32(l.space, class+ClassDexCacheOffset)
	if err != nil || dexCache == 0 {
		return nil, fmt.Errorf("class %#x has no dex cache", class)
	}
	native, err := memory.U64(l.space, uint64(dexCache)+DexCacheDexFileOffset)
	if err != nil || native == 0 {
		return nil, fmt.Errorf("dex cache %#x has no dex file", dexCache)
	}

	ptr := uint64(l.ptrSize)
	begin, err := memory.Pointer(l.space, native+ptr, l.ptrSize)
	if err != nil {
		return nil, err
	}
	size, err := memory.Pointer(l.space, native+2*ptr, l.ptrSize)
	if err != nil {
		return nil, err
	}

	return l.dex.Get(begin, size, func(begin, size uint64) ([]byte, error) {
		return memory.Bytes(l.space, begin, int(size))
	})
}

func (l *Locator) resolve(class uint64, dexIdx uint32) (dex.MethodRef, error) {
	f, err := l.dexFile(class)
	if err != nil {
		return dex.MethodRef{}, err
	}
	return f.Method(dexIdx)
}

// collectHookers 从跳板中提取 hooker 方法，返回其声明类 (去重，保持顺序)
func (l *Locator) collectHookers(located *Located) []uint64 {
	var classes []uint64
	seen := make(map[uint64]bool)
	seenHooker := make(map[uint64]bool)

	for _, m := range located.Methods {
		hooker, ok := trampoline.Match(l.arch, m.Code)
		if !ok || hooker == 0 {
			continue
		}
		located.Trampolines++
		if seenHooker[hooker] {
			continue
		}
		seenHooker[hooker] = true
		located.Hookers = append(located.Hookers, hooker)

		class, err := memory.U32(l.space, hooker)
		if err != nil || class == 0 || seen[uint64(class)] {
			continue
		}
		seen[uint64(class)] = true
		classes = append(classes, uint64(class))
	}
	return classes
}

// className 通过类的第一个方法解析类名
func (l *Locator) className(class uint64) string {
	array, err := memory.U64(l.space, class+ClassMethodsOffset)
	if err != nil || array == 0 {
		return ""
	}
	count, err := memory.U32(l.space, array)
	if err != nil || count == 0 {
		return ""
	}
	idx, err := memory.U32(l.space, array+l.layout.ArrayHeader()+l.layout.DexMethodIndexOffset)
	if err != nil {
		return ""
	}
	ref, err := l.resolve(class, idx)
	if err != nil {
		return ""
	}
	return dex.PrettyType(ref.Class)
}

// readCallbacks 读取 hooker 类的静态引用字段 (sfields_)
func (l *Locator) readCallbacks(class uint64) []domain.CallbackEntry {
	owner := l.className(class)
	log := l.logger.WithFields(logrus.Fields{
		"class": fmt.Sprintf("%#x", class),
		"owner": owner,
	})

	sfields, err := memory.U64(l.space, class+ClassSFieldsOffset)
	if err != nil || sfields == 0 {
		log.Debug("Hooker class has no static fields")
		return nil
	}
	count, err := memory.U32(l.space, sfields)
	if err != nil || int(count) > l.opts.MaxStaticFields {
		log.WithField("count", count).Debug("Hooker static fields unreadable")
		return nil
	}

	var callbacks []domain.CallbackEntry
	for i := 0; i < int(count); i++ {
		field := sfields + sfieldsHeader + uint64(i)*ArtFieldSize
		entry := domain.CallbackEntry{Owner: owner, Index: i}

		offset, err := memory.U32(l.space, field+ArtFieldOffsetOffset)
		if err != nil {
			entry.Reason = err.Error()
			callbacks = append(callbacks, entry)
			continue
		}
		entry.Slot = class + uint64(offset)
		ref, err := memory.U32(l.space, entry.Slot)
		if err != nil {
			entry.Reason = err.Error()
			callbacks = append(callbacks, entry)
			continue
		}
		if ref == 0 {
			continue
		}
		entry.Registration = ref
		entry.Resolved = true
		callbacks = append(callbacks, entry)
	}

	log.WithField("callbacks", len(callbacks)).Debug("Hooker static fields read")
	return callbacks
}

// findBridges 在候选类和已扫描的方法中查找框架的 native 桥接方法
func (l *Locator) findBridges(classes []uint64, scanned []domain.MethodEntry) []domain.BridgeEntry {
	names := make(map[string]bool, len(l.opts.BridgeNames))
	for _, n := range l.opts.BridgeNames {
		names[n] = true
	}

	var bridges []domain.BridgeEntry
	seenSlot := make(map[uint64]bool)
	add := func(m domain.MethodEntry) {
		if !m.IsNative() || !names[m.Name] || seenSlot[m.Slot] {
			return
		}
		seenSlot[m.Slot] = true
		bridges = append(bridges, domain.BridgeEntry{Method: m})
	}

	seenClass := make(map[uint64]bool)
	for _, cls := range classes {
		if cls == 0 || seenClass[cls] {
			continue
		}
		seenClass[cls] = true
		_, entries, err := l.readTable(cls, "bridge")
		if err != nil {
			continue
		}
		for _, m := range entries {
			add(m)
		}
	}
	for _, m := range scanned {
		add(m)
	}

	return bridges
}
