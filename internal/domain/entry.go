package domain

import "fmt"

// Tag 条目分类标签
type Tag int

const (
	TagUnmodified   Tag = iota // 未修改（或无法解析，保守处理）
	TagHookedTarget            // 被目标框架 hook
	TagHookedOther             // 被其他未知工具 hook，永不修改
	TagNeutralized             // 已还原
)

// String 返回标签名称
func (t Tag) String() string {
	switch t {
	case TagUnmodified:
		return "unmodified"
	case TagHookedTarget:
		return "hooked-target"
	case TagHookedOther:
		return "hooked-other"
	case TagNeutralized:
		return "neutralized"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// MarshalText 以名称形式序列化
func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ART 方法访问标志
const (
	AccStatic    uint32 = 0x0008
	AccNative    uint32 = 0x0100
	AccSynthetic uint32 = 0x1000
)

// MethodEntry 方法分派表中的一个条目 (一个 ArtMethod)
type MethodEntry struct {
	DeclaringType  string `json:"declaring_type"`
	Name           string `json:"name"`
	Signature      string `json:"signature"`
	Slot           uint64 `json:"slot"`             // ArtMethod 地址
	DeclaringClass uint64 `json:"declaring_class"`  // declaring_class_ 引用
	EntryPointAddr uint64 `json:"entry_point_addr"` // entry_point_from_quick_compiled_code_ 字段地址
	EntryPoint     uint64 `json:"entry_point"`      // 扫描时的入口值
	DataAddr       uint64 `json:"data_addr"`        // data_ 字段地址
	Data           uint64 `json:"data"`
	AccessFlags    uint32 `json:"access_flags"`
	DexMethodIndex uint32 `json:"dex_method_index"`
	Resolved       bool   `json:"resolved"`
	Backup         uint64 `json:"backup,omitempty"`             // 框架保存的原方法副本 (ArtMethod 地址)
	BackupEntry    uint64 `json:"backup_entry_point,omitempty"` // 副本中的入口值
	Code           []byte `json:"-"`                            // 入口处的前若干字节
	Tag            Tag    `json:"tag"`
	Reason         string `json:"reason,omitempty"`
}

// Identifier 返回 "<declaring-type>.<method-name>"
func (m *MethodEntry) Identifier() string {
	typ := m.DeclaringType
	if typ == "" {
		typ = "<unknown>"
	}
	name := m.Name
	if name == "" {
		name = fmt.Sprintf("method@%#x", m.Slot)
	}
	return typ + "." + name
}

// IsNative 是否为 native 方法
func (m *MethodEntry) IsNative() bool {
	return m.AccessFlags&AccNative != 0
}

// CallbackEntry 目标框架内部登记的一个回调槽位 (hooker 类的静态引用字段)
type CallbackEntry struct {
	Owner        string `json:"owner"` // hooker 类名
	Index        int    `json:"index"` // 静态字段序号
	Slot         uint64 `json:"slot"`  // 静态字段地址
	Registration uint32 `json:"registration"`
	Resolved     bool   `json:"resolved"`
	Tag          Tag    `json:"tag"`
	Reason       string `json:"reason,omitempty"`
}

// Identifier 返回 "<owner>@<registration hex>"
func (c *CallbackEntry) Identifier() string {
	owner := c.Owner
	if owner == "" {
		owner = fmt.Sprintf("callback#%d", c.Index)
	}
	return fmt.Sprintf("%s@%x", owner, c.Registration)
}

// BridgeEntry 框架用于安装 hook 的 native 桥接方法
type BridgeEntry struct {
	Method   MethodEntry `json:"method"`
	Disabled bool        `json:"disabled"`
	Reason   string      `json:"reason,omitempty"`
}
