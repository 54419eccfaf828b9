package art

// Anchors 宿主提供的锚点 (原先只能通过 JNI 获取的值)
type Anchors struct {
	JavaVM uint64 `json:"java_vm" mapstructure:"java_vm"`
	// java.lang.reflect.Method 的 Class 对象地址
	MethodClass uint64 `json:"method_class" mapstructure:"method_class"`
	// Executable.artMethod / Executable.declaringClass 字段偏移
	ArtMethodField      uint64 `json:"art_method_field" mapstructure:"art_method_field"`
	DeclaringClassField uint64 `json:"declaring_class_field" mapstructure:"declaring_class_field"`
	// 替换框架桥接方法的 native 桩
	HookStub      uint64   `json:"hook_stub" mapstructure:"hook_stub"`
	BridgeClasses []uint64 `json:"bridge_classes,omitempty" mapstructure:"bridge_classes"`
}

// 默认字段偏移 (Android 9 以上的 Executable 布局)
const (
	DefaultArtMethodField      = 0x18
	DefaultDeclaringClassField = 0xc
)

// WithDefaults 补全未设置的偏移
func (a Anchors) WithDefaults() Anchors {
	if a.ArtMethodField == 0 {
		a.ArtMethodField = DefaultArtMethodField
	}
	if a.DeclaringClassField == 0 {
		a.DeclaringClassField = DefaultDeclaringClassField
	}
	return a
}

// Options 定位参数
type Options struct {
	RuntimeModules       []string
	PointerSize          int // 0 表示自动判断
	ProbeSize            int
	ScanReflectedClasses bool
	MaxMethodsPerClass   int
	MaxStaticFields      int
	MaxDexSize           uint64
	DexCacheEntries      int
	BridgeNames          []string
	Image                *RuntimeImage // 预先加载的运行时镜像 (快照、测试)
}

// DefaultBridgeNames 框架用于安装 hook 的 native 方法名
var DefaultBridgeNames = []string{
	"hookMethod",
	"unhookMethod",
	"deoptimizeMethod",
	"invokeOriginalMethod",
	"hookMethodNative",
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		RuntimeModules:     []string{"libart.so"},
		ProbeSize:          64,
		MaxMethodsPerClass: 65535,
		MaxStaticFields:    1024,
		MaxDexSize:         256 << 20,
		DexCacheEntries:    32,
		BridgeNames:        DefaultBridgeNames,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if len(o.RuntimeModules) == 0 {
		o.RuntimeModules = def.RuntimeModules
	}
	if o.ProbeSize <= 0 {
		o.ProbeSize = def.ProbeSize
	}
	if o.MaxMethodsPerClass <= 0 {
		o.MaxMethodsPerClass = def.MaxMethodsPerClass
	}
	if o.MaxStaticFields <= 0 {
		o.MaxStaticFields = def.MaxStaticFields
	}
	if o.MaxDexSize == 0 {
		o.MaxDexSize = def.MaxDexSize
	}
	if o.DexCacheEntries <= 0 {
		o.DexCacheEntries = def.DexCacheEntries
	}
	if len(o.BridgeNames) == 0 {
		o.BridgeNames = def.BridgeNames
	}
	return o
}
