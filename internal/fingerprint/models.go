package fingerprint

// Fingerprint 框架识别结果
type Fingerprint struct {
	Detected    bool     `json:"detected"`     // 是否识别到框架
	Name        string   `json:"name"`         // 对外显示的名称，如 "LSPosed 1.9.2 (7024)"
	Framework   string   `json:"framework"`    // 规则名称
	Version     string   `json:"version"`      // 版本号
	VersionCode int64    `json:"version_code"` // 版本代码
	Confidence  float64  `json:"confidence"`   // 置信度 0-1
	Indicators  []string `json:"indicators"`   // 检测到的特征
	Modules     []string `json:"modules"`      // 命中的模块路径
}

// FrameworkRule 框架识别规则
type FrameworkRule struct {
	Name           string   // 框架名称
	Modules        []string // 模块路径特征 (不区分大小写的子串)
	Strings        []string // 特征字符串
	VersionPattern string   // 版本正则，第一组为版本号，第二组为版本代码
	Trampoline     bool     // 是否使用 LSPlant 跳板
	Target         bool     // 是否属于需要还原的框架家族
	Priority       int      // 优先级 (越大越优先匹配)
}

// 打分权重
const (
	scoreModule     = 0.5
	scoreString     = 0.4
	scoreTrampoline = 0.2

	// DefaultThreshold 识别阈值
	DefaultThreshold = 0.4
	// DefaultName 无法识别时使用的名称
	DefaultName = "LSPosed"
)
