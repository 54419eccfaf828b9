package domain

// 状态位
const (
	FlagSelfProtected    int32 = 1 << 0 // 已从框架自身的登记中移除 (禁用其 hook 安装入口)
	FlagHooksNeutralized int32 = 1 << 1 // 扫描到的目标框架 hook 已全部还原
)

// ScanStats 扫描统计
type ScanStats struct {
	Methods          int `json:"methods"`
	Unmodified       int `json:"unmodified"`
	HookedTarget     int `json:"hooked_target"`
	HookedOther      int `json:"hooked_other"`
	Neutralized      int `json:"neutralized"`
	Callbacks        int `json:"callbacks"`
	CallbacksCleared int `json:"callbacks_cleared"`
	Bridges          int `json:"bridges"`
	Trampolines      int `json:"trampolines"`
}

// ScanResult 扫描结果，构造后不可变
type ScanResult struct {
	Flags            int32     `json:"flags"`
	UnhookedMethods  []string  `json:"unhooked_methods"`  // 尝试还原后仍处于 hook 状态的方法
	ClearedCallbacks []string  `json:"cleared_callbacks"` // 已清除的回调
	FrameworkName    string    `json:"framework_name"`
	RestoredMethods  []string  `json:"restored_methods"` // 已还原的方法
	Layout           string    `json:"layout,omitempty"`
	RuntimeTextPages int       `json:"runtime_text_pages"`
	Stats            ScanStats `json:"stats"`
}

// EmptyResult 布局不支持或扫描失败时的结果
func EmptyResult(frameworkName string) *ScanResult {
	return &ScanResult{
		UnhookedMethods:  []string{},
		ClearedCallbacks: []string{},
		RestoredMethods:  []string{},
		FrameworkName:    frameworkName,
	}
}

// Has 判断状态位
func (r *ScanResult) Has(flag int32) bool {
	return r != nil && r.Flags&flag != 0
}

// Clone 深拷贝，供只读调用方使用
func (r *ScanResult) Clone() *ScanResult {
	if r == nil {
		return nil
	}
	c := *r
	c.UnhookedMethods = append([]string{}, r.UnhookedMethods...)
	c.ClearedCallbacks = append([]string{}, r.ClearedCallbacks...)
	c.RestoredMethods = append([]string{}, r.RestoredMethods...)
	return &c
}
