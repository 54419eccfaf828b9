package fingerprint

const versionWithCode = `v?(\d+(?:\.\d+)+)\s*\((\d+)\)`

// GetBuiltinRules 获取内置框架规则库
func GetBuiltinRules() []FrameworkRule {
	return []FrameworkRule{
		// ==================== LSPlant 家族 (需要还原) ====================
		{
			Name:           "LSPosed",
			Modules:        []string{"liblspd", "zygisk_lsposed", "riru_lsposed", "/data/adb/lspd"},
			Strings:        []string{"LSPosed", "org.lsposed.lspd"},
			VersionPattern: versionWithCode,
			Trampoline:     true,
			Target:         true,
			Priority:       100,
		},
		{
			Name:           "LSPatch",
			Modules:        []string{"liblspatch", "lspatch"},
			Strings:        []string{"org.lsposed.lspatch"},
			VersionPattern: versionWithCode,
			Trampoline:     true,
			Target:         true,
			Priority:       95,
		},
		{
			Name:       "LSPlant",
			Modules:    []string{"liblsplant"},
			Strings:    []string{"lsplant"},
			Trampoline: true,
			Target:     true,
			Priority:   80,
		},

		// ==================== 其他 hook 框架 (只识别) ====================
		{
			Name:           "EdXposed",
			Modules:        []string{"libriru_edxp", "edxposed", "libedxp"},
			Strings:        []string{"EdXposed", "com.elderdrivers.riru.edxp"},
			VersionPattern: versionWithCode,
			Priority:       90,
		},
		{
			Name:     "Xposed",
			Modules:  []string{"libxposed_art", "xposedbridge"},
			Strings:  []string{"de.robv.android.xposed"},
			Priority: 70,
		},
		{
			Name:     "Pine",
			Modules:  []string{"libpine"},
			Strings:  []string{"top.canyie.pine"},
			Priority: 60,
		},
		{
			Name:     "SandHook",
			Modules:  []string{"libsandhook"},
			Strings:  []string{"com.swift.sandhook"},
			Priority: 60,
		},
		{
			Name:     "Frida",
			Modules:  []string{"frida-agent", "frida-gadget", "re.frida.server"},
			Strings:  []string{"frida:rpc", "FridaScriptEngine", "gum-js-loop"},
			Priority: 50,
		},
	}
}

// TargetModulePatterns 需要还原的框架家族的模块特征，供分类器判断框架模块
func TargetModulePatterns(rules []FrameworkRule) []string {
	var patterns []string
	seen := make(map[string]bool)
	for _, rule := range rules {
		if !rule.Target {
			continue
		}
		for _, m := range rule.Modules {
			if !seen[m] {
				seen[m] = true
				patterns = append(patterns, m)
			}
		}
	}
	return patterns
}
