package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/artguard/internal/config"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version   = "1.0.0"
	GitCommit = "unknown"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool
	noColor    bool
	anchorArgs []string
)

var rootCmd = &cobra.Command{
	Use:           "artscan",
	Short:         "Detect and neutralize ART method hooks",
	Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		color.NoColor = noColor || jsonOutput
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print result as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringArrayVarP(&anchorArgs, "anchor", "a", nil, "anchor override, e.g. hook_stub=0x7f001000")
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyAnchors(&cfg.Engine, anchorArgs); err != nil {
		return nil, nil, err
	}

	// 命令行输出占用 stdout，日志写到 stderr
	cfg.Log.Output = "stderr"
	if verbose {
		cfg.Log.Level = "debug"
	} else if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn"
	}
	return cfg, config.InitLogger(&cfg.Log), nil
}

// applyAnchors 解析 name=value 形式的锚点覆盖
func applyAnchors(cfg *config.EngineConfig, args []string) error {
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid anchor %q, want name=value", arg)
		}
		value, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 64)
		if err != nil {
			return fmt.Errorf("invalid anchor value %q: %w", raw, err)
		}

		switch strings.TrimSpace(name) {
		case "java_vm":
			cfg.Anchors.JavaVM = value
		case "method_class":
			cfg.Anchors.MethodClass = value
		case "art_method_field":
			cfg.Anchors.ArtMethodField = value
		case "declaring_class_field":
			cfg.Anchors.DeclaringClassField = value
		case "hook_stub":
			cfg.Anchors.HookStub = value
		case "bridge_class":
			cfg.Anchors.BridgeClasses = append(cfg.Anchors.BridgeClasses, value)
		default:
			return fmt.Errorf("unknown anchor %q", name)
		}
	}
	return nil
}
