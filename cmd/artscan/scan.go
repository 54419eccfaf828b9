package main

import (
	"context"
	"fmt"

	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/spf13/cobra"
)

var (
	scanPid    int
	scanDryRun bool
	scanText   bool
)

func init() {
	scanCmd.Flags().IntVarP(&scanPid, "pid", "p", 0, "target process (0 = self)")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "classify only, do not write memory")
	scanCmd.Flags().BoolVar(&scanText, "restore-text", false, "restore patched runtime text pages")
	rootCmd.AddCommand(scanCmd)
}

// scanCmd 扫描运行中的进程
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a live process for ART method hooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("pid") {
			cfg.Engine.Pid = scanPid
		}
		if scanDryRun {
			cfg.Engine.DryRun = true
		}
		if scanText {
			cfg.Engine.RestoreRuntimeText = true
		}

		proc, err := memory.OpenProc(cfg.Engine.Pid)
		if err != nil {
			return fmt.Errorf("failed to open process %d: %w", cfg.Engine.Pid, err)
		}
		defer proc.Close()
		if !proc.Writable() && !cfg.Engine.DryRun {
			logger.Warn("Process memory is read-only, restores will be rejected")
		}

		e := engine.New(proc, cfg.Engine.EngineOptions(), logger)
		result := e.Result(context.Background())
		return printResult(cmd.OutOrStdout(), fmt.Sprintf("pid %d", cfg.Engine.Pid), result, e.Details())
	},
}
