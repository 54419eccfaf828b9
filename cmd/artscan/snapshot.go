package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/apk-analysis/artguard/internal/snapshot"
	"github.com/spf13/cobra"
)

var snapshotOut string

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotOut, "output", "o", "", "write the restored snapshot to this path")
	rootCmd.AddCommand(snapshotCmd)
}

// snapshotCmd 离线分析快照文件
var snapshotCmd = &cobra.Command{
	Use:     "snapshot <file>",
	Aliases: []string{"snap"},
	Short:   "Analyze a captured memory snapshot",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		path := filepath.Clean(args[0])
		snap, err := snapshot.Load(path)
		if err != nil {
			return err
		}

		e, space, err := snap.Engine(cfg.Engine.EngineOptions(), logger)
		if err != nil {
			return err
		}
		result := e.Result(context.Background())

		if snapshotOut != "" {
			restored := snapshot.Capture(space, snap.Anchors, snap.Runtime)
			restored.PointerSize = snap.PointerSize
			if err := restored.Save(snapshotOut); err != nil {
				return fmt.Errorf("failed to save restored snapshot: %w", err)
			}
			logger.WithField("path", snapshotOut).Info("Restored snapshot saved")
		}
		return printResult(cmd.OutOrStdout(), path, result, e.Details())
	},
}
