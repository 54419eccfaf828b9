package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/artguard/internal/config"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/reportlog"
	"github.com/apk-analysis/artguard/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	importPath := flag.String("import", "", "import reports from a JSONL report log")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 会迁移 scan_reports 表
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()
	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)

	if *importPath == "" {
		return
	}

	// 导入归档报告，已存在的报告跳过
	repo := repository.NewReportRepository(db)
	imported, skipped := 0, 0
	err = reportlog.ReadFile(*importPath, func(report *domain.ScanReport) error {
		if _, err := repo.FindByID(context.Background(), report.ID); err == nil {
			skipped++
			return nil
		}
		if err := repo.Create(context.Background(), report); err != nil {
			return fmt.Errorf("report %s: %w", report.ID, err)
		}
		imported++
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to import reports: %v", err)
	}
	fmt.Printf("✓ Imported %d reports (%d already present)\n", imported, skipped)
}
