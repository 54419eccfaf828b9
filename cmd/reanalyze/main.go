package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/artguard/internal/config"
	"github.com/apk-analysis/artguard/internal/repository"
	"github.com/apk-analysis/artguard/internal/retry"
	"github.com/apk-analysis/artguard/internal/worker"
)

// 重新分析快照文件，并把报告写入数据库
// 用法: reanalyze --config configs/config.yaml snap1.json snap2.json
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	flag.Parse()
	if flag.NArg() == 0 {
		log.Fatal("no snapshot files given")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)

	var options []worker.AnalyzerOption
	if cfg.Database.Enabled {
		db, err := repository.InitDB(&cfg.Database, logger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		storeRetry := retry.DefaultConfig("db")
		storeRetry.Logger = logger
		options = append(options, worker.WithStore(repository.NewReportRepository(db), storeRetry))
	}
	analyzer := worker.NewAnalyzer(cfg.Engine.EngineOptions(), flag.NArg(), logger, options...)

	failed := 0
	for _, path := range flag.Args() {
		fmt.Printf("\n🔄 Re-analyzing snapshot: %s\n", path)
		report, err := analyzer.AnalyzeFile(context.Background(), path)
		if err != nil {
			failed++
			log.Printf("❌ Failed to analyze %s: %v", path, err)
			continue
		}
		fmt.Printf("✅ %s: flags=%d framework=%q report=%s\n", path, report.Flags, report.FrameworkName, report.ID)
	}

	fmt.Printf("\n🎉 %d/%d snapshots reanalyzed\n", flag.NArg()-failed, flag.NArg())
}
