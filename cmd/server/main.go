package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/artguard/internal/api"
	"github.com/apk-analysis/artguard/internal/api/handlers"
	"github.com/apk-analysis/artguard/internal/boundary"
	"github.com/apk-analysis/artguard/internal/config"
	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/memory"
	"github.com/apk-analysis/artguard/internal/middleware"
	"github.com/apk-analysis/artguard/internal/queue"
	"github.com/apk-analysis/artguard/internal/reportlog"
	"github.com/apk-analysis/artguard/internal/repository"
	"github.com/apk-analysis/artguard/internal/retry"
	"github.com/apk-analysis/artguard/internal/watcher"
	"github.com/apk-analysis/artguard/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("ArtGuard Hook Scanner\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	flag.Parse()

	path := *configPath
	if _, err := os.Stat(path); err != nil {
		log.Printf("Config %s not found, using defaults", path)
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting ArtGuard %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 初始化监控
	metrics := middleware.NewPrometheusMetrics(logger, cfg.Metrics.Namespace)
	memMonitor := middleware.NewMemoryMonitor(logger, metrics, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 5. 初始化数据库 (可选)
	var db *gorm.DB
	var reports repository.ReportRepository
	if cfg.Database.Enabled {
		db, err = repository.InitDB(&cfg.Database, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize database: %v", err)
		}
		reports = repository.NewReportRepository(db)
		go sampleDBStats(ctx, db, metrics)
		logger.WithField("type", cfg.Database.Type).Info("Database connected")
	}

	// 6. 初始化推送和分析器
	hub := handlers.NewReportHub(logger)
	analyzerOptions := []worker.AnalyzerOption{
		worker.WithBroadcaster(hub),
		worker.WithRecorder(metrics),
		worker.WithObserver(metrics),
	}
	var archive *reportlog.Writer
	if reports != nil {
		dbRetry := retry.DefaultConfig("db")
		dbRetry.Logger = logger
		dbRetry.Recorder = metrics
		analyzerOptions = append(analyzerOptions, worker.WithStore(reports, dbRetry))
	} else if cfg.ReportLog != "" {
		archive, err = reportlog.NewWriter(cfg.ReportLog)
		if err != nil {
			logger.Fatalf("Failed to open report log: %v", err)
		}
		analyzerOptions = append(analyzerOptions, worker.WithStore(archive, nil))
		logger.WithField("path", cfg.ReportLog).Info("Database disabled, archiving reports to file")
	}

	// 7. 初始化 RabbitMQ (可选)
	var reportMQ, requestMQ *queue.RabbitMQ
	var consumer *queue.Consumer
	mqConfig := &queue.Config{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}
	if cfg.RabbitMQ.Enabled {
		reportMQ, err = queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.Queue, 1, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		reportMQ.KeepAlive(ctx, nil)

		mqRetry := retry.DefaultConfig("mq")
		mqRetry.Logger = logger
		mqRetry.Recorder = metrics
		producer := queue.NewProducer(reportMQ, mqRetry, logger)
		analyzerOptions = append(analyzerOptions, worker.WithPublisher(producer))
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("Report publisher ready")
	}

	analyzer := worker.NewAnalyzer(cfg.Engine.EngineOptions(), 0, logger, analyzerOptions...)

	// 8. 启动 Worker 池
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, analyzer, metrics, logger)
	pool.Start(ctx)

	// 9. 快照请求消费者 (可选)
	if cfg.RabbitMQ.Enabled && cfg.RabbitMQ.RequestQueue != "" {
		requestMQ, err = queue.NewRabbitMQ(mqConfig, cfg.RabbitMQ.RequestQueue, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}

		consumer = queue.NewConsumer(requestMQ, func(ctx context.Context, msg *queue.SnapshotMessage) error {
			id := msg.RequestID
			if id == "" {
				id = uuid.NewString()
			}
			_, err := pool.SubmitAndWait(ctx, &worker.Task{ID: id, Path: msg.Path})
			if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrPoolStopped) {
				return queue.ErrRequeue
			}
			return err
		}, cfg.Worker.Concurrency, logger)

		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		requestMQ.KeepAlive(ctx, func() { consumer.Restart(ctx) })
		logger.WithField("queue", cfg.RabbitMQ.RequestQueue).Info("Snapshot consumer started")
	}

	// 10. 启动收件目录监控 (可选)
	var inbox *watcher.FileWatcher
	if cfg.Inbox.Enabled {
		inbox, err = watcher.NewFileWatcher(cfg.Inbox.Dir, watcher.Options{
			Patterns:     cfg.Inbox.Patterns,
			Debounce:     cfg.Inbox.Debounce,
			ScanExisting: true,
		}, func(ctx context.Context, filePath string) error {
			return pool.Submit(&worker.Task{ID: uuid.NewString(), Path: filePath})
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to create inbox watcher: %v", err)
		}
		if err := inbox.Start(ctx); err != nil {
			logger.Fatalf("Failed to start inbox watcher: %v", err)
		}
		logger.WithField("dir", inbox.WatchDir()).Info("Inbox watcher started")
	}

	// 11. 初始化目标进程的扫描引擎
	var proc *memory.Proc
	adapter := boundary.Init(func() (boundary.Provider, error) {
		p, err := memory.OpenProc(cfg.Engine.Pid)
		if err != nil {
			return nil, err
		}
		proc = p
		return engine.New(p, cfg.Engine.EngineOptions(), logger, engine.WithObserver(metrics)), nil
	})
	if adapter.Degraded() {
		logger.WithError(adapter.Err()).Warn("Process engine unavailable, serving degraded results")
	} else if cfg.Engine.ScanOnStart {
		go runStartupScan(ctx, adapter, analyzer, cfg.Engine.Pid, logger)
	}

	// 12. 设置路由
	router := api.SetupRouter(cfg, logger, api.Deps{
		Adapter:    adapter,
		Reports:    reports,
		Recent:     analyzer,
		Submitter:  pool,
		Hub:        hub,
		Metrics:    metrics,
		MemMonitor: memMonitor,
	})

	// 13. 启动 HTTP 服务器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("Server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 14. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 15. 优雅关闭 (30秒超时)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if inbox != nil {
		inbox.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	pool.Stop()
	cancel()

	for _, mq := range []*queue.RabbitMQ{requestMQ, reportMQ} {
		if mq != nil {
			mq.Close()
		}
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if archive != nil {
		archive.Close()
	}
	if proc != nil {
		proc.Close()
	}

	logger.Info("Server stopped")
}

// sampleDBStats 定期上报连接池状态
func sampleDBStats(ctx context.Context, db *gorm.DB, metrics *middleware.PrometheusMetrics) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		metrics.UpdateDBStats(stats.OpenConnections, stats.Idle, stats.InUse)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runStartupScan 启动时触发一次扫描，结果作为报告分发
func runStartupScan(ctx context.Context, adapter *boundary.Adapter, analyzer *worker.Analyzer, pid int, logger *logrus.Logger) {
	start := time.Now()
	result := adapter.Result()
	logger.WithFields(logrus.Fields{
		"flags":     result.Flags,
		"framework": result.FrameworkName,
		"unhooked":  len(result.UnhookedMethods),
		"cleared":   len(result.ClearedCallbacks),
		"elapsed":   time.Since(start).String(),
	}).Info("Startup scan completed")

	report := domain.NewScanReport(uuid.NewString(), fmt.Sprintf("pid:%d", pid), result)
	analyzer.Deliver(ctx, report)
}
