package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/engine"
	"github.com/apk-analysis/artguard/internal/retry"
	"github.com/apk-analysis/artguard/internal/snapshot"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ReportStore 报告持久化
type ReportStore interface {
	Create(ctx context.Context, report *domain.ScanReport) error
}

// ReportPublisher 报告投递到消息队列
type ReportPublisher interface {
	PublishReport(ctx context.Context, report *domain.ScanReport) error
}

// Broadcaster 报告推送到实时订阅者
type Broadcaster interface {
	BroadcastReport(report *domain.ScanReport)
}

// Recorder 报告和 worker 池指标
type Recorder interface {
	RecordReport(sink string, err error)
	RecordSnapshotReceived()
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// AnalyzerOption 可选依赖
type AnalyzerOption func(*Analyzer)

// WithStore 报告写入数据库
func WithStore(store ReportStore, retryConfig *retry.Config) AnalyzerOption {
	return func(a *Analyzer) {
		a.store = store
		a.storeRetry = retryConfig
	}
}

// WithPublisher 报告发布到消息队列
func WithPublisher(p ReportPublisher) AnalyzerOption {
	return func(a *Analyzer) { a.publisher = p }
}

// WithBroadcaster 报告推送到 WebSocket
func WithBroadcaster(b Broadcaster) AnalyzerOption {
	return func(a *Analyzer) { a.broadcaster = b }
}

// WithRecorder 指标记录
func WithRecorder(r Recorder) AnalyzerOption {
	return func(a *Analyzer) { a.recorder = r }
}

// WithObserver 扫描引擎观察者
func WithObserver(o engine.Observer) AnalyzerOption {
	return func(a *Analyzer) { a.observer = o }
}

// Analyzer 离线快照分析: 加载快照、运行独立引擎、分发报告
type Analyzer struct {
	base        engine.Options
	logger      *logrus.Logger
	store       ReportStore
	storeRetry  *retry.Config
	publisher   ReportPublisher
	broadcaster Broadcaster
	recorder    Recorder
	observer    engine.Observer
	recent      *lru.Cache[string, *domain.ScanReport]
}

// NewAnalyzer 创建分析器，recentSize 为内存中保留的最近报告数
func NewAnalyzer(base engine.Options, recentSize int, logger *logrus.Logger, options ...AnalyzerOption) *Analyzer {
	if recentSize <= 0 {
		recentSize = 128
	}
	recent, _ := lru.New[string, *domain.ScanReport](recentSize)

	a := &Analyzer{
		base:     base,
		logger:   logger,
		observer: engine.NopObserver{},
		recent:   recent,
	}
	for _, opt := range options {
		opt(a)
	}
	if a.storeRetry == nil {
		a.storeRetry = retry.DefaultConfig("db")
		a.storeRetry.MaxAttempts = 1
		a.storeRetry.Logger = logger
	}
	return a
}

// AnalyzeFile 加载快照文件并分析
func (a *Analyzer) AnalyzeFile(ctx context.Context, path string) (*domain.ScanReport, error) {
	if a.recorder != nil {
		a.recorder.RecordSnapshotReceived()
	}
	snap, err := snapshot.Load(path)
	if err != nil {
		return nil, err
	}
	return a.AnalyzeSnapshot(ctx, snap)
}

// AnalyzeSnapshot 分析已解码的快照，快照本身不被修改
func (a *Analyzer) AnalyzeSnapshot(ctx context.Context, snap *snapshot.Snapshot) (*domain.ScanReport, error) {
	start := time.Now()

	e, _, err := snap.Engine(a.base, a.logger, engine.WithObserver(a.observer))
	if err != nil {
		return nil, err
	}
	result := e.Result(ctx)

	source := snap.Source
	if source == "" {
		source = "snapshot"
	}
	report := domain.NewScanReport(uuid.NewString(), source, result)

	a.logger.WithFields(logrus.Fields{
		"report_id": report.ID,
		"source":    source,
		"flags":     result.Flags,
		"framework": result.FrameworkName,
		"duration":  time.Since(start),
	}).Info("Snapshot analyzed")

	a.Deliver(ctx, report)
	return report, nil
}

// Deliver 分发报告到各个目的地，投递失败只记录日志
func (a *Analyzer) Deliver(ctx context.Context, report *domain.ScanReport) {
	a.recent.Add(report.ID, report)

	if a.store != nil {
		err := retry.Do(ctx, a.storeRetry, func(ctx context.Context) error {
			return a.store.Create(ctx, report)
		})
		a.record("db", report, err)
	}
	if a.publisher != nil {
		a.record("mq", report, a.publisher.PublishReport(ctx, report))
	}
	if a.broadcaster != nil {
		a.broadcaster.BroadcastReport(report)
		a.record("ws", report, nil)
	}
}

func (a *Analyzer) record(sink string, report *domain.ScanReport, err error) {
	if a.recorder != nil {
		a.recorder.RecordReport(sink, err)
	}
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"sink":      sink,
			"report_id": report.ID,
		}).Error("Failed to deliver report")
	}
}

// Recent 按 ID 查询内存中的最近报告
func (a *Analyzer) Recent(id string) (*domain.ScanReport, error) {
	report, ok := a.recent.Get(id)
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
	}
	return report, nil
}

// RecentReports 最近报告，按最近使用排序
func (a *Analyzer) RecentReports() []*domain.ScanReport {
	keys := a.recent.Keys()
	reports := make([]*domain.ScanReport, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if report, ok := a.recent.Peek(keys[i]); ok {
			reports = append(reports, report)
		}
	}
	return reports
}
