package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器，同时作为扫描引擎的观察者
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 扫描指标
	scansTotal    *prometheus.CounterVec
	scanDuration  prometheus.Histogram
	entriesTotal  *prometheus.CounterVec
	resultFlags   prometheus.Gauge
	textPages     prometheus.Counter
	reportsTotal  *prometheus.CounterVec
	snapshotsSeen prometheus.Counter

	// 运行状态，按标签区分
	process    *prometheus.GaugeVec // stat: heap_alloc_bytes, goroutines, gc_cycles
	workerPool *prometheus.GaugeVec // state: workers, busy, queued
	dbPool     *prometheus.GaugeVec // state: open, idle, in_use

	// 投递重试
	retryAttempts  *prometheus.CounterVec
	retryRecovered *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "artguard"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),

		scansTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Total number of completed scans",
			},
			[]string{"result"}, // ok, layout_not_supported, failed
		),
		scanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scan_duration_seconds",
				Help:      "Scan duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		entriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_total",
				Help:      "Scanned entries by kind and final tag",
			},
			[]string{"kind", "tag"},
		),
		resultFlags: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "result_flags",
				Help:      "Status bits of the most recent scan",
			},
		),
		textPages: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_text_pages_restored_total",
				Help:      "Runtime text pages rewritten from the on-disk image",
			},
		),
		reportsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_total",
				Help:      "Scan reports delivered by sink",
			},
			[]string{"sink", "status"}, // sink: db/mq/ws
		),
		snapshotsSeen: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_received_total",
				Help:      "Snapshots picked up from the inbox or the API",
			},
		),

		process: gaugeVec(namespace, "process_stats",
			"Scanner process runtime statistics", "stat"),
		workerPool: gaugeVec(namespace, "worker_pool",
			"Snapshot worker pool size, busy workers and queued snapshots", "state"),
		dbPool: gaugeVec(namespace, "db_pool_connections",
			"Report database connection pool", "state"),

		retryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_retry_attempts_total",
				Help:      "Report delivery attempts by attempt number",
			},
			[]string{"operation", "attempt"}, // operation: db/mq
		),
		retryRecovered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_retry_recovered_total",
				Help:      "Report deliveries that succeeded after at least one retry",
			},
			[]string{"operation"},
		),
	}

	logger.WithField("namespace", namespace).Info("Prometheus metrics initialized")
	return pm
}

func gaugeVec(namespace, name, help string, label string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{label})
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// ObserveEntry 记录单个条目的最终标记
func (pm *PrometheusMetrics) ObserveEntry(kind string, tag domain.Tag) {
	pm.entriesTotal.WithLabelValues(kind, tag.String()).Inc()
}

// ObserveScan 记录一次扫描
func (pm *PrometheusMetrics) ObserveScan(result *domain.ScanResult, elapsed time.Duration, err error) {
	pm.scansTotal.WithLabelValues(scanResultLabel(err)).Inc()
	pm.scanDuration.Observe(elapsed.Seconds())
	if result != nil {
		pm.resultFlags.Set(float64(result.Flags))
		pm.textPages.Add(float64(result.RuntimeTextPages))
	}
}

func scanResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrLayoutNotSupported):
		return "layout_not_supported"
	default:
		return "failed"
	}
}

// RecordReport 记录报告投递
func (pm *PrometheusMetrics) RecordReport(sink string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	pm.reportsTotal.WithLabelValues(sink, status).Inc()
}

// RecordSnapshotReceived 记录收到的快照
func (pm *PrometheusMetrics) RecordSnapshotReceived() {
	pm.snapshotsSeen.Inc()
}

// UpdateMemoryStats 更新进程运行状态
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.process.WithLabelValues("heap_alloc_bytes").Set(float64(stats.Alloc))
	pm.process.WithLabelValues("goroutines").Set(float64(stats.Goroutines))
	pm.process.WithLabelValues("gc_cycles").Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新快照 worker 池状态
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPool.WithLabelValues("workers").Set(float64(size))
	pm.workerPool.WithLabelValues("busy").Set(float64(active))
	pm.workerPool.WithLabelValues("queued").Set(float64(queueSize))
}

// UpdateDBStats 更新报告库连接池状态
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbPool.WithLabelValues("open").Set(float64(open))
	pm.dbPool.WithLabelValues("idle").Set(float64(idle))
	pm.dbPool.WithLabelValues("in_use").Set(float64(inUse))
}

// RecordRetryAttempt 记录一次投递尝试，attempt 从 1 开始
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttempts.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// RecordRetrySuccess 记录重试后成功的投递
func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retryRecovered.WithLabelValues(operation).Inc()
}
