package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/repository"
	"github.com/apk-analysis/artguard/internal/snapshot"
	"github.com/apk-analysis/artguard/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReportService 报告查询
type ReportService interface {
	FindByID(ctx context.Context, id string) (*domain.ScanReport, error)
	List(ctx context.Context, filter repository.ReportFilter) ([]*domain.ScanReport, int64, error)
}

// RecentReports 内存中的最近报告
type RecentReports interface {
	Recent(id string) (*domain.ScanReport, error)
	RecentReports() []*domain.ScanReport
}

// SnapshotSubmitter 提交快照分析
type SnapshotSubmitter interface {
	SubmitAndWait(ctx context.Context, task *worker.Task) (*domain.ScanReport, error)
}

// ReportHandler 报告和快照接口
type ReportHandler struct {
	reports   ReportService // 数据库未启用时为 nil
	recent    RecentReports
	submitter SnapshotSubmitter
	uploadDir string
	maxUpload int64
	logger    *logrus.Logger
}

// NewReportHandler 创建处理器
func NewReportHandler(reports ReportService, recent RecentReports, submitter SnapshotSubmitter, uploadDir string, logger *logrus.Logger) *ReportHandler {
	return &ReportHandler{
		reports:   reports,
		recent:    recent,
		submitter: submitter,
		uploadDir: uploadDir,
		maxUpload: 512 << 20,
		logger:    logger,
	}
}

// ListReports GET /api/v1/reports
func (h *ReportHandler) ListReports(c *gin.Context) {
	if h.reports == nil {
		reports := h.recent.RecentReports()
		c.JSON(http.StatusOK, gin.H{"reports": reports, "total": len(reports)})
		return
	}

	filter := repository.ReportFilter{
		Source:    c.Query("source"),
		Framework: c.Query("framework"),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if raw := c.Query("flags"); raw != "" {
		flags, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flags"})
			return
		}
		f := int32(flags)
		filter.Flags = &f
	}

	reports, total, err := h.reports.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list reports")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reports"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "total": total})
}

// GetReport GET /api/v1/reports/:id
func (h *ReportHandler) GetReport(c *gin.Context) {
	id := c.Param("id")

	report, err := h.recent.Recent(id)
	if err != nil && h.reports != nil {
		report, err = h.reports.FindByID(c.Request.Context(), id)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		h.logger.WithError(err).WithField("report_id", id).Error("Failed to get report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// SubmitSnapshot POST /api/v1/snapshots
// 请求体为快照 JSON，或 multipart 表单中的 file 字段
func (h *ReportHandler) SubmitSnapshot(c *gin.Context) {
	body, err := h.openUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer body.Close()

	// 先解码校验，避免无效内容进入队列
	snap, err := snapshot.Decode(io.LimitReader(body, h.maxUpload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload dir")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store snapshot"})
		return
	}
	taskID := uuid.NewString()
	path := filepath.Join(h.uploadDir, taskID+".json")
	snap.Source = ""
	if err := snap.Save(path); err != nil {
		h.logger.WithError(err).Error("Failed to save snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store snapshot"})
		return
	}

	report, err := h.submitter.SubmitAndWait(c.Request.Context(), &worker.Task{ID: taskID, Path: path})
	switch {
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, snapshot.ErrInvalidSnapshot):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.WithError(err).WithField("task_id", taskID).Error("Snapshot analysis failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot analysis failed"})
	default:
		c.JSON(http.StatusCreated, report)
	}
}

func (h *ReportHandler) openUpload(c *gin.Context) (io.ReadCloser, error) {
	if c.ContentType() != "multipart/form-data" {
		if c.Request.Body == nil {
			return nil, fmt.Errorf("empty body")
		}
		return c.Request.Body, nil
	}

	header, err := c.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing file field: %w", err)
	}
	return header.Open()
}
