package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/apk-analysis/artguard/internal/retry"
	"github.com/sirupsen/logrus"
)

// ReportMessage 发布到报告队列的消息
type ReportMessage struct {
	ReportID string             `json:"report_id"`
	Source   string             `json:"source"`
	Result   *domain.ScanResult `json:"result"`
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 报告生产者
type Producer struct {
	publisher Publisher
	retry     *retry.Config
	logger    *logrus.Logger
}

// NewProducer 创建生产者，retryConfig 为 nil 时只尝试一次
func NewProducer(publisher Publisher, retryConfig *retry.Config, logger *logrus.Logger) *Producer {
	if retryConfig == nil {
		retryConfig = retry.DefaultConfig("mq")
		retryConfig.MaxAttempts = 1
		retryConfig.Logger = logger
	}
	return &Producer{
		publisher: publisher,
		retry:     retryConfig,
		logger:    logger,
	}
}

// PublishReport 发布扫描报告
func (p *Producer) PublishReport(ctx context.Context, report *domain.ScanReport) error {
	body, err := json.Marshal(&ReportMessage{
		ReportID: report.ID,
		Source:   report.Source,
		Result:   report.Result,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, body)
	})
	if err != nil {
		p.logger.WithError(err).WithField("report_id", report.ID).Error("Failed to publish report")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"report_id": report.ID,
		"source":    report.Source,
	}).Info("Report published to queue")
	return nil
}
