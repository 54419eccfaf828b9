package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// SnapshotMessage 快照扫描请求
type SnapshotMessage struct {
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
}

// SnapshotHandler 快照请求处理函数
type SnapshotHandler func(ctx context.Context, msg *SnapshotMessage) error

// ErrRequeue 处理函数返回该错误时消息重新入队
var ErrRequeue = errors.New("requeue message")

// Source 消息来源
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
}

// Consumer 快照请求消费者
type Consumer struct {
	source     Source
	handler    SnapshotHandler
	workerPool int
	logger     *logrus.Logger

	mu            sync.Mutex
	running       bool
	cancelFunc    context.CancelFunc
	workerWg      sync.WaitGroup
	activeWorkers int32
}

// NewConsumer 创建消费者
func NewConsumer(source Source, handler SnapshotHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}
	return &Consumer{
		source:     source,
		handler:    handler,
		workerPool: workerPool,
		logger:     logger,
	}
}

// Start 启动消费
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.source.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.Infof("Snapshot consumer started with %d workers", c.workerPool)
	return nil
}

// Restart 重连后重新消费
func (c *Consumer) Restart(ctx context.Context) {
	c.Stop()
	if err := c.Start(ctx); err != nil {
		c.logger.WithError(err).Error("Failed to restart consumer")
	}
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息，格式错误直接丢弃
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	start := time.Now()

	var msg SnapshotMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.Path == "" {
		c.logger.WithError(err).Error("Invalid snapshot message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id":  workerID,
		"path":       msg.Path,
		"request_id": msg.RequestID,
	})

	if err := c.handler(ctx, &msg); err != nil {
		requeue := errors.Is(err, ErrRequeue)
		log.WithError(err).WithField("requeue", requeue).Error("Snapshot request failed")
		delivery.Nack(false, requeue)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start)).Info("Snapshot request accepted")
}

// Stop 停止消费并等待 worker 退出
func (c *Consumer) Stop() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	c.workerWg.Wait()
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
