// Package queue RabbitMQ 报告发布和快照请求消费
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 通道不可用
var ErrNotConnected = errors.New("rabbitmq channel not connected")

// Config RabbitMQ 连接配置
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 默认 10 秒
}

// URL AMQP 连接地址
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

// RabbitMQ 绑定单个持久化队列的客户端
type RabbitMQ struct {
	config        *Config
	queueName     string
	prefetchCount int
	maxRetries    int
	logger        *logrus.Logger

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// NewRabbitMQ 连接并声明队列，prefetchCount 与消费并发数一致
func NewRabbitMQ(config *Config, queueName string, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:        config,
		queueName:     queueName,
		prefetchCount: prefetchCount,
		maxRetries:    10,
		logger:        logger,
		reconnect:     make(chan struct{}, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// StartConnectionWatcher 监听连接和通道关闭事件，直到客户端关闭
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			select {
			case amqpErr = <-connNotify:
			case amqpErr = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			if amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}

			mq.triggerReconnect()

			// 等待重连完成后再监听新的通知通道
			for !mq.isClosed() && !mq.IsConnected() {
				time.Sleep(time.Second)
			}
		}
	}()
}

// KeepAlive 启动连接监听，断开后自动重连，成功后调用 onReconnect
func (mq *RabbitMQ) KeepAlive(ctx context.Context, onReconnect func()) {
	mq.StartConnectionWatcher()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-mq.reconnect:
			}

			if err := mq.Reconnect(); err != nil {
				if mq.isClosed() {
					return
				}
				mq.logger.WithError(err).Error("Failed to reconnect, will retry")
				mq.triggerReconnect()
				continue
			}
			if onReconnect != nil {
				onReconnect()
			}
		}
	}()
}

func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- struct{}{}:
	default:
	}
}

// Reconnect 关闭旧连接后按线性退避重连
func (mq *RabbitMQ) Reconnect() error {
	mq.closeConnections()

	for attempt := 1; attempt <= mq.maxRetries; attempt++ {
		if mq.isClosed() {
			return ErrNotConnected
		}
		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).Warnf("Reconnect attempt %d/%d failed", attempt, mq.maxRetries)
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.maxRetries)
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueSize 队列中的消息数
func (mq *RabbitMQ) QueueSize() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	queue, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, err
	}
	return queue.Messages, nil
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.WithField("queue", mq.queueName).Info("RabbitMQ connection closed")
	return nil
}
