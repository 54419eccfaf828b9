package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/artguard/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ReportEvent 推送给 WebSocket 客户端的消息
type ReportEvent struct {
	Type      string             `json:"type"` // report
	Report    *domain.ScanReport `json:"report"`
	Timestamp int64              `json:"timestamp"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan ReportEvent
}

// ReportHub 向订阅者实时推送新报告
type ReportHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewReportHub 创建推送中心
func NewReportHub(logger *logrus.Logger) *ReportHub {
	return &ReportHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// BroadcastReport 推送报告，慢客户端的消息被丢弃
func (h *ReportHub) BroadcastReport(report *domain.ScanReport) {
	event := ReportEvent{
		Type:      "report",
		Report:    report,
		Timestamp: time.Now().Unix(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			h.logger.Warn("WebSocket client too slow, dropping report")
		}
	}
}

// Clients 当前连接数
func (h *ReportHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket GET /ws/reports
func (h *ReportHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &hubClient{conn: conn, send: make(chan ReportEvent, 16)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.WithField("remote", c.Request.RemoteAddr).Info("WebSocket client connected")

	done := make(chan struct{})
	go h.writeLoop(client, done)

	// 读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	close(done)
	conn.Close()
	h.logger.WithField("remote", c.Request.RemoteAddr).Info("WebSocket client disconnected")
}

func (h *ReportHub) writeLoop(client *hubClient, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.WithError(err).Warn("Failed to write to WebSocket client")
				client.conn.Close()
				return
			}
		}
	}
}
