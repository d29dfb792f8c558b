package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mailtrace/backend/internal/domain"
	"mailtrace/backend/internal/maillog"
	"mailtrace/backend/internal/monitoring"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeStatus  MessageType = "status"
	MessageTypeTimeout MessageType = "timeout"
	MessageTypeError   MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType           `json:"type"`
	QueueID   string                `json:"queue_id"`
	Status    domain.DeliveryStatus `json:"status,omitempty"`
	Message   string                `json:"message,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Watcher 持续检查队列ID状态
type Watcher interface {
	Watch(ctx context.Context, queueID string, onUpdate func(domain.StatusResult)) (domain.StatusResult, error)
}

// StatusStreamer 通过 WebSocket 推送单个队列ID的状态变化，得到终态后关闭连接。
type StatusStreamer struct {
	upgrader websocket.Upgrader
	watcher  Watcher
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			if requestOrigin == "http://"+r.Host || requestOrigin == "https://"+r.Host {
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// NewStatusStreamer 创建状态推送处理器
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时只允许同源
//   - watcher: 状态跟踪实现
func NewStatusStreamer(allowedOrigins []string, watcher Watcher, metrics *monitoring.Metrics, log *zap.Logger) *StatusStreamer {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusStreamer{
		upgrader: upgraderFactory(allowedOrigins),
		watcher:  watcher,
		metrics:  metrics,
		log:      log,
	}
}

// Handle 处理 GET /ws/status?queue_id=
func (s *StatusStreamer) Handle(c *gin.Context) {
	queueID := c.Query("queue_id")
	if queueID == "" {
		c.JSON(http.StatusBadRequest, domain.ErrorResult(domain.MsgNoQueueID))
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.WatchSessions.Inc()
		defer s.metrics.WatchSessions.Dec()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sess := &session{conn: conn, queueID: queueID, log: s.log}
	defer sess.close()

	go sess.readPump(cancel)
	go sess.pingLoop(ctx)

	res, err := s.watcher.Watch(ctx, queueID, func(r domain.StatusResult) {
		sess.send(Message{Type: MessageTypeStatus, QueueID: queueID, Status: r.Status, Message: r.Message})
	})

	switch {
	case errors.Is(err, maillog.ErrWatchTimeout):
		sess.send(Message{Type: MessageTypeTimeout, QueueID: queueID, Status: res.Status, Message: res.Message})
	case err != nil && ctx.Err() == nil:
		sess.send(Message{Type: MessageTypeError, QueueID: queueID, Message: err.Error()})
	}
}

type session struct {
	conn    *websocket.Conn
	queueID string
	log     *zap.Logger
	mu      sync.Mutex
}

// readPump 只处理控制帧，客户端断开时取消跟踪
func (s *session) readPump(cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) send(msg Message) {
	msg.Timestamp = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Debug("websocket write failed", zap.String("queue_id", s.queueID), zap.Error(err))
	}
}

func (s *session) close() {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.mu.Unlock()
	_ = s.conn.Close()
}
