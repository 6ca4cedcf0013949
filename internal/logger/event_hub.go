package logger

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 事件类型
const (
	EventState    = "state"
	EventSummary  = "summary"
	EventLoopExit = "loop_exit"
	EventLog      = "log"
	EventWelcome  = "welcome"
)

const writeWait = time.Second

// Event 推送给仪表盘的事件
type Event struct {
	Type      string      `json:"type"`
	Level     string      `json:"level,omitempty"`
	Message   string      `json:"message,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHub WebSocket事件广播器
// 所有写操作都在 Run 所在协程中完成
type EventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	dropped atomic.Int64
	sent    atomic.Int64
}

// NewEventHub 创建事件广播器，bufferSize 为待广播事件的缓冲
func NewEventHub(bufferSize int) *EventHub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, bufferSize),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源，跨域由控制接口的 CORS 负责
			},
		},
	}
}

// Run 运行广播循环直到 ctx 结束，退出时关闭所有连接
func (h *EventHub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			logrus.WithField("clients", count).Debug("Event client connected")

		case client := <-h.unregister:
			h.remove(client)

		case event := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteJSON(event); err != nil {
					logrus.WithError(err).Debug("Drop event client")
					h.remove(client)
					continue
				}
				h.sent.Add(1)
			}
		}
	}
}

func (h *EventHub) remove(client *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.Close()
	}
}

// Publish 投递事件，缓冲已满时丢弃
func (h *EventHub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount 当前连接数
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats 获取广播统计
func (h *EventHub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"clients": h.ClientCount(),
		"sent":    h.sent.Load(),
		"dropped": h.dropped.Load(),
	}
}

// HandleWebSocket 处理WebSocket连接
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	// 注册前发送欢迎消息，注册后只有 Run 协程写入
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Event{
		Type:      EventWelcome,
		Message:   "connected to FaceReaderBridge event stream",
		Timestamp: time.Now(),
	}); err != nil {
		conn.Close()
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	// 只读取以感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Debug("Event client read failed")
			}
			return
		}
	}
}

// Hook 返回把告警及以上日志转发到广播器的 logrus 钩子
func (h *EventHub) Hook() logrus.Hook {
	return &hubHook{hub: h}
}

type hubHook struct {
	hub *EventHub
}

func (k *hubHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (k *hubHook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for key, value := range entry.Data {
		if err, ok := value.(error); ok {
			fields[key] = err.Error()
			continue
		}
		fields[key] = value
	}

	event := Event{
		Type:      EventLog,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: entry.Time,
	}
	if id, ok := fields["session_id"].(string); ok {
		event.SessionID = id
	}
	if len(fields) > 0 {
		event.Data = fields
	}

	k.hub.Publish(event)
	return nil
}
