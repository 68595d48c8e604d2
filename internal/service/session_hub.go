package service

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"exam_proctor_agent/internal/model"
	"exam_proctor_agent/pkg/logger"
	"exam_proctor_agent/pkg/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// 推送给考试壳的事件类型
const (
	EventClockTick    = "CLOCK_TICK"
	EventViolation    = "VIOLATION"
	EventConnectivity = "CONNECTIVITY"
	EventSubmitState  = "SUBMIT_STATE"
	EventFileDecision = "FILE_DECISION_REQUIRED"
	EventSessionEnd   = "SESSION_END"

	// 壳端上行
	EventViewport = "VIEWPORT"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 只监听回环地址，跨源检查交给壳端令牌
		return true
	},
}

type EventMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	Hub     *SessionHub
	Conn    *websocket.Conn
	Send    chan []byte
	Limiter *rate.Limiter
}

func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("shell websocket unexpected close", zap.Error(err))
			}
			break
		}

		// 每秒最多 30 条，允许突发 50 条
		if !c.Limiter.Allow() {
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		monitoring.WSMessageCounter.WithLabelValues(msg.Type, "in").Inc()

		if msg.Type == EventViewport {
			var vp model.ViewportMetrics
			if err := json.Unmarshal(msg.Data, &vp); err != nil {
				continue
			}
			c.Hub.handleViewport(vp)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if n := len(c.Send); n > 0 {
				for i := 0; i < n; i++ {
					w.Write(<-c.Send)
				}
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SessionHub 代理进程到考试壳的事件通道。正常只有一个壳连接，
// 但注册表按集合管理，壳崩溃重连的瞬间允许短暂并存。
type SessionHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	viewportMu sync.RWMutex
	onViewport func(model.ViewportMetrics)
}

func NewSessionHub() *SessionHub {
	return &SessionHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// OnViewport 注册壳端窗口采样的处理函数，会话启动时重新绑定
func (h *SessionHub) OnViewport(fn func(model.ViewportMetrics)) {
	h.viewportMu.Lock()
	h.onViewport = fn
	h.viewportMu.Unlock()
}

func (h *SessionHub) handleViewport(vp model.ViewportMetrics) {
	h.viewportMu.RLock()
	fn := h.onViewport
	h.viewportMu.RUnlock()
	if fn != nil {
		fn(vp)
	}
}

func (h *SessionHub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			monitoring.ShellConnections.Set(float64(len(h.clients)))
			logger.Log.Info("shell connected", zap.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				monitoring.ShellConnections.Set(float64(len(h.clients)))
				logger.Log.Info("shell disconnected", zap.Int("clients", len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					// 写不进去说明壳已僵死，踢掉等它重连
					delete(h.clients, client)
					close(client.Send)
				}
			}
			monitoring.ShellConnections.Set(float64(len(h.clients)))

		case <-ctx.Done():
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			monitoring.ShellConnections.Set(0)
			return
		}
	}
}

// Broadcast 向壳推送一条事件，壳不在线时事件丢弃
func (h *SessionHub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(EventMessage{Type: eventType, Data: data})
	if err != nil {
		logger.Log.Error("event marshal failed", zap.String("type", eventType), zap.Error(err))
		return
	}

	monitoring.WSMessageCounter.WithLabelValues(eventType, "out").Inc()

	select {
	case h.broadcast <- payload:
	default:
		logger.Log.Warn("event dropped, hub backlog full", zap.String("type", eventType))
	}
}

func ServeWs(hub *SessionHub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		Limiter: rate.NewLimiter(rate.Limit(30), 50),
	}
	client.Hub.register <- client

	go client.writePump()
	go client.readPump()
}
