package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	PredictionResult MessageType = "prediction_result"
	PredictionFailed MessageType = "prediction_failed"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 16
)

// Message 推送给客户端的消息
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Client WebSocket客户端
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub 将预测结果广播到所有已连接的客户端
type Hub struct {
	log      *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

// NewHub 创建WebSocket中心。allowedOrigins 为空或包含 "*" 时不检查来源
func NewHub(log *zap.Logger, metrics *Metrics, allowedOrigins []string) *Hub {
	h := &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// ServeHTTP 处理WebSocket连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}
	if !h.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(h)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.changed()
	h.log.Debug("websocket client connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop must be called with mu held.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.changed()
	h.log.Debug("websocket client disconnected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
}

func (h *Hub) changed() {
	if h.metrics != nil {
		h.metrics.setClients(len(h.clients))
	}
}

// Publish 广播消息；发送队列已满的客户端会被断开
func (h *Hub) Publish(msgType MessageType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Warn("websocket client too slow, dropping", zap.String("client", c.id))
			h.drop(c)
		}
	}
	return nil
}

// Clients 返回当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开所有客户端，之后的连接会被拒绝
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只用于检测断开，客户端消息被忽略
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}
