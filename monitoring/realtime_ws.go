package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fittrack/db"
)

// MessageType 消息类型
type MessageType string

const (
	LeaderboardUpdate MessageType = "leaderboard"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// Message 推送消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// LeaderboardMessage 排行榜数据
type LeaderboardMessage struct {
	Date    string                `json:"date"`
	Entries []db.LeaderboardEntry `json:"entries"`
}

// SnapshotFunc 返回新连接客户端的初始排行榜
type SnapshotFunc func(ctx context.Context) (string, []db.LeaderboardEntry, error)

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

// LeaderboardHub 排行榜WebSocket中心
type LeaderboardHub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	snapshot   SnapshotFunc
	metrics    *Metrics
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewLeaderboardHub 创建排行榜中心
func NewLeaderboardHub(snapshot SnapshotFunc, metrics *Metrics, logger *zap.Logger) *LeaderboardHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &LeaderboardHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		snapshot: snapshot,
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动中心，阻塞直到 Stop
func (h *LeaderboardHub) Start() {
	defer h.logger.Info("leaderboard hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.setClientGauge(n)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client", client.clientID), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.setClientGauge(n)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client", client.clientID), zap.Int("total", n))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.setClientGauge(0)
			return
		}
	}
}

// Stop 停止中心
func (h *LeaderboardHub) Stop() {
	h.cancel()
}

// ClientCount 当前连接数
func (h *LeaderboardHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *LeaderboardHub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.GaugeWSClients.Set(float64(n))
	}
}

// HandleWebSocket 处理WebSocket连接
func (h *LeaderboardHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:     conn,
		send:     make(chan []byte, 16),
		clientID: uuid.NewString(),
	}

	if h.snapshot != nil {
		date, entries, err := h.snapshot(r.Context())
		if err != nil {
			h.logger.Warn("leaderboard snapshot failed", zap.Error(err))
		} else if msg, err := newLeaderboardMessage(date, entries); err == nil {
			client.send <- msg
		}
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// PublishLeaderboard 实现 tracker.LeaderboardPublisher
func (h *LeaderboardHub) PublishLeaderboard(date string, entries []db.LeaderboardEntry) {
	msg, err := newLeaderboardMessage(date, entries)
	if err != nil {
		h.logger.Error("encode leaderboard", zap.Error(err))
		return
	}
	h.Broadcast(msg)
}

// Broadcast 广播消息
func (h *LeaderboardHub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("websocket broadcast queue is full, dropping message")
	}
}

func newLeaderboardMessage(date string, entries []db.LeaderboardEntry) ([]byte, error) {
	if entries == nil {
		entries = []db.LeaderboardEntry{}
	}
	data, err := json.Marshal(LeaderboardMessage{Date: date, Entries: entries})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      LeaderboardUpdate,
		Timestamp: time.Now().UTC(),
		Data:      data,
		ID:        uuid.NewString(),
	})
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
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
				logger.Debug("websocket write error", zap.Error(err))
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

// readPump 只处理控制帧，客户端消息被丢弃
func (c *Client) readPump(h *LeaderboardHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket error", zap.Error(err))
			}
			return
		}
	}
}
