package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/cribwatch/server/audio"
	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 32
)

type StatusProvider interface {
	GetStatus() models.Status
}

type ClientMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type outbound struct {
	kind int
	data []byte
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan outbound
	id      string
	dropped atomic.Int64
}

// Hub pushes status snapshots and live audio to every connected dashboard.
// A client that cannot keep up loses messages instead of slowing the
// broadcaster.
type Hub struct {
	status   StatusProvider
	interval time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mutex   sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(status StatusProvider, interval time.Duration, logger *zap.Logger) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		status:   status,
		interval: interval,
		logger:   logger,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run broadcasts the status every interval until ctx is cancelled, then
// closes all clients.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.BroadcastStatus(h.status.GetStatus())
		}
	}
}

func (h *Hub) BroadcastStatus(status models.Status) {
	data, err := json.Marshal(ServerMessage{Type: "status", Data: status})
	if err != nil {
		h.logger.Error("Failed to encode status", zap.Error(err))
		return
	}
	h.broadcast(outbound{kind: websocket.TextMessage, data: data})
}

// BroadcastAudio sends the chunk as little-endian 16-bit PCM.
func (h *Hub) BroadcastAudio(chunk models.AudioChunk) {
	if h.ClientCount() == 0 {
		return
	}
	h.broadcast(outbound{kind: websocket.BinaryMessage, data: audio.EncodePCM16(chunk.Samples)})
}

func (h *Hub) broadcast(msg outbound) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			if n := client.dropped.Add(1); n%100 == 1 {
				h.logger.Warn("WebSocket client is slow, dropping messages",
					zap.String("client", client.id),
					zap.Int64("dropped", n))
			}
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan outbound, sendBuffer),
		id:   c.ClientIP() + "/" + conn.RemoteAddr().String(),
	}

	// First snapshot goes out immediately rather than on the next tick.
	if data, err := json.Marshal(ServerMessage{Type: "status", Data: h.status.GetStatus()}); err == nil {
		client.send <- outbound{kind: websocket.TextMessage, data: data}
	}

	h.register(client)
	h.logger.Info("WebSocket client connected", zap.String("client", client.id))

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) register(client *wsClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[client] = struct{}{}
}

func (h *Hub) unregister(client *wsClient) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client", client.id))
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var message ClientMessage
		if err := client.conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read error", zap.String("client", client.id), zap.Error(err))
			}
			return
		}
		h.handleMessage(client, &message)
	}
}

func (h *Hub) handleMessage(client *wsClient, message *ClientMessage) {
	var reply ServerMessage
	switch message.Type {
	case "ping":
		reply = ServerMessage{Type: "pong", Data: map[string]any{"timestamp": time.Now().Unix()}}
	case "status":
		reply = ServerMessage{Type: "status", Data: h.status.GetStatus()}
	default:
		h.logger.Debug("Unknown message type received", zap.String("type", message.Type))
		reply = ServerMessage{Type: "error", Data: map[string]any{"message": "Unknown message type: " + message.Type}}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- outbound{kind: websocket.TextMessage, data: data}:
	default:
	}
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(msg.kind, msg.data); err != nil {
				h.logger.Debug("Failed to send WebSocket message", zap.String("client", client.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Failed to send ping", zap.String("client", client.id), zap.Error(err))
				return
			}
		}
	}
}
