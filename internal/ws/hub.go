package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// Client represents a connected WebSocket chat session.
type Client struct {
	conn    *websocket.Conn
	subject string
	send    chan Message
	logger  *zap.Logger
}

// enqueue hands msg to the write pump. It blocks while the buffer is full
// and gives up once ctx is done.
func (c *Client) enqueue(ctx context.Context, msg Message) bool {
	select {
	case c.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// offer hands msg to the write pump without blocking. Progress callbacks
// use it so a slow or vanished reader never stalls the completion; a
// dropped delta is recoverable because every delta carries the full text.
func (c *Client) offer(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		droppedDeltas.Inc()
		return false
	}
}

// Hub tracks active WebSocket sessions so they can be closed on shutdown.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	activeSessions.Inc()
	h.logger.Debug("websocket client connected", zap.String("subject", c.subject))
}

// Unregister removes a client from the hub. The send channel is left open;
// a late progress callback may still hold it.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		activeSessions.Dec()
	}
	h.logger.Debug("websocket client disconnected", zap.String("subject", c.subject))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every open session with StatusGoingAway.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		if c.conn != nil {
			conns = append(conns, c.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, reason)
	}
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, msg); err != nil {
				cancel()
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}
