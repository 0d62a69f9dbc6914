// Package ws streams chat replies to WebSocket clients fragment by fragment.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/HerbHall/azurechat/internal/auth"
	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/internal/server"
	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Path is the WebSocket chat route.
const Path = "/api/v1/chat/ws"

// CodeRateLimited is the chat.error code sent when a caller exceeds the
// chat rate limit.
const CodeRateLimited = "rate_limited"

var errPromptRequired = errors.New("prompt is required")

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "azurechat_ws_sessions",
		Help: "Open WebSocket chat sessions.",
	})
	droppedDeltas = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "azurechat_ws_dropped_deltas_total",
		Help: "Streamed fragments dropped because a session's send buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(activeSessions, droppedDeltas)
}

// Sender sends one chat message and reports streamed progress.
type Sender interface {
	SendMessage(ctx context.Context, text string, opts ...conversation.SendOption) (*chat.Result, error)
}

// Handler provides the WebSocket chat endpoint.
type Handler struct {
	hub     *Hub
	sender  Sender
	tokens  *auth.TokenService
	limiter *server.ChatLimiter
	logger  *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ server.SimpleRouteRegistrar = (*Handler)(nil)

// NewHandler creates a WebSocket handler. tokens may be nil to accept
// unauthenticated connections; limiter may be nil to disable per-caller
// rate limiting.
func NewHandler(sender Sender, tokens *auth.TokenService, limiter *server.ChatLimiter, logger *zap.Logger) *Handler {
	return &Handler{
		hub:     NewHub(logger),
		sender:  sender,
		tokens:  tokens,
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Path, h.handleChatStream)
}

// Close closes all open sessions.
func (h *Handler) Close() {
	h.hub.CloseAll("server shutting down")
}

// handleChatStream upgrades the connection and serves chat requests on it
// one at a time until the client disconnects.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	subject := "anonymous"
	if h.tokens != nil {
		// Browser WebSocket API doesn't support headers.
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token parameter", http.StatusUnauthorized)
			return
		}
		claims, err := h.tokens.Validate(token)
		if err != nil {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		subject = claims.Subject
		r = r.WithContext(auth.WithClaims(r.Context(), claims))
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow any origin; access is controlled by the token.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		subject: subject,
		send:    make(chan Message, 256),
		logger:  h.logger,
	}
	h.hub.Register(client)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		// A dead writer aborts any completion still in flight.
		cancel()
		close(done)
	}()

	h.serve(ctx, cancel, client, r)

	cancel()
	h.hub.Unregister(client)
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
}

// serve answers chat requests one at a time until the connection fails.
// Requests are read on their own goroutine so a disconnect is noticed,
// and the in-flight completion cancelled, while a reply is streaming.
func (h *Handler) serve(ctx context.Context, cancel context.CancelFunc, c *Client, r *http.Request) {
	reqs := make(chan server.ChatRequest)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var req server.ChatRequest
			if err := wsjson.Read(ctx, c.conn, &req); err != nil {
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() { <-readerDone }()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-reqs:
			switch {
			case req.Prompt == "":
				c.enqueue(ctx, errorMessage(req.MessageID, errPromptRequired))
			case h.limiter != nil && !h.limiter.AllowRequest(r, "ws"):
				c.enqueue(ctx, Message{
					Type:      MessageChatError,
					RequestID: req.MessageID,
					Timestamp: time.Now(),
					Data:      ChatErrorData{Code: CodeRateLimited, Error: "chat rate limit exceeded"},
				})
			default:
				h.reply(ctx, c, req)
			}
		}
	}
}

func (h *Handler) reply(ctx context.Context, c *Client, req server.ChatRequest) {
	progress := func(p chat.Result) {
		c.offer(Message{
			Type:      MessageChatDelta,
			RequestID: req.MessageID,
			Timestamp: time.Now(),
			Data: ChatDeltaData{
				ID:              p.ID,
				ParentMessageID: p.ParentMessageID,
				Delta:           p.Delta,
				Text:            p.Text,
			},
		})
	}

	opts := append(req.Options(), conversation.WithProgress(progress))
	res, err := h.sender.SendMessage(ctx, req.Prompt, opts...)
	if err != nil {
		log := h.logger.Warn
		if chat.IsCanceledError(err) {
			log = h.logger.Debug
		}
		log("websocket chat failed",
			zap.String("subject", c.subject),
			zap.String("request_id", req.MessageID),
			zap.Error(err),
		)
		c.enqueue(ctx, errorMessage(req.MessageID, err))
		return
	}

	c.enqueue(ctx, Message{
		Type:      MessageChatDone,
		RequestID: req.MessageID,
		Timestamp: time.Now(),
		Data:      ChatDoneData{Message: res.Message},
	})
}

func errorMessage(requestID string, err error) Message {
	data := ChatErrorData{Error: err.Error()}
	var ce *chat.Error
	if errors.As(err, &ce) {
		data.Code = ce.Code
	}
	return Message{
		Type:      MessageChatError,
		RequestID: requestID,
		Timestamp: time.Now(),
		Data:      data,
	}
}
