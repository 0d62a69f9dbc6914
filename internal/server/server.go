// Package server provides the HTTP front end for azurechat: a JSON chat
// endpoint, message lookup, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/internal/version"
	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Conversations is the slice of the conversation client the server uses.
// Defined here (consumer-side) so tests can substitute a fake.
type Conversations interface {
	SendMessage(ctx context.Context, text string, opts ...conversation.SendOption) (*chat.Result, error)
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
	Conversation(ctx context.Context, id string, limit int) ([]chat.Message, error)
}

// Compile-time interface guard.
var _ Conversations = (*conversation.Client)(nil)

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the azurechat HTTP server.
type Server struct {
	httpServer *http.Server
	conv       Conversations
	limiter    *ChatLimiter
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server with middleware and routes.
// The auth middleware is optional; pass nil to serve the API unauthenticated.
// With cfg.DevMode the Swagger UI is mounted under /swagger/.
func New(cfg Config, conv Conversations, logger *zap.Logger, auth func(http.Handler) http.Handler) *Server {
	mux := http.NewServeMux()

	s := &Server{
		conv:    conv,
		limiter: NewChatLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:  logger,
		mux:     mux,
	}

	s.registerRoutes()

	if cfg.DevMode {
		mux.Handle("GET "+swaggerPrefix, swaggerHandler())
		logger.Info("swagger UI enabled (dev_mode)", zap.String("path", swaggerPrefix))
	}

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RequestIDMiddleware,
		AccessLogMiddleware(logger, "GET /healthz", "GET /metrics"),
		RecoveryMiddleware(logger),
		ResponseHeadersMiddleware,
	}
	if auth != nil {
		middlewares = append(middlewares, auth)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           Chain(RouteRecorder(mux), middlewares...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: completions and WebSocket streams are bounded by
		// chat.timeout instead.
	}

	return s
}

// Limiter returns the per-caller chat limiter, shared with other chat
// surfaces mounted on this server.
func (s *Server) Limiter() *ChatLimiter {
	return s.limiter
}

// Mount registers additional routes (such as the WebSocket handler) on
// the server mux. Call before Start.
func (s *Server) Mount(r SimpleRouteRegistrar) {
	r.RegisterRoutes(s.mux)
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.Handle("POST /api/v1/chat", s.limiter.Wrap(http.HandlerFunc(s.handleChat)))
	s.mux.HandleFunc("GET /api/v1/messages/{id}", s.handleGetMessage)
	s.mux.HandleFunc("GET /api/v1/messages/{id}/conversation", s.handleConversation)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "azurechat",
		Version: version.Map(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
