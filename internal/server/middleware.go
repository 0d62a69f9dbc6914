package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HerbHall/azurechat/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "azurechat_http_requests_total",
			Help: "HTTP requests by route pattern, status and chat error code.",
		},
		[]string{"method", "route", "status", "chat_code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "azurechat_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route pattern.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// maxRequestIDLen bounds a caller-supplied X-Request-ID.
const maxRequestIDLen = 64

// requestInfo follows one request through the chain. Inner handlers fill
// in the caller and chat outcome so the access log can report them.
type requestInfo struct {
	id       string
	route    string
	caller   string
	chatCode string
}

type requestInfoKey struct{}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// RouteRecorder wraps the mux and records the matched pattern. The mux sets
// Pattern on the request it receives, which middleware that derives a new
// request (auth) hides from the outer layers.
func RouteRecorder(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if info := infoFrom(r.Context()); info != nil {
				info.route = r.Pattern
			}
		}()
		mux.ServeHTTP(w, r)
	})
}

// noteCaller records who a chat request was billed to.
func noteCaller(ctx context.Context, caller string) {
	if info := infoFrom(ctx); info != nil {
		info.caller = caller
	}
}

// noteChatCode records the chat.Error code a request failed with.
func noteChatCode(ctx context.Context, code string) {
	if info := infoFrom(ctx); info != nil {
		info.chatCode = code
	}
}

// RequestIDMiddleware propagates a well-formed X-Request-ID or assigns a
// new UUID, and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{id: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// AccessLogMiddleware logs each request and records HTTP metrics labelled
// by the matched mux pattern. Routes in quiet are counted but not logged.
func AccessLogMiddleware(logger *zap.Logger, quiet ...string) Middleware {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			info := infoFrom(r.Context())
			if info == nil {
				info = &requestInfo{}
			}
			route := info.route
			if route == "" {
				route = r.Pattern
			}
			if route == "" {
				route = "unmatched"
			}

			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status), info.chatCode).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			if skip[route] {
				return
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", sw.status),
				zap.Duration("duration", duration),
				zap.String("request_id", info.id),
			}
			if info.caller != "" {
				fields = append(fields, zap.String("caller", info.caller))
			}
			if info.chatCode != "" {
				fields = append(fields, zap.String("chat_code", info.chatCode))
			}
			logger.Info("http request", fields...)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 problem response.
// If the handler already started its response the connection is left to
// the server to abort.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestID(r.Context())),
				)
				if sw, ok := w.(*statusWriter); ok && sw.wroteHeader {
					return
				}
				InternalError(w, "an unexpected error occurred", r.URL.Path)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// swaggerCSP lets the dev-mode API browser load its own scripts and styles.
const swaggerCSP = "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:"

// ResponseHeadersMiddleware sets security and version headers. Chat
// content under /api/ is marked uncacheable.
func ResponseHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Azurechat-Version", version.Short())
		switch {
		case strings.HasPrefix(r.URL.Path, swaggerPrefix):
			h.Set("Content-Security-Policy", swaggerCSP)
		case strings.HasPrefix(r.URL.Path, "/api/"):
			h.Set("Content-Security-Policy", "default-src 'none'")
			h.Set("Cache-Control", "no-store")
		default:
			h.Set("Content-Security-Policy", "default-src 'none'")
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController so that
// WebSocket upgrades can hijack the connection.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
