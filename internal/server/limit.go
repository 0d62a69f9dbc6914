package server

import (
	"net"
	"net/http"
	"sync"

	"github.com/HerbHall/azurechat/internal/auth"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Default chat rate limits, per caller.
const (
	DefaultRateLimitRPS   = 5
	DefaultRateLimitBurst = 10
)

// maxTrackedCallers bounds the limiter table; the least recently seen
// caller is evicted first.
const maxTrackedCallers = 10000

var chatRateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "azurechat_chat_rate_limited_total",
		Help: "Chat requests rejected by the per-caller rate limit, by surface.",
	},
	[]string{"surface"},
)

func init() {
	prometheus.MustRegister(chatRateLimited)
}

// ChatLimiter throttles completion requests per caller. Each chat request
// costs one upstream completion, so only the chat surfaces (the JSON
// endpoint and each WebSocket request) draw from it.
type ChatLimiter struct {
	mu      sync.Mutex
	callers *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewChatLimiter creates a limiter allowing rps requests per second with
// the given burst per caller. Non-positive values select the defaults.
func NewChatLimiter(rps float64, burst int) *ChatLimiter {
	if rps <= 0 {
		rps = DefaultRateLimitRPS
	}
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}
	// lru.New only fails for a non-positive size.
	callers, _ := lru.New[string, *rate.Limiter](maxTrackedCallers)
	return &ChatLimiter{callers: callers, limit: rate.Limit(rps), burst: burst}
}

// Allow reports whether the caller identified by key may send another
// chat request now, consuming one token if so.
func (l *ChatLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.callers.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.callers.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// AllowRequest is Allow keyed by CallerKey(r). surface labels the
// rejection metric.
func (l *ChatLimiter) AllowRequest(r *http.Request, surface string) bool {
	if l.Allow(CallerKey(r)) {
		return true
	}
	chatRateLimited.WithLabelValues(surface).Inc()
	return false
}

// Wrap rejects requests over the caller's limit with a 429 problem.
func (l *ChatLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.AllowRequest(r, "http") {
			RateLimited(w, "chat rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CallerKey identifies who a request is billed to: the token subject when
// the request is authenticated, otherwise the peer address.
func CallerKey(r *http.Request) string {
	if c := auth.ClaimsFromContext(r.Context()); c != nil && c.Subject != "" {
		return "sub:" + c.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
