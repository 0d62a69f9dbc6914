package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/pkg/chat"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeConversations records the last send and serves canned messages.
type fakeConversations struct {
	mu       sync.Mutex
	messages map[string]chat.Message
	lastText string
	lastOpts conversation.Options
	reply    *chat.Result
	err      error
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		messages: map[string]chat.Message{
			"u1": {ID: "u1", Role: chat.RoleUser, Text: "hello"},
			"a1": {ID: "a1", ParentMessageID: "u1", Role: chat.RoleAssistant, Text: "hi there"},
		},
		reply: &chat.Result{Message: chat.Message{ID: "a2", ParentMessageID: "u2", Role: chat.RoleAssistant, Text: "sure"}},
	}
}

func (f *fakeConversations) SendMessage(_ context.Context, text string, opts ...conversation.SendOption) (*chat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText = text
	f.lastOpts = conversation.ResolveOptions(opts...)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeConversations) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return &m, nil
}

func (f *fakeConversations) Conversation(ctx context.Context, id string, limit int) ([]chat.Message, error) {
	var out []chat.Message
	for id != "" && (limit <= 0 || len(out) < limit) {
		m, err := f.GetMessage(ctx, id)
		if err != nil {
			break
		}
		out = append(out, *m)
		id = m.ParentMessageID
	}
	return out, nil
}

func newTestServer(conv Conversations) *Server {
	return New(Config{Host: "127.0.0.1", Port: 0, RateLimitRPS: 1000, RateLimitBurst: 1000}, conv, zap.NewNop(), nil)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleHealthz(t *testing.T) {
	srv := newTestServer(newFakeConversations())

	w := doRequest(t, srv.mux, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "alive" {
		t.Errorf("status = %q, want %q", body["status"], "alive")
	}
}

func TestHandleHealth_IncludesVersion(t *testing.T) {
	srv := newTestServer(newFakeConversations())

	w := doRequest(t, srv.Handler(), "GET", "/api/v1/health", "")
	var body HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Service != "azurechat" || body.Version["version"] == "" {
		t.Errorf("health = %+v", body)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("middleware chain not applied")
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(newFakeConversations())
	w := doRequest(t, srv.mux, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleChat_Success(t *testing.T) {
	conv := newFakeConversations()
	srv := newTestServer(conv)

	w := doRequest(t, srv.Handler(), "POST", "/api/v1/chat",
		`{"prompt":"and again?","parentMessageId":"a1","name":"bob","messageId":"u2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var res chat.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.ID != "a2" || res.Text != "sure" {
		t.Errorf("result = %+v", res)
	}
	if conv.lastText != "and again?" || conv.lastOpts.ParentMessageID != "a1" ||
		conv.lastOpts.Name != "bob" || conv.lastOpts.MessageID != "u2" {
		t.Errorf("send = %q %+v", conv.lastText, conv.lastOpts)
	}
}

func TestHandleChat_BadRequests(t *testing.T) {
	srv := newTestServer(newFakeConversations())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"prompt":`, http.StatusBadRequest},
		{"missing prompt", `{"parentMessageId":"a1"}`, http.StatusBadRequest},
		{"unknown parent", `{"prompt":"x","parentMessageId":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv.mux, "POST", "/api/v1/chat", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHandleChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"timeout", chat.NewError(chat.ErrCodeTimeout, "timed out waiting for response", nil), http.StatusGatewayTimeout},
		{"upstream 500", chat.NewTransportError(500, "", "boom"), http.StatusBadGateway},
		{"upstream 429", chat.NewTransportError(429, "", "slow down"), http.StatusTooManyRequests},
		{"protocol", chat.NewError(chat.ErrCodeProtocol, "bad event", nil), http.StatusBadGateway},
		{"canceled", chat.NewError(chat.ErrCodeCanceled, "request canceled", nil), StatusClientClosedRequest},
		{"plain", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := newFakeConversations()
			conv.err = tt.err
			srv := newTestServer(conv)

			w := doRequest(t, srv.mux, "POST", "/api/v1/chat", `{"prompt":"x"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandleGetMessage(t *testing.T) {
	srv := newTestServer(newFakeConversations())

	w := doRequest(t, srv.mux, "GET", "/api/v1/messages/a1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var msg chat.Message
	if err := json.NewDecoder(w.Body).Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hi there" || msg.ParentMessageID != "u1" {
		t.Errorf("message = %+v", msg)
	}

	if w := doRequest(t, srv.mux, "GET", "/api/v1/messages/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing message status = %d, want 404", w.Code)
	}
}

func TestHandleConversation(t *testing.T) {
	srv := newTestServer(newFakeConversations())

	w := doRequest(t, srv.mux, "GET", "/api/v1/messages/a1/conversation", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var chain []chat.Message
	if err := json.NewDecoder(w.Body).Decode(&chain); err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 || chain[0].ID != "a1" || chain[1].ID != "u1" {
		t.Errorf("chain = %+v", chain)
	}

	w = doRequest(t, srv.mux, "GET", "/api/v1/messages/a1/conversation?limit=1", "")
	_ = json.NewDecoder(w.Body).Decode(&chain)
	if len(chain) != 1 {
		t.Errorf("limited chain length = %d, want 1", len(chain))
	}

	if w := doRequest(t, srv.mux, "GET", "/api/v1/messages/a1/conversation?limit=-2", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", w.Code)
	}
	if w := doRequest(t, srv.mux, "GET", "/api/v1/messages/zzz/conversation", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", w.Code)
	}
}

func TestServer_AuthMiddleware(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	srv := New(Config{RateLimitRPS: 100, RateLimitBurst: 100}, newFakeConversations(), zap.NewNop(), deny)

	if w := doRequest(t, srv.Handler(), "POST", "/api/v1/chat", `{"prompt":"x"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("api status = %d, want 401", w.Code)
	}
	if w := doRequest(t, srv.Handler(), "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
}

func TestServer_SwaggerOnlyInDevMode(t *testing.T) {
	prod := newTestServer(newFakeConversations())
	if w := doRequest(t, prod.Handler(), "GET", "/swagger/doc.json", ""); w.Code != http.StatusNotFound {
		t.Errorf("swagger without dev mode: status = %d, want 404", w.Code)
	}

	dev := New(Config{DevMode: true}, newFakeConversations(), zap.NewNop(), nil)
	w := doRequest(t, dev.Handler(), "GET", "/swagger/doc.json", "")
	if w.Code != http.StatusOK {
		t.Fatalf("doc.json status = %d", w.Code)
	}
	var doc struct {
		Swagger string                     `json:"swagger"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode doc.json: %v", err)
	}
	for _, p := range []string{"/api/v1/chat", "/api/v1/chat/ws", "/api/v1/messages/{id}", "/api/v1/messages/{id}/conversation", "/api/v1/health"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("doc.json missing path %s", p)
		}
	}

	if w := doRequest(t, dev.Handler(), "GET", "/swagger/index.html", ""); w.Code != http.StatusOK {
		t.Errorf("index.html status = %d", w.Code)
	} else if csp := w.Header().Get("Content-Security-Policy"); csp != swaggerCSP {
		t.Errorf("index.html CSP = %q", csp)
	}
}

func TestHandleChat_CanceledIsNotServerError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	conv := newFakeConversations()
	conv.err = chat.NewError(chat.ErrCodeCanceled, "request canceled", context.Canceled)
	srv := New(Config{}, conv, zap.New(core), nil)

	w := doRequest(t, srv.Handler(), "POST", "/api/v1/chat", `{"prompt":"x"}`)
	if w.Code != StatusClientClosedRequest {
		t.Errorf("status = %d, want %d", w.Code, StatusClientClosedRequest)
	}
	if n := logs.FilterMessage("chat request failed").Len(); n != 0 {
		t.Errorf("cancellation logged as failure %d times", n)
	}
	entries := logs.FilterMessage("chat request canceled by caller").All()
	if len(entries) != 1 || entries[0].Level != zapcore.DebugLevel {
		t.Errorf("cancel log entries = %+v", entries)
	}
}

func TestConfig_Addr(t *testing.T) {
	c := Config{Host: "0.0.0.0", Port: 9090}
	if c.Addr() != "0.0.0.0:9090" {
		t.Errorf("Addr() = %q", c.Addr())
	}
}
