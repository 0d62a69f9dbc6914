package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/azurechat/pkg/chat"
	"go.uber.org/zap"
)

// newTestClient creates a Client pointing at the given httptest server URL.
func newTestClient(t *testing.T, serverURL string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = serverURL
	cfg.Deployment = "gpt-35"
	cfg.Timeout = 10 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func testRequest(stream bool) Request {
	return NewRequest(DefaultCompletionParams(), []chat.Turn{
		{Role: chat.RoleUser, Content: "sys"},
		{Role: chat.RoleUser, Content: "hello"},
	}, 100, stream)
}

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key", Config{BaseURL: "https://x.openai.azure.com/", Deployment: "d"}},
		{"missing base url", Config{APIKey: "k", Deployment: "d"}},
		{"missing deployment", Config{APIKey: "k", BaseURL: "https://x.openai.azure.com/"}},
		{"relative base url", Config{APIKey: "k", BaseURL: "not-a-url", Deployment: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zap.NewNop())
			if !chat.IsConfigurationError(err) {
				t.Errorf("New = %v, want configuration error", err)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	c := newTestClient(t, "https://res.openai.azure.com/")
	want := "https://res.openai.azure.com/openai/deployments/gpt-35/chat/completions?api-version=2023-08-01-preview"
	if c.Endpoint() != want {
		t.Errorf("Endpoint = %q, want %q", c.Endpoint(), want)
	}

	c = newTestClient(t, "https://res.openai.azure.com", func(cfg *Config) {
		cfg.Search.Endpoint = "https://search.example"
	})
	if !strings.Contains(c.Endpoint(), "/openai/deployments/gpt-35/extensions/chat/completions?") {
		t.Errorf("Endpoint with search = %q", c.Endpoint())
	}
}

func TestComplete_Batch(t *testing.T) {
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/openai/deployments/gpt-35/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("api-version") != DefaultAPIVersion {
			t.Errorf("api-version = %q", r.URL.Query().Get("api-version"))
		}
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-9","choices":[{"text":"The answer is 4."}]}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	res, err := c.Complete(context.Background(), testRequest(false), seed(), nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if res.ID != "cmpl-9" || res.Text != "The answer is 4." {
		t.Errorf("result = %+v", res)
	}
	if res.ParentMessageID != "u1" || res.Role != chat.RoleAssistant {
		t.Errorf("seed fields lost: %+v", res)
	}
	if len(res.Detail) == 0 {
		t.Error("Detail is empty")
	}

	if gotBody.MaxTokens != 100 || gotBody.Stream || len(gotBody.Messages) != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
	if gotBody.Temperature != 0.8 || gotBody.Model != "chatgpt" {
		t.Errorf("completion params not sent: %+v", gotBody)
	}
}

func TestComplete_BatchChatMessageShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":"c1","choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	t.Cleanup(srv.Close)

	res, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(false), seed(), nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "hi there" {
		t.Errorf("Text = %q, want %q", res.Text, "hi there")
	}
}

func TestComplete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(false), seed(), nil)
	if !chat.IsTransportError(err) {
		t.Fatalf("Complete = %v, want transport error", err)
	}

	var ce *chat.Error
	if !errors.As(err, &ce) {
		t.Fatal("error is not *chat.Error")
	}
	if ce.StatusCode != 429 {
		t.Errorf("StatusCode = %d, want 429", ce.StatusCode)
	}
	if ce.StatusText != "Too Many Requests" {
		t.Errorf("StatusText = %q", ce.StatusText)
	}
	if ce.Body != `{"error":"rate limited"}` {
		t.Errorf("Body = %q", ce.Body)
	}
	if !chat.IsRateLimited(err) {
		t.Error("IsRateLimited = false")
	}
}

func TestComplete_MissingChoices(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"detail object", `{"detail":{"message":"content filtered"}}`, "content filtered"},
		{"detail string", `{"detail":"quota exhausted"}`, "quota exhausted"},
		{"no detail", `{"id":"x"}`, "unknown"},
		{"empty choices", `{"choices":[]}`, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(srv.Close)

			_, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(false), seed(), nil)
			if !chat.IsProtocolError(err) {
				t.Fatalf("Complete = %v, want protocol error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestComplete_BatchUndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html>gateway</html>`)
	}))
	t.Cleanup(srv.Close)

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(false), seed(), nil)
	if !chat.IsProtocolError(err) {
		t.Errorf("Complete = %v, want protocol error", err)
	}
}

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestComplete_Stream(t *testing.T) {
	srv := sseServer(t,
		`{"id":"chatcmpl-7","choices":[{"delta":{"role":"assistant"}}]}`,
		`{"id":"chatcmpl-7","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"chatcmpl-7","choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	)

	var deltas []string
	res, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(true), seed(), func(r chat.Result) {
		deltas = append(deltas, r.Delta)
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if res.Text != "Hello" || res.ID != "chatcmpl-7" {
		t.Errorf("result = %+v", res)
	}
	if strings.Join(deltas, "|") != "|Hel|lo" {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestComplete_StreamMalformedEvent(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{not json`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	)

	res, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(true), seed(), nil)
	if !chat.IsProtocolError(err) {
		t.Fatalf("Complete = %v, want protocol error", err)
	}
	if res != nil {
		t.Errorf("partial result returned: %+v", res)
	}
}

func TestComplete_StreamEndsWithoutDone(t *testing.T) {
	srv := sseServer(t, `{"choices":[{"delta":{"content":"Hel"}}]}`)

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(true), seed(), nil)
	if !chat.IsProtocolError(err) {
		t.Errorf("Complete = %v, want protocol error", err)
	}
}

func TestComplete_CancelAbortsStream(t *testing.T) {
	var aborted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		aborted.Store(true)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newTestClient(t, srv.URL).Complete(ctx, testRequest(true), seed(), nil)
	if !chat.IsTimeoutError(err) {
		t.Fatalf("Complete = %v, want timeout error", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Complete took %v after deadline", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !aborted.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !aborted.Load() {
		t.Error("server never observed the aborted connection")
	}
}

func TestComplete_ExplicitCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := newTestClient(t, srv.URL).Complete(ctx, testRequest(false), seed(), nil)
	if !chat.IsCanceledError(err) {
		t.Errorf("Complete = %v, want canceled error", err)
	}
}

func TestComplete_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := newTestClient(t, srv.URL).Complete(context.Background(), testRequest(false), seed(), nil)
	if !chat.IsTransportError(err) {
		t.Errorf("Complete = %v, want transport error", err)
	}
}

func TestComplete_SearchDataSources(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"choices":[{"text":"ok"}]}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.Search = SearchConfig{Endpoint: "https://search.example", Key: "sk", IndexName: "docs"}
	})
	req := testRequest(false)
	req.SystemMessage = "be brief"
	if _, err := c.Complete(context.Background(), req, seed(), nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	sources, ok := body["dataSources"].([]any)
	if !ok || len(sources) != 1 {
		t.Fatalf("dataSources = %v", body["dataSources"])
	}
	params := sources[0].(map[string]any)["parameters"].(map[string]any)
	if params["indexName"] != "docs" || params["roleInformation"] != "be brief" {
		t.Errorf("parameters = %v", params)
	}
	if params["inScope"] != false {
		t.Errorf("inScope = %v, want false", params["inScope"])
	}
	if _, leaked := body["SystemMessage"]; leaked {
		t.Error("SystemMessage leaked into the wire body")
	}
}

func TestComplete_RequestPacing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"choices":[{"text":"ok"}]}`)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.RequestsPerSecond = 0.5 })
	if _, err := c.Complete(context.Background(), testRequest(false), seed(), nil); err != nil {
		t.Fatalf("first Complete: %v", err)
	}

	// The second call would wait ~2s for a token; a short deadline must
	// fail it without reaching the server.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Complete(ctx, testRequest(false), seed(), nil); err == nil {
		t.Fatal("expected paced call to fail under a short deadline")
	}
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestComplete_ResponseHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	_, err := c.Complete(context.Background(), testRequest(false), seed(), nil)
	if !chat.IsTimeoutError(err) {
		t.Errorf("Complete = %v, want timeout error", err)
	}
}

func TestComplete_StreamOutlivesHeaderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for _, frag := range []string{"slow", " but", " steady"} {
			time.Sleep(40 * time.Millisecond)
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", frag)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })
	res, err := c.Complete(context.Background(), testRequest(true), seed(), nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != "slow but steady" {
		t.Errorf("Text = %q", res.Text)
	}
}
