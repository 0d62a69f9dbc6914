// Package azure implements the completion transport for Azure OpenAI chat
// deployments in both single-shot JSON and server-sent-event streaming modes.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/HerbHall/azurechat/pkg/chat"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Request is the wire body of a chat completion call.
type Request struct {
	MaxTokens       int          `json:"max_tokens"`
	Model           string       `json:"model,omitempty"`
	Temperature     float64      `json:"temperature"`
	TopP            float64      `json:"top_p"`
	PresencePenalty float64      `json:"presence_penalty"`
	Stop            []string     `json:"stop,omitempty"`
	DataSources     []DataSource `json:"dataSources,omitempty"`
	Messages        []chat.Turn  `json:"messages"`
	Stream          bool         `json:"stream"`

	// SystemMessage is sent as the search extension's role information.
	SystemMessage string `json:"-"`
}

// NewRequest combines model parameters with an assembled prompt.
func NewRequest(params CompletionParams, turns []chat.Turn, maxTokens int, stream bool) Request {
	return Request{
		MaxTokens:       maxTokens,
		Model:           params.Model,
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		PresencePenalty: params.PresencePenalty,
		Stop:            params.Stop,
		Messages:        turns,
		Stream:          stream,
	}
}

// DataSource is an "on your data" extension attached to a request.
type DataSource struct {
	Type       string               `json:"type"`
	Parameters DataSourceParameters `json:"parameters"`
}

// DataSourceParameters configures an AzureCognitiveSearch data source.
type DataSourceParameters struct {
	Endpoint        string `json:"endpoint"`
	Key             string `json:"key"`
	IndexName       string `json:"indexName"`
	InScope         bool   `json:"inScope"`
	RoleInformation string `json:"roleInformation,omitempty"`
}

// Client sends completion requests to one Azure OpenAI deployment.
// Safe for concurrent use; every call owns its own stream state.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates a Client. A missing API key, base URL or deployment is a
// configuration error.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, chat.NewError(chat.ErrCodeConfiguration, "azure: api key is required", nil)
	}
	if cfg.BaseURL == "" {
		return nil, chat.NewError(chat.ErrCodeConfiguration, "azure: base url is required", nil)
	}
	if cfg.Deployment == "" {
		return nil, chat.NewError(chat.ErrCodeConfiguration, "azure: deployment is required", nil)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, chat.NewError(chat.ErrCodeConfiguration, fmt.Sprintf("azure: invalid base url %q", cfg.BaseURL), err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Timeout bounds only the wait for response headers. A streamed body may
	// run as long as the model keeps producing; chat.timeout bounds the call.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
	c.endpoint = c.buildEndpoint()
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

// Endpoint returns the full completion URL including api-version.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) buildEndpoint() string {
	path := "/chat/completions"
	if c.searchEnabled() {
		path = "/extensions/chat/completions"
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") +
		"/openai/deployments/" + url.PathEscape(c.cfg.Deployment) + path +
		"?api-version=" + url.QueryEscape(c.cfg.APIVersion)
}

func (c *Client) searchEnabled() bool {
	return c.cfg.Search.Endpoint != ""
}

// Complete sends req and returns the finished reply. seed supplies the
// reply's provisional ID, parent and role; the response ID replaces the
// provisional one when present. In streaming mode onProgress (may be nil)
// observes each partial reply. Cancelling ctx aborts the connection.
func (c *Client) Complete(ctx context.Context, req Request, seed chat.Result, onProgress chat.ProgressFunc) (*chat.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, mapError(ctx, err)
			}
			return nil, chat.NewError(chat.ErrCodeTimeout, "request pacing would exceed deadline", err)
		}
	}

	if c.searchEnabled() {
		req.DataSources = []DataSource{{
			Type: "AzureCognitiveSearch",
			Parameters: DataSourceParameters{
				Endpoint:        c.cfg.Search.Endpoint,
				Key:             c.cfg.Search.Key,
				IndexName:       c.cfg.Search.IndexName,
				InScope:         c.cfg.Search.InScope,
				RoleInformation: req.SystemMessage,
			},
		}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	c.logger.Debug("sending completion request",
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
		zap.Int("max_tokens", req.MaxTokens),
	)

	resp, err := c.doPost(ctx, body, req.Stream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if req.Stream {
		return c.readStream(ctx, resp.Body, seed, onProgress)
	}
	return c.readBatch(ctx, resp.Body, seed)
}

// doPost sends an authenticated POST. Non-success statuses are returned as
// transport errors; the caller must close the returned body.
func (c *Client) doPost(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		se := parseStatusError(resp)
		c.logger.Warn("completion request rejected",
			zap.Int("status", se.StatusCode),
			zap.String("body", se.Body),
		)
		return nil, se
	}
	return resp, nil
}

// readBatch decodes a single JSON completion response.
func (c *Client) readBatch(ctx context.Context, body io.Reader, seed chat.Result) (*chat.Result, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, mapError(ctx, err)
	}

	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, chat.NewError(chat.ErrCodeProtocol, "decode completion response", err)
	}

	result := seed
	if resp.ID != "" {
		result.ID = resp.ID
	}

	if len(resp.Choices) == 0 {
		return nil, chat.NewError(chat.ErrCodeProtocol, "completion error: "+detailMessage(resp.Detail), nil)
	}

	choice := resp.Choices[0]
	result.Text = choice.Text
	if choice.Message != nil {
		if result.Text == "" {
			result.Text = choice.Message.Content
		}
		if choice.Message.Role != "" {
			result.Role = choice.Message.Role
		}
	}
	result.Detail = json.RawMessage(raw)
	return &result, nil
}

// readStream feeds server-sent events to an Assembler until the stream
// reports [DONE].
func (c *Client) readStream(ctx context.Context, body io.Reader, seed chat.Result, onProgress chat.ProgressFunc) (*chat.Result, error) {
	reader := NewSSEReader(body)
	asm := NewAssembler(seed, onProgress)

	for {
		data, err := reader.ReadEvent()
		if errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return nil, mapError(ctx, ctx.Err())
			}
			return nil, chat.NewError(chat.ErrCodeProtocol, "stream ended before "+doneSentinel, nil)
		}
		if err != nil {
			return nil, mapError(ctx, err)
		}

		done, err := asm.Apply(data)
		if err != nil {
			c.logger.Warn("stream event rejected", zap.Error(err))
			return nil, err
		}
		if done {
			return asm.Result(), nil
		}
	}
}

// completionResponse is a non-streaming completion body. Text completions
// carry choices[].text; chat completions carry choices[].message.
type completionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Text    string `json:"text"`
		Message *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Detail json.RawMessage `json:"detail"`
}
