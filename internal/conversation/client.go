// Package conversation orchestrates one chat turn: it persists the user
// message, assembles the budgeted context, runs the completion (racing an
// optional timeout) and persists the finished reply.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/HerbHall/azurechat/internal/azure"
	"github.com/HerbHall/azurechat/internal/prompt"
	"github.com/HerbHall/azurechat/pkg/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Completer sends an assembled request to the remote model.
// *azure.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req azure.Request, seed chat.Result, onProgress chat.ProgressFunc) (*chat.Result, error)
}

// Compile-time interface guard.
var _ Completer = (*azure.Client)(nil)

// Deps are the collaborators a Client is built from.
type Deps struct {
	Store     chat.Store
	Counter   chat.TokenCounter
	Completer Completer
	Logger    *zap.Logger
}

// Client is the conversation façade. Its configuration is immutable after
// New and concurrent SendMessage calls share nothing but the Store.
type Client struct {
	cfg       Config
	store     chat.Store
	completer Completer
	builder   *prompt.Builder
	logger    *zap.Logger
}

// New creates a Client. All collaborators except Logger are required.
func New(cfg Config, deps Deps) (*Client, error) {
	if deps.Store == nil || deps.Counter == nil || deps.Completer == nil {
		return nil, chat.NewError(chat.ErrCodeConfiguration, "conversation: store, counter and completer are required", nil)
	}
	if cfg.MaxModelTokens <= 0 {
		cfg.MaxModelTokens = DefaultConfig().MaxModelTokens
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = DefaultConfig().MaxResponseTokens
	}
	if cfg.SystemMessage == "" {
		cfg.SystemMessage = DefaultSystemMessage
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:       cfg,
		store:     deps.Store,
		completer: deps.Completer,
		builder: prompt.NewBuilder(deps.Store, deps.Counter, prompt.Labels{
			User:      cfg.UserLabel,
			Assistant: cfg.AssistantLabel,
		}, logger.Named("prompt")),
		logger: logger,
	}, nil
}

// SendMessage sends text as a new user message and returns the assistant's
// reply. The user message is stored before the request is sent and the
// reply is stored before SendMessage returns; on failure no reply is stored.
func (c *Client) SendMessage(ctx context.Context, text string, opts ...SendOption) (*chat.Result, error) {
	so := Options{Timeout: c.cfg.Timeout, SystemMessage: c.cfg.SystemMessage}
	so.apply(opts)
	if so.MessageID == "" {
		so.MessageID = uuid.NewString()
	}
	stream := so.Streaming()
	mode := modeLabel(stream)
	start := time.Now()

	user := &chat.Message{
		ID:              so.MessageID,
		ParentMessageID: so.ParentMessageID,
		Role:            chat.RoleUser,
		Text:            text,
		Name:            so.Name,
	}
	if err := c.store.Put(ctx, user); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	built, err := c.builder.Build(ctx, prompt.Input{
		Text:              text,
		Name:              so.Name,
		SystemMessage:     so.SystemMessage,
		ParentMessageID:   so.ParentMessageID,
		MaxModelTokens:    c.cfg.MaxModelTokens,
		MaxResponseTokens: c.cfg.MaxResponseTokens,
	})
	if err != nil {
		return nil, err
	}
	promptTokens.Observe(float64(built.NumTokens))

	req := azure.NewRequest(c.cfg.Params, built.Turns, built.MaxTokens, stream)
	req.SystemMessage = so.SystemMessage

	seed := chat.Result{Message: chat.Message{
		ID:              uuid.NewString(),
		ParentMessageID: user.ID,
		Role:            chat.RoleAssistant,
	}}

	c.logger.Debug("sending message",
		zap.String("message_id", user.ID),
		zap.String("parent_message_id", user.ParentMessageID),
		zap.Int("prompt_tokens", built.NumTokens),
		zap.Int("max_tokens", built.MaxTokens),
		zap.Bool("stream", stream),
	)

	result, err := c.complete(ctx, req, seed, so)
	completionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	completionsTotal.WithLabelValues(mode, outcomeLabel(err)).Inc()
	if err != nil {
		c.logger.Warn("completion failed",
			zap.String("message_id", user.ID),
			zap.Error(err),
		)
		return nil, err
	}

	if err := c.store.Put(ctx, &result.Message); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}

	c.logger.Debug("reply stored",
		zap.String("message_id", result.ID),
		zap.String("parent_message_id", result.ParentMessageID),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// outcome is the single result slot shared by a completion and its timer.
type outcome struct {
	result *chat.Result
	err    error
}

// complete runs the completion. With a timeout, the completion runs in its
// own goroutine and races a timer for a buffered single-slot channel; the
// loser's result is discarded and, if the timer wins, the completion's
// context is cancelled so the connection is torn down.
func (c *Client) complete(ctx context.Context, req azure.Request, seed chat.Result, so Options) (*chat.Result, error) {
	if so.Timeout <= 0 {
		res, err := c.completer.Complete(ctx, req, seed, so.Progress)
		return res, classify(ctx, err)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Progress stops as soon as the call has been decided.
	var settled atomic.Bool
	progress := so.Progress
	if progress != nil {
		progress = func(r chat.Result) {
			if !settled.Load() {
				so.Progress(r)
			}
		}
	}

	slot := make(chan outcome, 1)
	go func() {
		res, err := c.completer.Complete(opCtx, req, seed, progress)
		slot <- outcome{result: res, err: err}
	}()

	timer := time.NewTimer(so.Timeout)
	defer timer.Stop()

	select {
	case o := <-slot:
		settled.Store(true)
		return o.result, classify(ctx, o.err)
	case <-timer.C:
		settled.Store(true)
		cancel()
		return nil, chat.NewError(chat.ErrCodeTimeout, "timed out waiting for response", context.DeadlineExceeded)
	case <-ctx.Done():
		settled.Store(true)
		cancel()
		return nil, contextError(ctx.Err())
	}
}

// GetMessage returns a stored message by ID.
func (c *Client) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	return c.store.Get(ctx, id)
}

// Conversation returns up to limit messages of the chain ending at id,
// newest first. A non-positive limit returns the whole chain.
func (c *Client) Conversation(ctx context.Context, id string, limit int) ([]chat.Message, error) {
	var chain []chat.Message
	for id != "" && (limit <= 0 || len(chain) < limit) {
		msg, err := c.store.Get(ctx, id)
		if errors.Is(err, chat.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		chain = append(chain, *msg)
		id = msg.ParentMessageID
	}
	return chain, nil
}

// classify turns bare context errors from a Completer into typed errors.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return err
	}
	if ctx.Err() != nil {
		return contextError(ctx.Err())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return contextError(err)
	}
	return err
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.NewError(chat.ErrCodeTimeout, "timed out waiting for response", err)
	}
	return chat.NewError(chat.ErrCodeCanceled, "request canceled", err)
}
