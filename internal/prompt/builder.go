// Package prompt assembles a token-budgeted conversation context by walking
// the parent-message chain backward from a new user message.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbHall/azurechat/pkg/chat"
	"go.uber.org/zap"
)

// Default role labels used when rendering a prompt for token counting.
const (
	DefaultUserLabel      = "User"
	DefaultAssistantLabel = "ChatGPT"
	systemLabel           = "Instructions"
)

// Labels name the speakers in a rendered prompt.
type Labels struct {
	User      string
	Assistant string
}

// Input describes one context build.
type Input struct {
	Text              string // New user text; may be empty.
	Name              string // Optional speaker name for the new turn.
	SystemMessage     string
	ParentMessageID   string // Newest ancestor to include; empty starts a new conversation.
	MaxModelTokens    int
	MaxResponseTokens int
}

// Output is the assembled context.
type Output struct {
	Turns     []chat.Turn
	MaxTokens int // Tokens reserved for the response, always >= 1.
	NumTokens int // Measured cost of the accepted prompt.
}

// Builder assembles prompts. Safe for concurrent use; each Build call owns
// its own turn list.
type Builder struct {
	store   chat.Store
	counter chat.TokenCounter
	labels  Labels
	logger  *zap.Logger
}

// NewBuilder creates a Builder. Empty labels fall back to the defaults.
func NewBuilder(store chat.Store, counter chat.TokenCounter, labels Labels, logger *zap.Logger) *Builder {
	if labels.User == "" {
		labels.User = DefaultUserLabel
	}
	if labels.Assistant == "" {
		labels.Assistant = DefaultAssistantLabel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: store, counter: counter, labels: labels, logger: logger}
}

// Build walks the chain starting at in.ParentMessageID, inserting each
// ancestor between the leading system turn and the newer turns, until the
// rendered prompt no longer fits in MaxModelTokens-MaxResponseTokens or the
// chain ends. An ancestor that would overflow the budget is dropped along
// with everything older; turns are never truncated.
//
// The chain must be acyclic.
func (b *Builder) Build(ctx context.Context, in Input) (*Output, error) {
	maxNumTokens := in.MaxModelTokens - in.MaxResponseTokens

	// The system message travels as a user turn.
	turns := []chat.Turn{{Role: chat.RoleUser, Content: in.SystemMessage}}
	const systemOffset = 1

	next := turns
	if in.Text != "" {
		next = append(cloneTurns(turns), chat.Turn{Role: chat.RoleUser, Content: in.Text, Name: in.Name})
	}

	parentID := in.ParentMessageID
	numTokens := 0
	loaded := 0

	for {
		rendered := b.Render(next)
		estimate, err := b.counter.Count(rendered)
		if err != nil {
			return nil, fmt.Errorf("count prompt tokens: %w", err)
		}
		valid := estimate <= maxNumTokens

		if rendered != "" && !valid {
			break
		}

		turns = next
		numTokens = estimate

		if !valid || parentID == "" {
			break
		}

		parent, err := b.store.Get(ctx, parentID)
		if errors.Is(err, chat.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load parent message %s: %w", parentID, err)
		}

		role := parent.Role
		if role == "" {
			role = chat.RoleUser
		}

		grown := make([]chat.Turn, 0, len(next)+1)
		grown = append(grown, next[:systemOffset]...)
		grown = append(grown, chat.Turn{Role: role, Content: parent.Text, Name: parent.Name})
		grown = append(grown, next[systemOffset:]...)
		next = grown
		loaded++

		parentID = parent.ParentMessageID
	}

	maxTokens := max(1, min(in.MaxModelTokens-numTokens, in.MaxResponseTokens))

	b.logger.Debug("prompt assembled",
		zap.Int("turns", len(turns)),
		zap.Int("ancestors_loaded", loaded),
		zap.Int("prompt_tokens", numTokens),
		zap.Int("max_tokens", maxTokens),
	)

	return &Output{Turns: turns, MaxTokens: maxTokens, NumTokens: numTokens}, nil
}

// Render joins turns as "<Label>:\n<content>" blocks separated by a blank line.
func (b *Builder) Render(turns []chat.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = b.label(t.Role) + ":\n" + t.Content
	}
	return strings.Join(parts, "\n\n")
}

func (b *Builder) label(role string) string {
	switch role {
	case chat.RoleSystem:
		return systemLabel
	case chat.RoleUser:
		return b.labels.User
	default:
		return b.labels.Assistant
	}
}

func cloneTurns(turns []chat.Turn) []chat.Turn {
	return append(make([]chat.Turn, 0, len(turns)+1), turns...)
}
