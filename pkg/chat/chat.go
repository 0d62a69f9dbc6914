// Package chat provides the public SDK types for the conversation client.
// Messages form a singly-linked chain through ParentMessageID; stores and
// token counters are consumed through the interfaces declared here so that
// callers can supply their own backends.
package chat

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when no message exists for an ID.
var ErrNotFound = errors.New("message not found")

// Store persists messages keyed by ID. Implementations must be safe for
// concurrent use. Put is an upsert: a second Put with the same ID replaces
// the first.
type Store interface {
	// Get returns the message with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// Put stores msg under msg.ID.
	Put(ctx context.Context, msg *Message) error
}

// TokenCounter estimates the token cost of a piece of text.
type TokenCounter interface {
	Count(text string) (int, error)
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(text string) (int, error)

// Count calls f(text).
func (f TokenCounterFunc) Count(text string) (int, error) {
	return f(text)
}

// ProgressFunc receives a copy of the partial reply after each streamed
// fragment. It is called synchronously from the stream reader and must not
// block for long.
type ProgressFunc func(partial Result)
