// Package testutil provides message fixtures shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// NewMessage returns a user Message with a random ID, suitable for test
// fixtures. Override individual fields with options.
func NewMessage(opts ...func(*chat.Message)) chat.Message {
	m := chat.Message{
		ID:   uuid.New().String(),
		Role: chat.RoleUser,
		Text: "test message",
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithID sets the message ID.
func WithID(id string) func(*chat.Message) {
	return func(m *chat.Message) { m.ID = id }
}

// WithParent sets the parent message ID.
func WithParent(id string) func(*chat.Message) {
	return func(m *chat.Message) { m.ParentMessageID = id }
}

// WithRole sets the message role.
func WithRole(role string) func(*chat.Message) {
	return func(m *chat.Message) { m.Role = role }
}

// WithText sets the message text.
func WithText(text string) func(*chat.Message) {
	return func(m *chat.Message) { m.Text = text }
}

// Chain returns a linked conversation, oldest first, alternating user and
// assistant turns starting with the user.
func Chain(texts ...string) []chat.Message {
	msgs := make([]chat.Message, 0, len(texts))
	parent := ""
	for i, text := range texts {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		m := NewMessage(WithParent(parent), WithRole(role), WithText(text))
		msgs = append(msgs, m)
		parent = m.ID
	}
	return msgs
}

// Seed stores msgs in s, failing the test on error.
func Seed(t testing.TB, s chat.Store, msgs ...chat.Message) {
	t.Helper()
	for i := range msgs {
		if err := s.Put(context.Background(), &msgs[i]); err != nil {
			t.Fatalf("seed message %s: %v", msgs[i].ID, err)
		}
	}
}
