// Package msgstore provides chat.Store backends: a bounded in-memory LRU and
// a SQLite-backed store for conversations that must survive restarts.
package msgstore

import (
	"context"
	"fmt"

	"github.com/HerbHall/azurechat/pkg/chat"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is the default capacity of a Memory store.
const DefaultMaxSize = 10000

// Compile-time interface guard.
var _ chat.Store = (*Memory)(nil)

// Memory is an in-process chat.Store that evicts the least recently used
// message once maxSize entries are held. Safe for concurrent use.
type Memory struct {
	cache *lru.Cache[string, chat.Message]
}

// NewMemory creates a Memory store holding at most maxSize messages.
// A non-positive maxSize selects DefaultMaxSize.
func NewMemory(maxSize int) (*Memory, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	cache, err := lru.New[string, chat.Message](maxSize)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Memory{cache: cache}, nil
}

// Get returns a copy of the stored message.
func (m *Memory) Get(_ context.Context, id string) (*chat.Message, error) {
	msg, ok := m.cache.Get(id)
	if !ok {
		return nil, chat.ErrNotFound
	}
	return &msg, nil
}

// Put stores a copy of msg under msg.ID.
func (m *Memory) Put(_ context.Context, msg *chat.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("put message: id is required")
	}
	m.cache.Add(msg.ID, *msg)
	return nil
}

// Len returns the number of messages currently held.
func (m *Memory) Len() int {
	return m.cache.Len()
}
