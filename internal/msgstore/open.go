package msgstore

import (
	"context"
	"fmt"

	"github.com/HerbHall/azurechat/pkg/chat"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config selects and configures a store backend.
type Config struct {
	Driver  string `mapstructure:"driver"`   // "memory" or "sqlite"
	Path    string `mapstructure:"path"`     // sqlite only
	MaxSize int    `mapstructure:"max_size"` // memory only
}

// Open creates the store named by cfg.Driver. The returned close function
// releases backend resources and is never nil.
func Open(ctx context.Context, cfg Config) (chat.Store, func() error, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		m, err := NewMemory(cfg.MaxSize)
		if err != nil {
			return nil, nil, err
		}
		return m, func() error { return nil }, nil

	case DriverSQLite:
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("sqlite store requires a path")
		}
		s, err := NewSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
