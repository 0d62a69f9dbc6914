package msgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/HerbHall/azurechat/pkg/chat"
	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNewerSchema is returned when the database was created by a newer
// version of azurechat than the currently running binary.
var ErrNewerSchema = fmt.Errorf("database was created by a newer version of azurechat")

// Compile-time interface guard.
var _ chat.Store = (*SQLite)(nil)

// Migration is a single forward-only schema change.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// messageMigrations creates the messages table.
var messageMigrations = []Migration{
	{
		Version:     1,
		Description: "create messages table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE messages (
					id                TEXT     PRIMARY KEY,
					parent_message_id TEXT     NOT NULL DEFAULT '',
					role              TEXT     NOT NULL,
					text              TEXT     NOT NULL,
					name              TEXT     NOT NULL DEFAULT '',
					created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)
			`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index messages by parent",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_messages_parent ON messages(parent_message_id)`)
			return err
		},
	},
}

// SQLite implements chat.Store backed by SQLite via modernc.org/sqlite.
type SQLite struct {
	db   *sql.DB
	mu   sync.Mutex // Serialize migrations
	once sync.Once  // Ensure _migrations table created once
}

// NewSQLite opens (or creates) a SQLite database at the given path, applies
// recommended pragmas for WAL mode and performance, and migrates the
// messages schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-20000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.Migrate(ctx, messageMigrations); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB for direct queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Get returns the message with the given ID, or chat.ErrNotFound.
func (s *SQLite) Get(ctx context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	err := s.db.QueryRowContext(ctx,
		"SELECT id, parent_message_id, role, text, name FROM messages WHERE id = ?",
		id,
	).Scan(&msg.ID, &msg.ParentMessageID, &msg.Role, &msg.Text, &msg.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &msg, nil
}

// Put inserts msg or replaces the stored message with the same ID.
func (s *SQLite) Put(ctx context.Context, msg *chat.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("put message: id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, parent_message_id, role, text, name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_message_id = excluded.parent_message_id,
			role              = excluded.role,
			text              = excluded.text,
			name              = excluded.name,
			updated_at        = CURRENT_TIMESTAMP`,
		msg.ID, msg.ParentMessageID, msg.Role, msg.Text, msg.Name,
	)
	if err != nil {
		return fmt.Errorf("put message %s: %w", msg.ID, err)
	}
	return nil
}

// Tx executes fn within a database transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *SQLite) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// Migrate runs pending migrations. Already-applied migrations (tracked in
// the _migrations table) are skipped. Migrations must be provided in
// ascending Version order.
func (s *SQLite) Migrate(ctx context.Context, migrations []Migration) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range migrations {
		applied, err := s.isMigrationApplied(ctx, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
	}

	return nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CheckVersion compares the running binary version against the version
// stored in the database and refuses to open a database written by a newer
// binary. The special version "dev" always passes.
func (s *SQLite) CheckVersion(ctx context.Context, currentVersion string) error {
	if err := s.ensureSchemaMetaTable(ctx); err != nil {
		return fmt.Errorf("ensure schema meta table: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT app_version FROM _schema_meta WHERE id = 1",
	).Scan(&stored)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)",
			currentVersion,
		)
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	if stored == "dev" || currentVersion == "dev" {
		return s.setStoredVersion(ctx, currentVersion)
	}

	cur := normalizeVersion(currentVersion)
	sto := normalizeVersion(stored)

	if semver.Compare(cur, sto) < 0 {
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, currentVersion)
	}
	if semver.Compare(cur, sto) > 0 {
		return s.setStoredVersion(ctx, currentVersion)
	}
	return nil
}

func (s *SQLite) setStoredVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		version,
	)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

func (s *SQLite) ensureSchemaMetaTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _schema_meta (
			id           INTEGER  PRIMARY KEY CHECK (id = 1),
			app_version  TEXT     NOT NULL,
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// normalizeVersion ensures the version string has a "v" prefix for semver comparison.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

func (s *SQLite) ensureMigrationsTable(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		_, err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				version     INTEGER  PRIMARY KEY,
				description TEXT     NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)
		`)
	})
	return err
}

func (s *SQLite) isMigrationApplied(ctx context.Context, version int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM _migrations WHERE version = ?",
		version,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func (s *SQLite) applyMigration(ctx context.Context, m Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(tx); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO _migrations (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		)
		return err
	})
}
