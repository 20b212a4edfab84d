// ABOUTME: SQLite implementation of the Backend interface using modernc.org/sqlite
// ABOUTME: Persists namespaced envelopes in a single key/value table with automatic schema creation

package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using SQLite
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (or creates) a SQLite database at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	logger := slog.Default().With("component", "kv.sqlite")

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	b := &SQLiteBackend{
		db:     db,
		logger: logger,
	}

	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite backend initialized", "path", path)
	return b, nil
}

// sqliteDSN builds a DSN whose pragmas apply to every pooled connection,
// not just the one that happens to run them.
func sqliteDSN(path string) string {
	pragmas := "_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

// createSchema creates the key/value table if it doesn't exist
func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := b.db.Exec(schema)
	return err
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	b.logger.Info("closing SQLite backend")
	return b.db.Close()
}

// Ping verifies the database is reachable.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get retrieves the raw value stored under key.
// Returns ErrNotFound if the key doesn't exist.
func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM kv_entries WHERE key = ?`

	var value []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying entry: %w", err)
	}

	return value, nil
}

// Set saves or replaces the value stored under key.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT OR REPLACE INTO kv_entries (key, value, updated_at)
		VALUES (?, ?, ?)
	`

	_, err := b.db.ExecContext(ctx, query,
		key,
		value,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}

	b.logger.Debug("saved entry", "key", key, "size", len(value))
	return nil
}

// Delete removes the entry stored under key. Deleting a missing key is not an error.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

// Keys lists every key that starts with prefix.
func (b *SQLiteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT key FROM kv_entries
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC
	`

	rows, err := b.db.QueryContext(ctx, query, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("querying keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating key rows: %w", err)
	}

	return keys, nil
}
