// Package registry persists the opaque reference to the previously chosen
// backing store across engine restarts.
//
// It is a tiny embedded key-value store: a single fixed key in a SQLite
// database opened in embedded mode with WAL. The registry is consulted only
// at startup and after a successful re-prompt, never on the hot read path.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// handleKey is the fixed key under which the active handle is stored.
const handleKey = "active-handle"

// Handle is a registered backing-store reference.
type Handle struct {
	// Path is the absolute path of the backing file.
	Path string

	// StoredAt is when the handle was registered.
	StoredAt time.Time
}

// Registry is the embedded store for the active handle.
type Registry struct {
	conn *sql.DB
	path string
}

// Open creates or opens the registry database at the specified path.
//
// The database is opened in embedded mode with WAL so a sibling engine
// instance can read while another writes. The caller must Close() when done.
func Open(path string) (*Registry, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	r := &Registry{conn: conn, path: path}
	if err := r.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS handles (
		key TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		stored_at TEXT NOT NULL
	);
	`
	if _, err := r.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return nil
}

// Close closes the registry database.
func (r *Registry) Close() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close registry database: %w", err)
	}
	r.conn = nil
	return nil
}

// Store registers the handle, replacing any previous registration.
func (r *Registry) Store(handle Handle) error {
	return r.StoreContext(context.Background(), handle)
}

// StoreContext registers the handle with context support.
func (r *Registry) StoreContext(ctx context.Context, handle Handle) error {
	storedAt := handle.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	query := `
	INSERT INTO handles (key, path, stored_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		path = excluded.path,
		stored_at = excluded.stored_at
	`
	_, err := r.conn.ExecContext(ctx, query, handleKey, handle.Path, storedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store handle: %w", err)
	}
	return nil
}

// Get returns the registered handle, if any.
func (r *Registry) Get() (Handle, bool, error) {
	return r.GetContext(context.Background())
}

// GetContext returns the registered handle with context support.
func (r *Registry) GetContext(ctx context.Context) (Handle, bool, error) {
	var handle Handle
	var storedAt string

	row := r.conn.QueryRowContext(ctx, "SELECT path, stored_at FROM handles WHERE key = ?", handleKey)
	err := row.Scan(&handle.Path, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, fmt.Errorf("failed to read handle: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, storedAt); err == nil {
		handle.StoredAt = t
	}
	return handle, true, nil
}

// Clear removes the registered handle. Clearing an empty registry is a no-op.
func (r *Registry) Clear() error {
	return r.ClearContext(context.Background())
}

// ClearContext removes the registered handle with context support.
func (r *Registry) ClearContext(ctx context.Context) error {
	if _, err := r.conn.ExecContext(ctx, "DELETE FROM handles WHERE key = ?", handleKey); err != nil {
		return fmt.Errorf("failed to clear handle: %w", err)
	}
	return nil
}
