package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/simondcohen/scblockerdashboard/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// documentKey is the fixed key under which the document is stored.
const documentKey = "storage-document"

// KVBackend persists the document as a single row in an embedded SQLite
// database. An integer revision bumped on every store serves as the
// modification marker; WAL mode lets sibling instances read concurrently.
type KVBackend struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// OpenKV creates or opens the key-value backend database at path.
// The caller must Close() when done.
func OpenKV(path string, logger *log.Logger) (*KVBackend, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	b := &KVBackend{conn: conn, path: path, logger: logger}
	if err := b.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *KVBackend) initSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS documents (
		key TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	`
	if _, err := b.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize document schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (b *KVBackend) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

// Kind implements Backend.
func (b *KVBackend) Kind() Kind {
	return KindKV
}

// Name implements Backend.
func (b *KVBackend) Name() string {
	return filepath.Base(b.path)
}

// Load implements Backend. A missing row yields the empty default document;
// a corrupt row is logged and also yields the default document.
func (b *KVBackend) Load(ctx context.Context) (*schema.StorageDocument, Marker, error) {
	var body []byte
	var revision int64

	row := b.conn.QueryRowContext(ctx, "SELECT body, revision FROM documents WHERE key = ?", documentKey)
	err := row.Scan(&body, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.NewDocument(), Marker("0"), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read document: %w", err)
	}

	marker := revisionMarker(revision)
	doc, err := schema.DecodeDocument(body)
	if err != nil {
		if errors.Is(err, schema.ErrInvalidDocument) {
			b.logger.Printf("Warning: stored document is invalid, starting from an empty document: %v", err)
			return schema.NewDocument(), marker, nil
		}
		return nil, "", err
	}
	return doc, marker, nil
}

// Store implements Backend. The row is replaced whole and its revision
// bumped in one statement; RETURNING hands back the revision this write
// produced, so a sibling committing right after cannot be mistaken for it.
func (b *KVBackend) Store(ctx context.Context, doc *schema.StorageDocument) (Marker, error) {
	data, err := schema.EncodeDocument(doc)
	if err != nil {
		return "", err
	}

	query := `
	INSERT INTO documents (key, body, revision, updated_at)
	VALUES (?, ?, 1, datetime('now'))
	ON CONFLICT(key) DO UPDATE SET
		body = excluded.body,
		revision = documents.revision + 1,
		updated_at = excluded.updated_at
	RETURNING revision
	`
	var revision int64
	if err := b.conn.QueryRowContext(ctx, query, documentKey, data).Scan(&revision); err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}
	return revisionMarker(revision), nil
}

// Marker implements Backend.
func (b *KVBackend) Marker(ctx context.Context) (Marker, error) {
	var revision int64
	row := b.conn.QueryRowContext(ctx, "SELECT revision FROM documents WHERE key = ?", documentKey)
	err := row.Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker("0"), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read document revision: %w", err)
	}
	return revisionMarker(revision), nil
}

func revisionMarker(revision int64) Marker {
	return Marker(strconv.FormatInt(revision, 10))
}
