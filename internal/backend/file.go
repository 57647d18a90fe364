package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// FileBackend persists the document as a JSON file. Writes go through a
// temp file and rename so sibling instances never observe a half-written
// document.
type FileBackend struct {
	path   string
	logger *log.Logger
}

// NewFileBackend creates a file backend for the given path. If logger is
// nil, a default logger writing to stderr is used.
func NewFileBackend(path string, logger *log.Logger) *FileBackend {
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}
	return &FileBackend{path: path, logger: logger}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Kind implements Backend.
func (b *FileBackend) Kind() Kind {
	return KindFile
}

// Name implements Backend. It returns the base name of the backing file.
func (b *FileBackend) Name() string {
	return filepath.Base(b.path)
}

// Load implements Backend.
//
// A missing file yields the empty default document with MarkerMissing.
// Corrupt content is logged and also yields the default document; the
// marker still reflects the file on disk so the corrupt content is
// detected as "external change" exactly once.
func (b *FileBackend) Load(ctx context.Context) (*schema.StorageDocument, Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewDocument(), MarkerMissing, nil
		}
		return nil, "", fmt.Errorf("%w: read %s: %v", ErrHandleLost, b.path, err)
	}

	marker, err := b.Marker(ctx)
	if err != nil {
		return nil, "", err
	}

	doc, err := schema.DecodeDocument(data)
	if err != nil {
		if errors.Is(err, schema.ErrInvalidDocument) {
			b.logger.Printf("Warning: %s holds invalid content, starting from an empty document: %v", b.path, err)
			return schema.NewDocument(), marker, nil
		}
		return nil, "", err
	}
	return doc, marker, nil
}

// Store implements Backend. The document is written whole via temp file
// and rename. The returned marker is derived from the temp file before the
// rename, so it always identifies this write even when a sibling commits
// immediately after.
func (b *FileBackend) Store(ctx context.Context, doc *schema.StorageDocument) (Marker, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := schema.EncodeDocument(doc)
	if err != nil {
		return "", err
	}
	info, err := writeFileAtomic(b.path, data, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrHandleLost, b.path, err)
	}
	return fileMarker(info), nil
}

// Marker implements Backend. The marker is derived from the file's
// modification time and size.
func (b *FileBackend) Marker(ctx context.Context) (Marker, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return MarkerMissing, nil
		}
		return "", fmt.Errorf("%w: stat %s: %v", ErrHandleLost, b.path, err)
	}
	return fileMarker(info), nil
}

// fileMarker builds a marker from a file's identity. Rename preserves
// modification time and size, so a temp file statted before the rename
// yields the same marker as the destination after it.
func fileMarker(info fs.FileInfo) Marker {
	return Marker(fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()))
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over the destination. It returns the temp file's info, statted
// before the rename, so the caller can identify its own commit.
func writeFileAtomic(path string, data []byte, mode os.FileMode) (fs.FileInfo, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return nil, err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return nil, err
	}
	if err := tmpFile.Close(); err != nil {
		return nil, err
	}
	info, err := os.Stat(tmpName)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, err
	}
	committed = true
	return info, nil
}
