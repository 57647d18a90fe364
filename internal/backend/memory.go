package backend

import (
	"context"
	"strconv"
	"sync"

	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// MemoryBackend keeps the document in process memory. It exists so the
// engine API keeps working when no durable tier is available; nothing
// survives process exit.
type MemoryBackend struct {
	mu       sync.Mutex
	doc      *schema.StorageDocument
	revision int64
}

// NewMemoryBackend creates an empty memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Kind implements Backend.
func (b *MemoryBackend) Kind() Kind {
	return KindMemory
}

// Name implements Backend.
func (b *MemoryBackend) Name() string {
	return "memory"
}

// Load implements Backend.
func (b *MemoryBackend) Load(ctx context.Context) (*schema.StorageDocument, Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return schema.NewDocument(), b.marker(), nil
	}
	return b.doc.Clone(), b.marker(), nil
}

// Store implements Backend.
func (b *MemoryBackend) Store(ctx context.Context, doc *schema.StorageDocument) (Marker, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = doc.Clone()
	b.revision++
	return b.marker(), nil
}

// Marker implements Backend.
func (b *MemoryBackend) Marker(ctx context.Context) (Marker, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.marker(), nil
}

func (b *MemoryBackend) marker() Marker {
	return Marker(strconv.FormatInt(b.revision, 10))
}
