// Package backend provides the persistence tiers for the storage document
// and the capability selection that picks one of them at startup.
//
// Three tiers exist, probed in order of preference:
//
//  1. File: a JSON document file chosen by the user, replaced atomically on
//     every write.
//  2. KV: a single-row table in an embedded SQLite database, used when no
//     file capability exists.
//  3. Memory: process-local only, used when nothing else is available or
//     the user cancelled file selection.
//
// Every backend exposes an opaque modification marker. Markers compare by
// equality only: a changed marker means an external writer committed since
// the last read, nothing more.
package backend

import (
	"context"
	"errors"

	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// Kind identifies a persistence tier.
type Kind int

const (
	// KindMemory keeps the document in process memory only.
	KindMemory Kind = iota
	// KindKV stores the document in the embedded SQLite database.
	KindKV
	// KindFile stores the document in a user-chosen JSON file.
	KindFile
)

// String returns a human-readable tier name.
func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindKV:
		return "kv"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Marker is an opaque modification marker. The empty marker means "never
// read". Markers from different backends are never comparable.
type Marker string

// MarkerMissing is reported by the file backend when the backing file does
// not exist yet.
const MarkerMissing Marker = "missing"

// ErrHandleLost indicates the backing file moved, was deleted, or became
// inaccessible. The engine reacts by clearing the registered handle and
// falling back to memory mode with one automatic re-prompt.
var ErrHandleLost = errors.New("backing store handle lost")

// Backend reads and writes the serialized storage document for one tier.
//
// Load returns the current document and its marker. A missing or corrupt
// backing store yields the empty default document, never an error: corrupt
// or foreign content must not crash the engine. I/O failures are returned
// as errors wrapping ErrHandleLost where attributable to a lost handle.
//
// Store replaces the whole document atomically and returns the marker of
// the committed content.
type Backend interface {
	Load(ctx context.Context) (*schema.StorageDocument, Marker, error)
	Store(ctx context.Context, doc *schema.StorageDocument) (Marker, error)

	// Marker returns the backing store's current modification marker
	// without reading the document body.
	Marker(ctx context.Context) (Marker, error)

	Kind() Kind

	// Name is a human-readable identifier for the backing store (the file
	// name for the file tier, a fixed label otherwise).
	Name() string
}
