// Package schema provides the data structures for the time-block storage
// document.
//
// The entire dataset is persisted as a single JSON document: two record
// collections (blocks and standard blocks) plus a version string and a
// document-level modification timestamp. There is no per-record storage;
// every mutation rewrites the whole document.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DocumentVersion is the wire format version written by this engine.
const DocumentVersion = "1.0"

// Status describes the lifecycle state of a block.
type Status string

const (
	// StatusActive indicates a block that is currently in progress.
	StatusActive Status = "active"
	// StatusCompleted indicates a block that finished normally.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a block that was abandoned or missed.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known status values.
// The empty status is valid: status is an optional field.
func (s Status) Valid() bool {
	switch s {
	case "", StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Block is a single scheduled time block.
//
// Fields are flat with last-write-wins semantics: LastModified is updated on
// every field mutation and is the sole tie-breaker when two engine instances
// modify the same block concurrently.
type Block struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Notes  string `json:"notes,omitempty"`
	Status Status `json:"status,omitempty"`

	// FailedAt and FailureReason are set when Status becomes StatusFailed
	// and change only through an explicit edit afterwards.
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`

	LastModified *time.Time `json:"lastModified,omitempty"`
}

// Validate checks the Block invariants.
func (b *Block) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.StartTime.IsZero() {
		return fmt.Errorf("startTime is required")
	}
	if b.EndTime.IsZero() {
		return fmt.Errorf("endTime is required")
	}
	if !b.EndTime.After(b.StartTime) {
		return fmt.Errorf("endTime must be after startTime")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("unknown status %q", b.Status)
	}
	if b.Status == StatusFailed {
		if b.FailedAt == nil {
			return fmt.Errorf("failed block requires failedAt")
		}
		if b.FailureReason == "" {
			return fmt.Errorf("failed block requires failureReason")
		}
	}
	return nil
}

// ModifiedAt returns the block's LastModified, or the zero time when the
// field is unset. Blocks without a timestamp always lose merge comparisons.
func (b *Block) ModifiedAt() time.Time {
	if b.LastModified == nil {
		return time.Time{}
	}
	return *b.LastModified
}

// Touch sets LastModified to now. Call it whenever any field is mutated.
func (b *Block) Touch(now time.Time) {
	t := now
	b.LastModified = &t
}

// StandardBlock is a reusable block template. It carries no modification
// timestamp, so merges of standard blocks are unconditionally local-wins.
type StandardBlock struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// Validate checks the StandardBlock invariants.
func (s *StandardBlock) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// StorageDocument is the unit of persistence.
type StorageDocument struct {
	Version        string          `json:"version"`
	LastModified   time.Time       `json:"lastModified"`
	Blocks         []Block         `json:"blocks"`
	StandardBlocks []StandardBlock `json:"standardBlocks"`
}

// NewDocument returns the empty default document. It is the fallback for
// first runs and for corrupt backing content.
func NewDocument() *StorageDocument {
	return &StorageDocument{
		Version:        DocumentVersion,
		Blocks:         []Block{},
		StandardBlocks: []StandardBlock{},
	}
}

// Clone returns a deep copy of the document. Pointer fields are duplicated
// so callers can mutate the copy freely.
func (d *StorageDocument) Clone() *StorageDocument {
	out := &StorageDocument{
		Version:        d.Version,
		LastModified:   d.LastModified,
		Blocks:         CloneBlocks(d.Blocks),
		StandardBlocks: CloneStandardBlocks(d.StandardBlocks),
	}
	return out
}

// CloneBlocks deep-copies a block slice.
func CloneBlocks(blocks []Block) []Block {
	out := make([]Block, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].FailedAt != nil {
			t := *out[i].FailedAt
			out[i].FailedAt = &t
		}
		if out[i].LastModified != nil {
			t := *out[i].LastModified
			out[i].LastModified = &t
		}
	}
	return out
}

// CloneStandardBlocks copies a standard block slice.
func CloneStandardBlocks(blocks []StandardBlock) []StandardBlock {
	out := make([]StandardBlock, len(blocks))
	copy(out, blocks)
	return out
}

// ErrInvalidDocument matches any ParseError via errors.Is.
var ErrInvalidDocument = errors.New("invalid storage document")

// ParseError reports corrupt or schema-invalid backing content. Callers are
// expected to log it and fall back to NewDocument() rather than fail the
// read that triggered it.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse document: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse document: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrInvalidDocument
}

// rawDocument defers field decoding so schema violations can be reported
// per-field instead of as one opaque unmarshal error.
type rawDocument struct {
	Version        json.RawMessage `json:"version"`
	LastModified   json.RawMessage `json:"lastModified"`
	Blocks         json.RawMessage `json:"blocks"`
	StandardBlocks json.RawMessage `json:"standardBlocks"`
}

// DecodeDocument parses and validates wire-format JSON.
//
// Validation is structural only: version must be a string and both
// collections must be arrays. Record-level invariants are not enforced here;
// a document written by a newer or foreign writer should still load.
// All failures are returned as *ParseError.
func DecodeDocument(data []byte) (*StorageDocument, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ParseError{Reason: "not a JSON object", Err: err}
	}

	doc := NewDocument()

	if len(raw.Version) == 0 {
		return nil, &ParseError{Reason: "missing version"}
	}
	if err := json.Unmarshal(raw.Version, &doc.Version); err != nil {
		return nil, &ParseError{Reason: "version is not a string", Err: err}
	}

	if len(raw.LastModified) > 0 {
		if err := json.Unmarshal(raw.LastModified, &doc.LastModified); err != nil {
			return nil, &ParseError{Reason: "lastModified is not a timestamp", Err: err}
		}
	}

	if len(raw.Blocks) > 0 {
		if err := json.Unmarshal(raw.Blocks, &doc.Blocks); err != nil {
			return nil, &ParseError{Reason: "blocks is not an array of blocks", Err: err}
		}
	}
	if doc.Blocks == nil {
		doc.Blocks = []Block{}
	}

	if len(raw.StandardBlocks) > 0 {
		if err := json.Unmarshal(raw.StandardBlocks, &doc.StandardBlocks); err != nil {
			return nil, &ParseError{Reason: "standardBlocks is not an array of standard blocks", Err: err}
		}
	}
	if doc.StandardBlocks == nil {
		doc.StandardBlocks = []StandardBlock{}
	}

	return doc, nil
}

// EncodeDocument serializes the document to pretty-printed wire JSON.
// Times marshal as RFC 3339 strings.
func EncodeDocument(doc *StorageDocument) ([]byte, error) {
	out := doc.Clone()
	if out.Version == "" {
		out.Version = DocumentVersion
	}
	if out.Blocks == nil {
		out.Blocks = []Block{}
	}
	if out.StandardBlocks == nil {
		out.StandardBlocks = []StandardBlock{}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return data, nil
}
