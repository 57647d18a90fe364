// Package export converts the storage document to and from JSONL, one
// record per line. Imports go through the same merge rules as concurrent
// writers, so importing is safe against a live document.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// Record is one JSONL line. Exactly one of Block and StandardBlock is set,
// discriminated by Kind.
type Record struct {
	Kind          string                `json:"kind"`
	Block         *schema.Block         `json:"block,omitempty"`
	StandardBlock *schema.StandardBlock `json:"standardBlock,omitempty"`
}

const (
	kindBlock    = "block"
	kindStandard = "standard"
)

// Result contains statistics about an import.
type Result struct {
	BlocksImported   int
	StandardImported int
	Errors           []string
}

// Write streams every record of the document to w as JSONL.
func Write(w io.Writer, doc *schema.StorageDocument) error {
	enc := json.NewEncoder(w)
	for i := range doc.Blocks {
		rec := Record{Kind: kindBlock, Block: &doc.Blocks[i]}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode block %d: %w", doc.Blocks[i].ID, err)
		}
	}
	for i := range doc.StandardBlocks {
		rec := Record{Kind: kindStandard, StandardBlock: &doc.StandardBlocks[i]}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode standard block %d: %w", doc.StandardBlocks[i].ID, err)
		}
	}
	return nil
}

// Read parses a JSONL stream into block lists. Invalid records are
// collected in the result, not fatal: a partly readable export still
// imports everything it can.
func Read(r io.Reader) ([]schema.Block, []schema.StandardBlock, *Result, error) {
	var blocks []schema.Block
	var standard []schema.StandardBlock
	result := &Result{}

	decoder := json.NewDecoder(r)
	lineNum := 0
	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, nil, nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		switch rec.Kind {
		case kindBlock:
			if rec.Block == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: block record without a block", lineNum))
				continue
			}
			if err := rec.Block.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", lineNum, err))
				continue
			}
			blocks = append(blocks, *rec.Block)
			result.BlocksImported++

		case kindStandard:
			if rec.StandardBlock == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: standard record without a standard block", lineNum))
				continue
			}
			if err := rec.StandardBlock.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", lineNum, err))
				continue
			}
			standard = append(standard, *rec.StandardBlock)
			result.StandardImported++

		default:
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: unknown kind %q", lineNum, rec.Kind))
		}
	}

	return blocks, standard, result, nil
}

// Backup copies path next to itself with a timestamp suffix before a
// destructive operation.
func Backup(path string) (string, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input for backup: %w", err)
	}
	backupPath := path + ".backup." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}

// Merge folds imported lists into an existing document using the same
// rules as concurrent-writer reconciliation, with the imported side
// treated as external.
func Merge(doc *schema.StorageDocument, blocks []schema.Block, standard []schema.StandardBlock) *schema.StorageDocument {
	incoming := &schema.StorageDocument{
		Version:        schema.DocumentVersion,
		Blocks:         blocks,
		StandardBlocks: standard,
	}
	return schema.MergeDocuments(doc, incoming)
}
