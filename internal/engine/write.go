package engine

import (
	"context"
	"errors"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// SetBlocks replaces the block list. The in-memory document is updated
// synchronously so snapshot readers see the change immediately; the write
// commits after the debounce interval.
func (e *Engine) SetBlocks(blocks []schema.Block) {
	e.mu.Lock()
	e.doc.Blocks = schema.CloneBlocks(blocks)
	e.doc.LastModified = time.Now()
	snapshot := schema.CloneBlocks(e.doc.Blocks)
	e.scheduleWriteLocked()
	e.mu.Unlock()

	e.publishBlocks(snapshot)
}

// SetStandardBlocks replaces the standard block list, with the same
// synchronous-update, debounced-write contract as SetBlocks.
func (e *Engine) SetStandardBlocks(blocks []schema.StandardBlock) {
	e.mu.Lock()
	e.doc.StandardBlocks = schema.CloneStandardBlocks(blocks)
	e.doc.LastModified = time.Now()
	snapshot := schema.CloneStandardBlocks(e.doc.StandardBlocks)
	e.scheduleWriteLocked()
	e.mu.Unlock()

	e.publishStandard(snapshot)
}

// scheduleWriteLocked arms the debounce timer, replacing any earlier
// pending write. Callers hold e.mu.
func (e *Engine) scheduleWriteLocked() {
	e.writePending = true
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounce = time.AfterFunc(e.config.DebounceInterval, e.flush)
}

// flush commits the pending write. Before writing it re-checks the backing
// store's marker; a differing marker means an external writer committed
// since the last read, so the external snapshot is merged in first. flush
// is a no-op when no write is pending. The saving flag serializes stores:
// at most one is in flight per instance.
func (e *Engine) flush() {
	e.mu.Lock()
	if !e.writePending || e.backend == nil {
		// Mutations before Init stay pending until a tier exists.
		e.mu.Unlock()
		return
	}
	if e.saving {
		// A store is already in flight. The write stays pending; the
		// completing flush re-arms it.
		e.debounce = nil
		e.mu.Unlock()
		return
	}
	e.writePending = false
	e.debounce = nil
	e.saving = true
	e.saveWG.Add(1)
	be := e.backend
	doc := e.doc.Clone()
	last := e.marker
	e.mu.Unlock()

	e.publishSaving(true)
	defer e.publishSaving(false)

	// Flush must complete even during shutdown, so it does not run under
	// the engine's lifecycle context.
	ctx := context.Background()

	current, err := be.Marker(ctx)
	if err != nil {
		e.finishSave()
		e.handleIOFailure(err)
		return
	}

	if current != last {
		external, _, err := be.Load(ctx)
		if err != nil {
			e.finishSave()
			e.handleIOFailure(err)
			return
		}
		e.config.Logger.Printf("External change detected before write, merging")
		doc = schema.MergeDocuments(doc, external)
	}

	marker, err := be.Store(ctx, doc)
	if err != nil {
		e.finishSave()
		e.handleIOFailure(err)
		return
	}

	e.mu.Lock()
	// Mutations may have landed while the store was in flight; fold the
	// committed snapshot into the current document rather than replacing it.
	e.doc = schema.MergeDocuments(e.doc, doc)
	e.marker = marker
	e.saving = false
	if e.writePending {
		// A mutation arrived while this store was in flight.
		e.scheduleWriteLocked()
	}
	blocks := schema.CloneBlocks(e.doc.Blocks)
	standard := schema.CloneStandardBlocks(e.doc.StandardBlocks)
	lastModified := e.doc.LastModified
	e.mu.Unlock()
	e.saveWG.Done()

	e.publishBlocks(blocks)
	e.publishStandard(standard)

	e.notifier.Publish(notify.Message{Type: notify.TypeDataUpdated, Timestamp: lastModified})
}

// finishSave clears the saving flag after a failed write. The in-memory
// document stays authoritative; no data is lost, and any write that became
// pending during the failed store is re-armed.
func (e *Engine) finishSave() {
	e.mu.Lock()
	e.saving = false
	if e.writePending {
		e.scheduleWriteLocked()
	}
	e.mu.Unlock()
	e.saveWG.Done()
}

// handleIOFailure reacts to a read or write failure against the backing
// store. A lost file handle clears the registry entry, transitions to
// needs-permission, and attempts exactly one automatic re-prompt for the
// session; failing that the engine continues in memory with the current
// document intact. Failures on other tiers are logged and tolerated.
func (e *Engine) handleIOFailure(err error) {
	if !errors.Is(err, backend.ErrHandleLost) {
		e.config.Logger.Printf("Warning: backing store error: %v", err)
		return
	}

	e.mu.Lock()
	if e.mode != ModeFile {
		e.mu.Unlock()
		e.config.Logger.Printf("Warning: backing store error: %v", err)
		return
	}
	e.mode = ModeNeedsPermission
	alreadyReprompted := e.reprompted
	e.reprompted = true
	e.mu.Unlock()

	e.config.Logger.Printf("File handle lost: %v", err)
	e.publishMode(ModeNeedsPermission)

	if e.selectOpts.Registry != nil {
		if err := e.selectOpts.Registry.Clear(); err != nil {
			e.config.Logger.Printf("Warning: failed to clear handle registry: %v", err)
		}
	}

	if !alreadyReprompted && e.selectOpts.Prompter != nil {
		ctx, cancel := context.WithCancel(e.ctx)
		defer cancel()
		if repErr := e.ChangeFile(ctx); repErr == nil && e.Mode() == ModeFile {
			return
		}
	}

	e.mu.Lock()
	e.mode = ModeMemory
	e.fileName = ""
	e.backend = backend.NewMemoryBackend()
	e.marker = ""
	e.mu.Unlock()

	e.publishMode(ModeMemory)
	e.publishFile("")
}
