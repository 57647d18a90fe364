package engine

import (
	"context"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// pollLoop periodically compares the backing store's modification marker to
// the last-known value and re-reads on mismatch. Polling is suspended while
// the active predicate is false and while a write is in flight, so a
// half-written file is never observed.
func (e *Engine) pollLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			if e.config.Active != nil && !e.config.Active() {
				continue
			}

			e.mu.Lock()
			if e.saving || e.writePending {
				e.mu.Unlock()
				continue
			}
			be := e.backend
			last := e.marker
			e.mu.Unlock()

			current, err := be.Marker(e.ctx)
			if err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.handleIOFailure(err)
				continue
			}
			if current != last {
				e.reload(e.ctx)
			}
		}
	}
}

// notifyLoop listens for broadcast messages from sibling instances. A data
// update whose timestamp differs from the local document's triggers the
// same re-read path as a poll mismatch; a file change message re-reads
// unconditionally.
func (e *Engine) notifyLoop() {
	defer e.wg.Done()

	ch, cancel := e.notifier.Subscribe()
	defer cancel()

	for {
		select {
		case <-e.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			e.mu.Lock()
			saving := e.saving
			lastModified := e.doc.LastModified
			e.mu.Unlock()
			if saving {
				continue
			}

			switch msg.Type {
			case notify.TypeDataUpdated:
				if msg.Timestamp.Equal(lastModified) {
					continue
				}
				e.reload(e.ctx)
			case notify.TypeFileChanged:
				e.reload(e.ctx)
			}
		}
	}
}

// reload reads the backing store and folds any external snapshot into the
// in-memory document. Local not-yet-persisted edits survive the merge.
func (e *Engine) reload(ctx context.Context) {
	e.mu.Lock()
	be := e.backend
	e.mu.Unlock()

	external, marker, err := be.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.handleIOFailure(err)
		return
	}

	e.mu.Lock()
	if marker == e.marker {
		e.mu.Unlock()
		return
	}
	e.doc = schema.MergeDocuments(e.doc, external)
	e.marker = marker
	blocks := schema.CloneBlocks(e.doc.Blocks)
	standard := schema.CloneStandardBlocks(e.doc.StandardBlocks)
	e.mu.Unlock()

	e.config.Logger.Printf("External change detected, re-read complete")
	e.publishBlocks(blocks)
	e.publishStandard(standard)
}
