package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig(be backend.Backend, notifier notify.Notifier) *Config {
	return &Config{
		DebounceInterval: 30 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		Backend:          be,
		Notifier:         notifier,
		Logger:           quietLogger(),
	}
}

func startEngine(t *testing.T, opts backend.SelectOptions, config *Config) *Engine {
	t.Helper()
	e := New(opts, config)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func makeBlock(id int64, name string) schema.Block {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour)
	modified := time.Now()
	return schema.Block{
		ID:           id,
		Name:         name,
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		LastModified: &modified,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func blockIDs(blocks []schema.Block) map[int64]bool {
	ids := make(map[int64]bool, len(blocks))
	for _, b := range blocks {
		ids[b.ID] = true
	}
	return ids
}

// countingBackend wraps another backend and counts physical operations.
type countingBackend struct {
	inner backend.Backend

	mu     sync.Mutex
	stores int
}

func (c *countingBackend) Load(ctx context.Context) (*schema.StorageDocument, backend.Marker, error) {
	return c.inner.Load(ctx)
}

func (c *countingBackend) Store(ctx context.Context, doc *schema.StorageDocument) (backend.Marker, error) {
	c.mu.Lock()
	c.stores++
	c.mu.Unlock()
	return c.inner.Store(ctx, doc)
}

func (c *countingBackend) Marker(ctx context.Context) (backend.Marker, error) {
	return c.inner.Marker(ctx)
}

func (c *countingBackend) Kind() backend.Kind { return c.inner.Kind() }
func (c *countingBackend) Name() string       { return c.inner.Name() }

func (c *countingBackend) storeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores
}

// lossyBackend simulates a file backend whose handle can be revoked.
type lossyBackend struct {
	inner backend.Backend

	mu   sync.Mutex
	lost bool
}

func (l *lossyBackend) revoke() {
	l.mu.Lock()
	l.lost = true
	l.mu.Unlock()
}

func (l *lossyBackend) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost {
		return fmt.Errorf("%w: handle revoked", backend.ErrHandleLost)
	}
	return nil
}

func (l *lossyBackend) Load(ctx context.Context) (*schema.StorageDocument, backend.Marker, error) {
	if err := l.err(); err != nil {
		return nil, "", err
	}
	return l.inner.Load(ctx)
}

func (l *lossyBackend) Store(ctx context.Context, doc *schema.StorageDocument) (backend.Marker, error) {
	if err := l.err(); err != nil {
		return "", err
	}
	return l.inner.Store(ctx, doc)
}

func (l *lossyBackend) Marker(ctx context.Context) (backend.Marker, error) {
	if err := l.err(); err != nil {
		return "", err
	}
	return l.inner.Marker(ctx)
}

func (l *lossyBackend) Kind() backend.Kind { return backend.KindFile }
func (l *lossyBackend) Name() string       { return "lossy" }

func TestDebounceCoalescesWrites(t *testing.T) {
	counting := &countingBackend{inner: backend.NewMemoryBackend()}
	e := startEngine(t, backend.SelectOptions{}, testConfig(counting, nil))

	var blocks []schema.Block
	for i := int64(1); i <= 5; i++ {
		blocks = append(blocks, makeBlock(i, fmt.Sprintf("Block %d", i)))
		e.SetBlocks(blocks)
	}

	waitFor(t, "debounced write", func() bool { return counting.storeCount() >= 1 })

	// Give any spurious extra write time to land.
	time.Sleep(150 * time.Millisecond)

	if got := counting.storeCount(); got != 1 {
		t.Errorf("store count = %d, want 1", got)
	}
	if got := len(e.Blocks()); got != 5 {
		t.Errorf("block count = %d, want 5", got)
	}

	doc, _, err := counting.inner.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Blocks) != 5 {
		t.Errorf("persisted %d blocks, want all 5 from the final call", len(doc.Blocks))
	}
}

func TestRoundTripThroughReinit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.json")

	first := startEngine(t, backend.SelectOptions{},
		testConfig(backend.NewFileBackend(path, quietLogger()), nil))

	focus := makeBlock(1, "Focus")
	first.SetBlocks([]schema.Block{focus})
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := startEngine(t, backend.SelectOptions{},
		testConfig(backend.NewFileBackend(path, quietLogger()), nil))

	blocks := second.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks after re-init, want 1", len(blocks))
	}
	got := blocks[0]
	if got.Name != "Focus" {
		t.Errorf("name = %q, want Focus", got.Name)
	}
	if !got.StartTime.Equal(focus.StartTime) || !got.EndTime.Equal(focus.EndTime) {
		t.Errorf("time range %v-%v, want %v-%v", got.StartTime, got.EndTime, focus.StartTime, focus.EndTime)
	}
}

func TestTwoInstanceConvergence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.json")
	bus := notify.NewBus()
	defer bus.Close()

	a := startEngine(t, backend.SelectOptions{},
		testConfig(backend.NewFileBackend(path, quietLogger()), bus))
	b := startEngine(t, backend.SelectOptions{},
		testConfig(backend.NewFileBackend(path, quietLogger()), bus))

	a.SetBlocks([]schema.Block{makeBlock(1, "Focus")})

	// Let a's write land before b writes, so the merge path is exercised
	// instead of the acknowledged racing-writers window.
	waitFor(t, "a's write to commit", func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(data) > 0
	})

	// b appends to whatever it currently sees. Whether or not it has
	// learned of block 1 yet, both instances must converge on {1,2}.
	b.SetBlocks(append(b.Blocks(), makeBlock(2, "Email")))

	for name, eng := range map[string]*Engine{"a": a, "b": b} {
		waitFor(t, name+" converging on both blocks", func() bool {
			ids := blockIDs(eng.Blocks())
			return len(ids) == 2 && ids[1] && ids[2]
		})
	}
}

func TestHandleLossFallsBackToMemory(t *testing.T) {
	lossy := &lossyBackend{inner: backend.NewMemoryBackend()}
	e := startEngine(t, backend.SelectOptions{}, testConfig(lossy, nil))

	if e.Mode() != ModeFile {
		t.Fatalf("mode = %v, want file", e.Mode())
	}

	var transitionsMu sync.Mutex
	var transitions []Mode
	cancel := e.SubscribeMode(func(m Mode) {
		transitionsMu.Lock()
		transitions = append(transitions, m)
		transitionsMu.Unlock()
	})
	defer cancel()

	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})
	waitFor(t, "first write", func() bool { return !e.Saving() && e.Mode() == ModeFile })
	time.Sleep(100 * time.Millisecond)

	lossy.revoke()
	e.SetBlocks([]schema.Block{makeBlock(1, "Focus"), makeBlock(2, "Email")})

	waitFor(t, "fallback to memory mode", func() bool { return e.Mode() == ModeMemory })

	// The in-memory list survives the lost handle.
	ids := blockIDs(e.Blocks())
	if len(ids) != 2 || !ids[1] || !ids[2] {
		t.Errorf("blocks after handle loss = %v, want {1,2}", ids)
	}

	transitionsMu.Lock()
	defer transitionsMu.Unlock()
	sawNeedsPermission := false
	for _, m := range transitions {
		if m == ModeNeedsPermission {
			sawNeedsPermission = true
		}
	}
	if !sawNeedsPermission {
		t.Errorf("mode transitions %v never passed through needs-permission", transitions)
	}
}

func TestMemoryModeDefaulting(t *testing.T) {
	stateDir := t.TempDir()
	e := startEngine(t, backend.SelectOptions{
		DisableFile: true,
		DisableKV:   true,
		StateDir:    stateDir,
	}, testConfig(nil, nil))

	if e.Mode() != ModeMemory {
		t.Fatalf("mode = %v, want memory", e.Mode())
	}

	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})
	waitFor(t, "debounced write", func() bool { return len(e.Blocks()) == 1 && !e.Saving() })
	time.Sleep(100 * time.Millisecond)

	// Memory mode must never touch the state directory.
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("state dir has %d entries, want none", len(entries))
	}
}

func TestInitIsIdempotent(t *testing.T) {
	e := startEngine(t, backend.SelectOptions{DisableFile: true, DisableKV: true, StateDir: t.TempDir()},
		testConfig(nil, nil))

	for i := 0; i < 3; i++ {
		if err := e.Init(context.Background()); err != nil {
			t.Fatalf("repeat Init: %v", err)
		}
	}
	if e.Mode() != ModeMemory {
		t.Errorf("mode = %v, want memory", e.Mode())
	}
}

func TestChangeFileMergesExistingContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.json")

	// Pre-populate the target file as if another device had written it.
	existing := schema.NewDocument()
	existing.Blocks = []schema.Block{makeBlock(1, "Focus")}
	existing.LastModified = time.Now()
	data, err := schema.EncodeDocument(existing)
	if err != nil {
		t.Fatalf("EncodeDocument: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	opts := backend.SelectOptions{
		DisableFile: true,
		DisableKV:   true,
		StateDir:    dir,
		Prompter: backend.PrompterFunc(func(ctx context.Context) (string, error) {
			return path, nil
		}),
	}
	e := startEngine(t, opts, testConfig(nil, nil))

	e.SetBlocks([]schema.Block{makeBlock(2, "Email")})

	if err := e.ChangeFile(context.Background()); err != nil {
		t.Fatalf("ChangeFile: %v", err)
	}

	if e.Mode() != ModeFile {
		t.Fatalf("mode = %v, want file", e.Mode())
	}

	waitFor(t, "merged write to the new file", func() bool {
		raw, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		doc, err := schema.DecodeDocument(raw)
		if err != nil {
			return false
		}
		ids := blockIDs(doc.Blocks)
		return len(ids) == 2 && ids[1] && ids[2]
	})

	ids := blockIDs(e.Blocks())
	if len(ids) != 2 || !ids[1] || !ids[2] {
		t.Errorf("blocks after change-file = %v, want {1,2}", ids)
	}
}

func TestChangeFileCancelledLeavesEngineUnchanged(t *testing.T) {
	opts := backend.SelectOptions{
		DisableFile: true,
		DisableKV:   true,
		StateDir:    t.TempDir(),
		Prompter:    backend.NoPrompter{},
	}
	e := startEngine(t, opts, testConfig(nil, nil))

	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})

	if err := e.ChangeFile(context.Background()); err != nil {
		t.Fatalf("ChangeFile after cancel: %v", err)
	}
	if e.Mode() != ModeMemory {
		t.Errorf("mode = %v, want memory after cancelled prompt", e.Mode())
	}
	if len(e.Blocks()) != 1 {
		t.Errorf("blocks lost across cancelled prompt")
	}
}

func TestPollDetectsExternalWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.json")

	e := startEngine(t, backend.SelectOptions{},
		testConfig(backend.NewFileBackend(path, quietLogger()), nil))

	// Another process replaces the file outside any broadcast channel.
	external := schema.NewDocument()
	external.Blocks = []schema.Block{makeBlock(7, "Imported")}
	external.LastModified = time.Now()
	data, err := schema.EncodeDocument(external)
	if err != nil {
		t.Fatalf("EncodeDocument: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "poll loop to pick up the external write", func() bool {
		return blockIDs(e.Blocks())[7]
	})
}

func TestPollSuspendedWhileInactive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.json")

	config := testConfig(backend.NewFileBackend(path, quietLogger()), nil)
	config.Active = func() bool { return false }
	e := startEngine(t, backend.SelectOptions{}, config)

	external := schema.NewDocument()
	external.Blocks = []schema.Block{makeBlock(7, "Imported")}
	external.LastModified = time.Now()
	data, err := schema.EncodeDocument(external)
	if err != nil {
		t.Fatalf("EncodeDocument: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(300 * time.Millisecond)
	if blockIDs(e.Blocks())[7] {
		t.Error("inactive engine picked up an external write")
	}
}

func TestCloseFlushesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.json")

	config := testConfig(backend.NewFileBackend(path, quietLogger()), nil)
	// A long debounce guarantees the write is still pending at Close.
	config.DebounceInterval = time.Hour
	e := New(backend.SelectOptions{}, config)
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("backing file missing after Close: %v", err)
	}
	doc, err := schema.DecodeDocument(raw)
	if err != nil {
		t.Fatalf("DecodeDocument: %v", err)
	}
	if len(doc.Blocks) != 1 || doc.Blocks[0].Name != "Focus" {
		t.Errorf("flushed document = %+v, want the pending block", doc.Blocks)
	}
}

func TestPublicAPINeverRejectsOnIOFailure(t *testing.T) {
	lossy := &lossyBackend{inner: backend.NewMemoryBackend()}
	lossy.revoke()

	e := startEngine(t, backend.SelectOptions{}, testConfig(lossy, nil))

	// Every public entry point keeps working after total handle loss.
	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})
	e.SetStandardBlocks([]schema.StandardBlock{{ID: 1, Name: "Morning"}})
	_ = e.Blocks()
	_ = e.StandardBlocks()
	_ = e.Mode()
	_ = e.FileName()

	waitFor(t, "fallback to memory mode", func() bool { return e.Mode() == ModeMemory })

	if err := e.Close(); err != nil {
		t.Fatalf("Close after handle loss: %v", err)
	}
}

// slowBackend delays every store, long enough for further mutations and
// debounce timers to fire while a write is in flight.
type slowBackend struct {
	inner backend.Backend
	delay time.Duration

	mu          sync.Mutex
	stores      int
	inFlight    int
	maxInFlight int
}

func (s *slowBackend) Load(ctx context.Context) (*schema.StorageDocument, backend.Marker, error) {
	return s.inner.Load(ctx)
}

func (s *slowBackend) Store(ctx context.Context, doc *schema.StorageDocument) (backend.Marker, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(s.delay)
	marker, err := s.inner.Store(ctx, doc)

	s.mu.Lock()
	s.inFlight--
	s.stores++
	s.mu.Unlock()
	return marker, err
}

func (s *slowBackend) Marker(ctx context.Context) (backend.Marker, error) {
	return s.inner.Marker(ctx)
}

func (s *slowBackend) Kind() backend.Kind { return s.inner.Kind() }
func (s *slowBackend) Name() string       { return s.inner.Name() }

func (s *slowBackend) stats() (stores, maxInFlight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stores, s.maxInFlight
}

func TestStoresNeverOverlap(t *testing.T) {
	slow := &slowBackend{inner: backend.NewMemoryBackend(), delay: 150 * time.Millisecond}

	e := startEngine(t, backend.SelectOptions{}, testConfig(slow, nil))

	e.SetBlocks([]schema.Block{makeBlock(1, "Focus")})
	// Let the first store get in flight, then mutate again so the debounce
	// timer fires mid-write.
	time.Sleep(60 * time.Millisecond)
	e.SetBlocks([]schema.Block{makeBlock(1, "Focus"), makeBlock(2, "Email")})

	waitFor(t, "the second write to commit", func() bool {
		stores, _ := slow.stats()
		return stores >= 2
	})

	if _, max := slow.stats(); max > 1 {
		t.Fatalf("observed %d concurrent stores, want at most 1", max)
	}

	doc, _, err := slow.inner.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids := blockIDs(doc.Blocks)
	if !ids[1] || !ids[2] {
		t.Fatalf("persisted blocks = %+v, want ids 1 and 2", doc.Blocks)
	}
}

func TestInitFailureEndsOnActualMode(t *testing.T) {
	lossy := &lossyBackend{inner: backend.NewMemoryBackend()}
	lossy.revoke()

	e := New(backend.SelectOptions{}, testConfig(lossy, nil))

	var mu sync.Mutex
	var modes []Mode
	cancel := e.SubscribeMode(func(m Mode) {
		mu.Lock()
		modes = append(modes, m)
		mu.Unlock()
	})
	defer cancel()

	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer e.Close()

	mu.Lock()
	got := append([]Mode(nil), modes...)
	mu.Unlock()

	if len(got) == 0 {
		t.Fatal("no mode events published during Init")
	}
	if last := got[len(got)-1]; last != e.Mode() {
		t.Fatalf("last published mode %s contradicts Mode() %s (events %v)", last, e.Mode(), got)
	}
	if e.Mode() != ModeMemory {
		t.Fatalf("Mode() = %s, want %s after failed initial load", e.Mode(), ModeMemory)
	}
}
