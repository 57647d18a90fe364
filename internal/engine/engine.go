// Package engine provides the storage and synchronization engine behind the
// time-block dashboard.
//
// The engine:
// 1. Selects a persistence tier at startup (file, key-value, or memory)
// 2. Coalesces rapid mutations into debounced whole-document writes
// 3. Detects external changes by polling and by broadcast notifications
// 4. Merges concurrent edits from sibling instances before overwriting
// 5. Handles lost file handles with one automatic re-prompt
//
// Consumers interact through snapshot reads, set calls, and per-topic
// subscriptions. Public methods never fail on I/O problems; those surface
// only as mode transitions and subscriber notifications.
package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

// Config holds configuration for the engine.
type Config struct {
	// DebounceInterval is how long a mutation waits for further mutations
	// before the write is committed.
	DebounceInterval time.Duration

	// PollInterval is how often the backing store's modification marker is
	// compared against the last-known value.
	PollInterval time.Duration

	// Backend, when set, bypasses capability selection and persists to
	// the given backend directly. Used by tests and embedders that manage
	// tier selection themselves.
	Backend backend.Backend

	// Notifier carries change broadcasts between engine instances. Nil
	// means an instance-local bus, which still drives the engine's own
	// re-read path but reaches no siblings.
	Notifier notify.Notifier

	// Active gates the poll loop. Polling is suspended while it returns
	// false. Nil means always active.
	Active func() bool

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 300 * time.Millisecond,
		PollInterval:     2 * time.Second,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine owns the in-memory document and drives persistence for it.
type Engine struct {
	selectOpts backend.SelectOptions
	config     *Config

	notifier    notify.Notifier
	ownNotifier bool

	mu           sync.Mutex
	backend      backend.Backend
	mode         Mode
	fileName     string
	doc          *schema.StorageDocument
	marker       backend.Marker
	saving       bool
	writePending bool
	debounce     *time.Timer
	reprompted   bool

	subsMu       sync.Mutex
	nextSub      int
	blockSubs    map[int]func([]schema.Block)
	standardSubs map[int]func([]schema.StandardBlock)
	savingSubs   map[int]func(bool)
	fileSubs     map[int]func(string)
	modeSubs     map[int]func(Mode)

	initOnce sync.Once
	initErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	saveWG sync.WaitGroup
}

// New creates an engine. Use Init to select a tier and load the document.
func New(opts backend.SelectOptions, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	notifier := config.Notifier
	ownNotifier := false
	if notifier == nil {
		notifier = notify.NewBus()
		ownNotifier = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		selectOpts:   opts,
		config:       config,
		notifier:     notifier,
		ownNotifier:  ownNotifier,
		mode:         ModeUninitialized,
		doc:          schema.NewDocument(),
		blockSubs:    make(map[int]func([]schema.Block)),
		standardSubs: make(map[int]func([]schema.StandardBlock)),
		savingSubs:   make(map[int]func(bool)),
		fileSubs:     make(map[int]func(string)),
		modeSubs:     make(map[int]func(Mode)),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Init selects a persistence tier, loads the initial document, and starts
// the change-detection loops. It is idempotent: later calls return the
// first call's result without re-probing.
func (e *Engine) Init(ctx context.Context) error {
	e.initOnce.Do(func() {
		e.initErr = e.init(ctx)
	})
	return e.initErr
}

func (e *Engine) init(ctx context.Context) error {
	opts := e.selectOpts
	userAcquiring := opts.OnAcquiring
	opts.OnAcquiring = func() {
		e.setMode(ModeAcquiring)
		if userAcquiring != nil {
			userAcquiring()
		}
	}
	if opts.Logger == nil {
		opts.Logger = e.config.Logger
	}

	var sel backend.Selection
	if e.config.Backend != nil {
		sel = backend.Selection{Kind: e.config.Backend.Kind(), Backend: e.config.Backend}
		if sel.Kind == backend.KindFile {
			sel.Handle = e.config.Backend.Name()
		}
	} else {
		var err error
		sel, err = backend.Select(ctx, opts)
		if err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.backend = sel.Backend
	e.fileName = sel.Handle
	switch sel.Kind {
	case backend.KindFile:
		e.mode = ModeFile
	case backend.KindKV:
		e.mode = ModeKV
	default:
		e.mode = ModeMemory
	}
	mode := e.mode
	fileName := e.fileName
	e.mu.Unlock()

	e.config.Logger.Printf("Selected %s tier", sel.Kind)

	// Publish before the initial load. A load failure transitions the mode
	// again, and those events must land after this one so subscribers end
	// on the engine's actual state.
	e.publishMode(mode)
	e.publishFile(fileName)

	doc, marker, err := sel.Backend.Load(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: initial load failed: %v", err)
		e.handleIOFailure(err)
	} else {
		e.mu.Lock()
		// Mutations made before Init fold into the loaded document.
		e.doc = schema.MergeDocuments(e.doc, doc)
		e.marker = marker
		if e.writePending {
			e.scheduleWriteLocked()
		}
		blocks := schema.CloneBlocks(e.doc.Blocks)
		standard := schema.CloneStandardBlocks(e.doc.StandardBlocks)
		e.mu.Unlock()
		e.publishBlocks(blocks)
		e.publishStandard(standard)
	}

	e.wg.Add(2)
	go e.pollLoop()
	go e.notifyLoop()
	return nil
}

// Blocks returns a snapshot of the current block list.
func (e *Engine) Blocks() []schema.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return schema.CloneBlocks(e.doc.Blocks)
}

// StandardBlocks returns a snapshot of the current standard block list.
func (e *Engine) StandardBlocks() []schema.StandardBlock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return schema.CloneStandardBlocks(e.doc.StandardBlocks)
}

// Mode returns the current mode. It never performs I/O.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// FileName returns the backing file path, or empty outside file mode.
func (e *Engine) FileName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fileName
}

// Saving reports whether a write is currently in flight.
func (e *Engine) Saving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving
}

// ChangeFile prompts for a new backing file and switches to it, carrying
// the in-memory document over. It is also the manual recovery path after a
// lost handle. A cancelled prompt leaves the engine unchanged.
func (e *Engine) ChangeFile(ctx context.Context) error {
	opts := e.selectOpts
	userAcquiring := opts.OnAcquiring
	opts.OnAcquiring = func() {
		if userAcquiring != nil {
			userAcquiring()
		}
	}
	if opts.Logger == nil {
		opts.Logger = e.config.Logger
	}

	sel, err := backend.Reacquire(ctx, opts)
	switch {
	case errors.Is(err, backend.ErrCancelled):
		e.config.Logger.Println("File change cancelled")
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.config.Logger.Printf("Warning: file change failed: %v", err)
		return nil
	}

	e.mu.Lock()
	e.backend = sel.Backend
	e.fileName = sel.Handle
	e.mode = ModeFile
	// Forget the old store's marker so the next flush re-reads the new
	// file and merges whatever it already contains.
	e.marker = ""
	e.reprompted = false
	e.writePending = true
	e.mu.Unlock()

	e.publishMode(ModeFile)
	e.publishFile(sel.Handle)

	e.flush()
	return nil
}

// Close flushes any pending write, stops the detection loops, and releases
// the notifier if the engine created it.
func (e *Engine) Close() error {
	e.cancel()

	// Drain writes: a store may be in flight, and its completion can re-arm
	// a write that became pending while it ran. Loop until both are gone.
	for {
		e.mu.Lock()
		if e.debounce != nil {
			e.debounce.Stop()
			e.debounce = nil
		}
		pending := e.writePending
		e.mu.Unlock()
		e.saveWG.Wait()
		if !pending {
			break
		}
		e.flush()
	}

	e.wg.Wait()

	if e.ownNotifier {
		return e.notifier.Close()
	}
	return nil
}

// setMode updates the mode and notifies subscribers when it changed.
func (e *Engine) setMode(m Mode) {
	e.mu.Lock()
	if e.mode == m {
		e.mu.Unlock()
		return
	}
	e.mode = m
	e.mu.Unlock()
	e.publishMode(m)
}

// SubscribeBlocks registers a callback for block list changes. The
// returned function cancels the subscription.
func (e *Engine) SubscribeBlocks(fn func([]schema.Block)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.blockSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.blockSubs, id)
	}
}

// SubscribeStandard registers a callback for standard block changes.
func (e *Engine) SubscribeStandard(fn func([]schema.StandardBlock)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.standardSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.standardSubs, id)
	}
}

// SubscribeSaving registers a callback for write-in-flight transitions.
func (e *Engine) SubscribeSaving(fn func(bool)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.savingSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.savingSubs, id)
	}
}

// SubscribeFile registers a callback for backing file changes.
func (e *Engine) SubscribeFile(fn func(string)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.fileSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.fileSubs, id)
	}
}

// SubscribeMode registers a callback for mode transitions.
func (e *Engine) SubscribeMode(fn func(Mode)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.modeSubs[id] = fn
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.modeSubs, id)
	}
}

func (e *Engine) publishBlocks(blocks []schema.Block) {
	e.subsMu.Lock()
	fns := make([]func([]schema.Block), 0, len(e.blockSubs))
	for _, fn := range e.blockSubs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(schema.CloneBlocks(blocks))
	}
}

func (e *Engine) publishStandard(blocks []schema.StandardBlock) {
	e.subsMu.Lock()
	fns := make([]func([]schema.StandardBlock), 0, len(e.standardSubs))
	for _, fn := range e.standardSubs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(schema.CloneStandardBlocks(blocks))
	}
}

func (e *Engine) publishSaving(saving bool) {
	e.subsMu.Lock()
	fns := make([]func(bool), 0, len(e.savingSubs))
	for _, fn := range e.savingSubs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(saving)
	}
}

func (e *Engine) publishFile(name string) {
	e.subsMu.Lock()
	fns := make([]func(string), 0, len(e.fileSubs))
	for _, fn := range e.fileSubs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(name)
	}
}

func (e *Engine) publishMode(mode Mode) {
	e.subsMu.Lock()
	fns := make([]func(Mode), 0, len(e.modeSubs))
	for _, fn := range e.modeSubs {
		fns = append(fns, fn)
	}
	e.subsMu.Unlock()
	for _, fn := range fns {
		fn(mode)
	}
}
