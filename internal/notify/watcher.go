package notify

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher is a receive-only Notifier that watches the backing file for
// external writes. It watches the file's parent directory, because atomic
// replace writes rename a new file over the old one and a watch on the file
// itself would be lost at the first rename.
//
// Publish is a no-op: for this transport the write itself is the
// publication, observed by every sibling's watcher.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	bus     *Bus
	logger  *log.Logger

	path string
	base string

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewFileWatcher creates a watcher for the given backing file. Start must
// be called before events are emitted.
func NewFileWatcher(path string, logger *log.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &FileWatcher{
		watcher: watcher,
		bus:     NewBus(),
		logger:  logger,
		path:    abs,
		base:    filepath.Base(abs),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory must exist.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(fw.path)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// processEvents converts fsnotify events on the backing file into
// fileChanged messages.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fw.base {
				continue
			}
			// Create covers the rename step of an atomic replace.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			fw.bus.Publish(Message{Type: TypeFileChanged, Timestamp: time.Now()})

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Printf("Watcher error: %v", err)
		}
	}
}

// Publish implements Notifier. It is a no-op, see the type comment.
func (fw *FileWatcher) Publish(msg Message) {}

// Subscribe implements Notifier.
func (fw *FileWatcher) Subscribe() (<-chan Message, func()) {
	return fw.bus.Subscribe()
}

// Close implements Notifier. It blocks until the event loop has exited.
func (fw *FileWatcher) Close() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		_ = fw.watcher.Close()
		return fw.bus.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	if busErr := fw.bus.Close(); err == nil {
		err = busErr
	}
	return err
}
