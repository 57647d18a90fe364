package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/simondcohen/scblockerdashboard/internal/registry"
)

// kvFileName is the database file holding the key-value tier document.
const kvFileName = "documents.db"

// SelectOptions configures capability selection.
type SelectOptions struct {
	// Registry persists the chosen file handle across restarts. Nil means
	// no handle survives a restart.
	Registry *registry.Registry

	// Prompter asks the user for a file when the file tier is available
	// but no handle is registered. Nil means the file tier is only
	// reachable through a registered handle.
	Prompter Prompter

	// StateDir is where the key-value tier database lives.
	StateDir string

	// DisableFile removes the file tier from probing, as if the
	// environment had no file capability.
	DisableFile bool

	// DisableKV removes the key-value tier from probing.
	DisableKV bool

	// OnAcquiring is called just before the user prompt is shown, so the
	// caller can surface an "acquiring file" state. May be nil.
	OnAcquiring func()

	// Logger for selection activity. Nil means stderr.
	Logger *log.Logger
}

// Selection is the outcome of capability selection: exactly one active tier
// for the session.
type Selection struct {
	Kind    Kind
	Backend Backend

	// Handle is the backing file path when Kind is KindFile.
	Handle string

	// Prompted reports that the user picked a new file during selection.
	Prompted bool
}

// Select probes the available persistence tiers in order of preference and
// returns exactly one selection. It runs once per session; tier
// availability is never re-probed afterwards (only handle validity is).
//
// Probe order:
//
//  1. File tier, when not disabled and either a handle is registered or a
//     prompter can ask for one. A cancelled prompt falls through to the
//     memory tier, not the key-value tier: the user declined persistence.
//  2. Key-value tier, when the embedded database can be opened.
//  3. Memory.
//
// Select itself performs no writes against any backing store.
func Select(ctx context.Context, opts SelectOptions) (Selection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}
	if err := ctx.Err(); err != nil {
		return Selection{}, err
	}

	var registered string
	if opts.Registry != nil {
		handle, ok, err := opts.Registry.GetContext(ctx)
		if err != nil {
			logger.Printf("Warning: failed to read handle registry: %v", err)
		} else if ok {
			registered = handle.Path
		}
	}

	fileAvailable := !opts.DisableFile && (registered != "" || opts.Prompter != nil)
	if fileAvailable {
		if registered != "" {
			return Selection{
				Kind:    KindFile,
				Backend: NewFileBackend(registered, logger),
				Handle:  registered,
			}, nil
		}

		if opts.OnAcquiring != nil {
			opts.OnAcquiring()
		}
		path, err := opts.Prompter.PickFile(ctx)
		switch {
		case errors.Is(err, ErrCancelled):
			logger.Printf("File selection cancelled, continuing in memory")
			return Selection{Kind: KindMemory, Backend: NewMemoryBackend()}, nil
		case err != nil:
			if ctx.Err() != nil {
				return Selection{}, ctx.Err()
			}
			logger.Printf("Warning: file prompt failed, continuing in memory: %v", err)
			return Selection{Kind: KindMemory, Backend: NewMemoryBackend()}, nil
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		if opts.Registry != nil {
			err := opts.Registry.StoreContext(ctx, registry.Handle{Path: abs, StoredAt: time.Now()})
			if err != nil {
				logger.Printf("Warning: failed to register handle: %v", err)
			}
		}
		return Selection{
			Kind:     KindFile,
			Backend:  NewFileBackend(abs, logger),
			Handle:   abs,
			Prompted: true,
		}, nil
	}

	if !opts.DisableKV {
		kv, err := OpenKV(filepath.Join(opts.StateDir, kvFileName), logger)
		if err != nil {
			logger.Printf("Warning: key-value store unavailable, continuing in memory: %v", err)
		} else {
			return Selection{Kind: KindKV, Backend: kv}, nil
		}
	}

	return Selection{Kind: KindMemory, Backend: NewMemoryBackend()}, nil
}

// Reacquire prompts for a replacement file, registers it, and returns its
// backend. It is used by the engine's change-file and permission-recovery
// paths after the initial selection.
func Reacquire(ctx context.Context, opts SelectOptions) (Selection, error) {
	if opts.Prompter == nil {
		return Selection{}, ErrCancelled
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[backend] ", log.LstdFlags)
	}

	if opts.OnAcquiring != nil {
		opts.OnAcquiring()
	}
	path, err := opts.Prompter.PickFile(ctx)
	if err != nil {
		return Selection{}, err
	}
	abs, absErr := filepath.Abs(path)
	if absErr != nil {
		abs = path
	}
	if Verify(abs, AccessReadWrite) != Granted {
		return Selection{}, fmt.Errorf("%w: %s is not writable", ErrHandleLost, abs)
	}
	if opts.Registry != nil {
		err := opts.Registry.StoreContext(ctx, registry.Handle{Path: abs, StoredAt: time.Now()})
		if err != nil {
			logger.Printf("Warning: failed to register handle: %v", err)
		}
	}
	return Selection{
		Kind:     KindFile,
		Backend:  NewFileBackend(abs, logger),
		Handle:   abs,
		Prompted: true,
	}, nil
}
