package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/simondcohen/scblockerdashboard/internal/registry"
)

// openTestRegistry creates a registry in a temporary directory.
func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSelectRegisteredHandle(t *testing.T) {
	reg := openTestRegistry(t)
	path := filepath.Join(t.TempDir(), "blocks.json")
	if err := reg.Store(registry.Handle{Path: path}); err != nil {
		t.Fatalf("failed to register handle: %v", err)
	}

	sel, err := Select(context.Background(), SelectOptions{
		Registry: reg,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Kind != KindFile {
		t.Fatalf("kind = %v, want KindFile", sel.Kind)
	}
	if sel.Handle != path {
		t.Errorf("handle = %q, want %q", sel.Handle, path)
	}
	if sel.Prompted {
		t.Error("registered handle should not prompt")
	}
}

func TestSelectPromptRegistersHandle(t *testing.T) {
	reg := openTestRegistry(t)
	path := filepath.Join(t.TempDir(), "blocks.json")

	acquiring := false
	sel, err := Select(context.Background(), SelectOptions{
		Registry: reg,
		Prompter: PrompterFunc(func(ctx context.Context) (string, error) {
			return path, nil
		}),
		OnAcquiring: func() { acquiring = true },
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Kind != KindFile || !sel.Prompted {
		t.Fatalf("selection = %+v, want prompted file tier", sel)
	}
	if !acquiring {
		t.Error("OnAcquiring should fire before the prompt")
	}

	handle, ok, err := reg.Get()
	if err != nil || !ok {
		t.Fatalf("handle not registered: ok=%v err=%v", ok, err)
	}
	if handle.Path != path {
		t.Errorf("registered path = %q, want %q", handle.Path, path)
	}
}

func TestSelectCancelledPromptFallsToMemory(t *testing.T) {
	// A cancelled prompt degrades to memory, not to the key-value tier:
	// the user declined persistence for this session.
	reg := openTestRegistry(t)

	sel, err := Select(context.Background(), SelectOptions{
		Registry: reg,
		Prompter: NoPrompter{},
		StateDir: t.TempDir(),
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Kind != KindMemory {
		t.Errorf("kind = %v, want KindMemory", sel.Kind)
	}
}

func TestSelectNoFileCapabilityUsesKV(t *testing.T) {
	sel, err := Select(context.Background(), SelectOptions{
		StateDir: t.TempDir(),
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Kind != KindKV {
		t.Fatalf("kind = %v, want KindKV", sel.Kind)
	}
	if kv, ok := sel.Backend.(*KVBackend); ok {
		_ = kv.Close()
	} else {
		t.Errorf("backend = %T, want *KVBackend", sel.Backend)
	}
}

func TestSelectNothingAvailableUsesMemory(t *testing.T) {
	sel, err := Select(context.Background(), SelectOptions{
		DisableFile: true,
		DisableKV:   true,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Kind != KindMemory {
		t.Errorf("kind = %v, want KindMemory", sel.Kind)
	}
}

func TestReacquire(t *testing.T) {
	reg := openTestRegistry(t)
	path := filepath.Join(t.TempDir(), "new.json")

	sel, err := Reacquire(context.Background(), SelectOptions{
		Registry: reg,
		Prompter: PrompterFunc(func(ctx context.Context) (string, error) {
			return path, nil
		}),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("Reacquire failed: %v", err)
	}
	if sel.Kind != KindFile || sel.Handle != path {
		t.Errorf("selection = %+v", sel)
	}

	handle, ok, _ := reg.Get()
	if !ok || handle.Path != path {
		t.Errorf("registered handle = %+v, want %q", handle, path)
	}
}

func TestReacquireCancel(t *testing.T) {
	_, err := Reacquire(context.Background(), SelectOptions{
		Prompter: NoPrompter{},
		Logger:   quietLogger(),
	})
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("cancelled reacquire should return ErrCancelled, got %v", err)
	}
}
