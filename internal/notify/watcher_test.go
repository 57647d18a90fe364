package notify

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startTestWatcher(t *testing.T, path string) *FileWatcher {
	t.Helper()
	fw, err := NewFileWatcher(path, quietLogger())
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := fw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { fw.Close() })
	return fw
}

func waitForChange(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for file change notification")
		return Message{}
	}
}

func TestFileWatcherDetectsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	fw := startTestWatcher(t, path)
	ch, cancel := fw.Subscribe()
	defer cancel()

	if err := os.WriteFile(path, []byte(`{"version":"1.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := waitForChange(t, ch)
	if msg.Type != TypeFileChanged {
		t.Errorf("got type %q, want %q", msg.Type, TypeFileChanged)
	}
}

func TestFileWatcherDetectsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	fw := startTestWatcher(t, path)
	ch, cancel := fw.Subscribe()
	defer cancel()

	// Simulate another process writing via temp file plus rename.
	tmp := filepath.Join(dir, ".blocks.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"version":"1.0"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	msg := waitForChange(t, ch)
	if msg.Type != TypeFileChanged {
		t.Errorf("got type %q, want %q", msg.Type, TypeFileChanged)
	}
}

func TestFileWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	fw := startTestWatcher(t, path)
	ch, cancel := fw.Subscribe()
	defer cancel()

	other := filepath.Join(dir, "unrelated.json")
	if err := os.WriteFile(other, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		t.Errorf("received %v for an unrelated file", msg)
	case <-time.After(300 * time.Millisecond):
	}
}
