package backend

import (
	"context"
	"path/filepath"
	"testing"
)

// openTestKV creates a key-value backend in a temporary directory.
func openTestKV(t *testing.T) *KVBackend {
	t.Helper()

	b, err := OpenKV(filepath.Join(t.TempDir(), "documents.db"), quietLogger())
	if err != nil {
		t.Fatalf("failed to open kv backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestKVLoadEmpty(t *testing.T) {
	b := openTestKV(t)

	doc, marker, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if marker != Marker("0") {
		t.Errorf("marker = %q, want \"0\"", marker)
	}
	if len(doc.Blocks) != 0 || len(doc.StandardBlocks) != 0 {
		t.Errorf("empty store should yield the default document, got %+v", doc)
	}
}

func TestKVStoreBumpsRevision(t *testing.T) {
	ctx := context.Background()
	b := openTestKV(t)

	first, err := b.Store(ctx, testDocument(t))
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if first != Marker("1") {
		t.Errorf("first marker = %q, want \"1\"", first)
	}

	second, err := b.Store(ctx, testDocument(t))
	if err != nil {
		t.Fatalf("second Store failed: %v", err)
	}
	if second != Marker("2") {
		t.Errorf("second marker = %q, want \"2\"", second)
	}

	doc, marker, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if marker != second {
		t.Errorf("load marker = %q, want %q", marker, second)
	}
	if len(doc.Blocks) != 1 || doc.Blocks[0].Name != "Focus" {
		t.Errorf("loaded document = %+v", doc)
	}
}

func TestKVSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "documents.db")

	a, err := OpenKV(path, quietLogger())
	if err != nil {
		t.Fatalf("failed to open kv backend: %v", err)
	}
	defer a.Close()

	bb, err := OpenKV(path, quietLogger())
	if err != nil {
		t.Fatalf("failed to open second kv backend: %v", err)
	}
	defer bb.Close()

	if _, err := a.Store(ctx, testDocument(t)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	doc, marker, err := bb.Load(ctx)
	if err != nil {
		t.Fatalf("sibling Load failed: %v", err)
	}
	if marker != Marker("1") || len(doc.Blocks) != 1 {
		t.Errorf("sibling sees marker=%q blocks=%d, want marker=1 blocks=1", marker, len(doc.Blocks))
	}
}

func TestKVStoreMarkerFromOwnCommit(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "documents.db")

	a, err := OpenKV(path, quietLogger())
	if err != nil {
		t.Fatalf("failed to open kv backend: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenKV(path, quietLogger())
	if err != nil {
		t.Fatalf("failed to open sibling kv backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	// Alternating siblings each get back the revision their own upsert
	// produced, not whatever the row holds afterwards.
	for i, step := range []struct {
		backend *KVBackend
		want    Marker
	}{
		{a, Marker("1")},
		{b, Marker("2")},
		{a, Marker("3")},
	} {
		got, err := step.backend.Store(ctx, testDocument(t))
		if err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
		if got != step.want {
			t.Errorf("Store %d marker = %q, want %q", i, got, step.want)
		}
	}
}
