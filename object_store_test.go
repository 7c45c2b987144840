package pitstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestMemoryObjectStoreCRUD(t *testing.T) {
	objects := NewMemoryObjectStore()
	ctx := context.Background()

	if err := objects.Write(ctx, "a.pit", []byte("alpha")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := objects.Write(ctx, "b.pit", []byte("beta")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := objects.Write(ctx, "manifest.json", []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := objects.Read(ctx, "a.pit")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("alpha")) {
		t.Errorf("expected alpha, got %q", data)
	}

	if _, err := objects.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}

	exists, err := objects.Exists(ctx, "b.pit")
	if err != nil || !exists {
		t.Errorf("expected b.pit to exist, got %v %v", exists, err)
	}

	keys, err := objects.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 3 || keys[0] != "a.pit" {
		t.Errorf("unexpected keys: %v", keys)
	}

	keys, err = objects.List(ctx, "manifest")
	if err != nil {
		t.Fatalf("list prefix: %v", err)
	}
	if len(keys) != 1 || keys[0] != "manifest.json" {
		t.Errorf("unexpected prefixed keys: %v", keys)
	}

	if err := objects.Delete(ctx, "a.pit"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, _ := objects.Exists(ctx, "a.pit"); exists {
		t.Error("expected a.pit removed")
	}
	if objects.Size() != 2 {
		t.Errorf("expected 2 objects, got %d", objects.Size())
	}
}

func TestMemoryObjectStoreCopiesOnWrite(t *testing.T) {
	objects := NewMemoryObjectStore()
	ctx := context.Background()

	payload := []byte("original")
	if err := objects.Write(ctx, "key", payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	payload[0] = 'X'

	data, err := objects.Read(ctx, "key")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("caller mutation reached the stored object: %q", data)
	}
}

func TestDirObjectStoreCRUD(t *testing.T) {
	dir := t.TempDir()
	objects, err := NewDirObjectStore(dir)
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}
	defer objects.Close()
	ctx := context.Background()

	if err := objects.Write(ctx, "backups/a.pit", []byte("alpha")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Keys map onto real files under the base directory.
	if _, err := os.Stat(filepath.Join(dir, "backups", "a.pit")); err != nil {
		t.Errorf("stat backing file: %v", err)
	}

	data, err := objects.Read(ctx, "backups/a.pit")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("alpha")) {
		t.Errorf("expected alpha, got %q", data)
	}

	exists, err := objects.Exists(ctx, "backups/a.pit")
	if err != nil || !exists {
		t.Errorf("expected key to exist, got %v %v", exists, err)
	}
	if exists, _ := objects.Exists(ctx, "missing"); exists {
		t.Error("expected missing key to not exist")
	}

	if err := objects.Write(ctx, "backups/b.pit", []byte("beta")); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := objects.List(ctx, "backups")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 || keys[0] != "backups/a.pit" || keys[1] != "backups/b.pit" {
		t.Errorf("unexpected keys: %v", keys)
	}

	if err := objects.Delete(ctx, "backups/a.pit"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, _ := objects.Exists(ctx, "backups/a.pit"); exists {
		t.Error("expected key removed")
	}
}

func TestDirObjectStoreRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	objects, err := NewDirObjectStore(filepath.Join(base, "store"))
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}
	defer objects.Close()
	ctx := context.Background()

	for _, key := range []string{"../escape", "../../etc/passwd", "a/../../escape"} {
		if err := objects.Write(ctx, key, []byte("x")); err == nil {
			t.Errorf("expected traversal rejected for write %q", key)
		}
		if _, err := objects.Read(ctx, key); err == nil {
			t.Errorf("expected traversal rejected for read %q", key)
		}
		if err := objects.Delete(ctx, key); err == nil {
			t.Errorf("expected traversal rejected for delete %q", key)
		}
		if _, err := objects.Exists(ctx, key); err == nil {
			t.Errorf("expected traversal rejected for exists %q", key)
		}
	}
	// Nothing escaped the base directory.
	if _, err := os.Stat(filepath.Join(base, "escape")); !os.IsNotExist(err) {
		t.Errorf("expected no file outside the store, stat err %v", err)
	}
}

func TestDirObjectStoreListEmptyPrefix(t *testing.T) {
	objects, err := NewDirObjectStore(t.TempDir())
	if err != nil {
		t.Fatalf("new dir store: %v", err)
	}
	defer objects.Close()

	keys, err := objects.List(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}
