package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/banditlabs/banditd/internal/policy"
)

func testBlob(t *testing.T) []byte {
	t.Helper()
	seed := uint64(1)
	p, err := policy.New(policy.Config{UCB1: &policy.UCB1Config{Seed: &seed}})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	p.AddArm(0, 0)
	blob, err := policy.Encode(p)
	if err != nil {
		t.Fatalf("policy.Encode: %v", err)
	}
	return blob
}

func TestFileStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	id := uuid.New()
	blob := testBlob(t)

	if got, err := store.Get(ctx, id); err != nil || got != nil {
		t.Fatalf("Get before Put = (%v, %v), want (nil, nil)", got, err)
	}
	if err := store.Put(ctx, id, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatal("Get returned different blob")
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, err := store.Get(ctx, id); err != nil || got != nil {
		t.Fatalf("Get after Delete = (%v, %v), want (nil, nil)", got, err)
	}
	// Deleting a missing id is not an error.
	if err := store.Delete(ctx, uuid.New()); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	id := uuid.New()
	blob := testBlob(t)
	if err := store.Put(ctx, id, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The file exists on disk with the expected name.
	if _, err := os.Stat(filepath.Join(dir, id.String()+stateSuffix)); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatal("blob changed across reopen")
	}

	ids, err := reopened.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("ListIDs = %v, want [%s]", ids, id)
	}
}

func TestFileStore_SkipsTornWritesOnLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	good := uuid.New()
	if err := store.Put(ctx, good, testBlob(t)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a torn write for another id.
	torn := uuid.New()
	if err := os.WriteFile(filepath.Join(dir, torn.String()+stateSuffix), []byte("BSNP garbage"), 0o644); err != nil {
		t.Fatalf("writing torn file: %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ids, err := reopened.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != good {
		t.Fatalf("ListIDs = %v, want only %s", ids, good)
	}
}

func TestFileStore_ClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Put(ctx, uuid.New(), testBlob(t)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == stateSuffix {
			t.Errorf("file %s survived Clear", entry.Name())
		}
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	ids, err := reopened.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("ListIDs after Clear = %v, want empty", ids)
	}
}

func TestFileStore_LastPutWins(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	defer store.Close()

	id := uuid.New()
	first := testBlob(t)
	second := testBlob(t)
	if err := store.Put(ctx, id, first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, id, second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(second) {
		t.Fatal("Get did not return the latest Put")
	}
}

func TestFileStore_ClosedStoreErrors(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Put(ctx, uuid.New(), testBlob(t)); err != ErrClosed {
		t.Errorf("Put after Close = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := store.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
