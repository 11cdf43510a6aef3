package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryVersionedStoreCAS(t *testing.T) {
	s := NewMemoryVersionedStore()
	ctx := context.Background()

	ok, err := s.CompareAndSetVersioned(ctx, "x", 0, CellRecord{Key: "x", Value: []byte("1"), Version: 1})
	if err != nil || !ok {
		t.Fatalf("expected first CAS to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSetVersioned(ctx, "x", 0, CellRecord{Key: "x", Value: []byte("2"), Version: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected CAS against stale expected version to fail")
	}

	ok, err = s.CompareAndSetVersioned(ctx, "x", 1, CellRecord{Key: "x", Value: []byte("2"), Version: 2})
	if err != nil || !ok {
		t.Fatalf("expected CAS against current version to succeed, got ok=%v err=%v", ok, err)
	}
}

// TestReconcileDoesNotOverwriteNewerVersion is the scenario the donor's
// TestVersionConflictChaos exercises, adapted to the write-behind buffer:
// a write staged while the backend was unavailable must not clobber a
// version written directly to the backend by another writer in the
// meantime.
func TestReconcileDoesNotOverwriteNewerVersion(t *testing.T) {
	backend := NewMemoryVersionedStore()
	ctx := context.Background()

	buf := NewWriteBuffer(100, 100, time.Hour)
	buf.MarkUnavailable()
	buf.Stage(CellRecord{Key: "key1", Value: []byte("v10"), Version: 10})
	buf.MarkAvailable()

	// A concurrent writer sets version 11 directly against the backend.
	if ok, err := backend.CompareAndSetVersioned(ctx, "key1", 0, CellRecord{Key: "key1", Value: []byte("v11"), Version: 11}); err != nil || !ok {
		t.Fatalf("setup CAS failed: ok=%v err=%v", ok, err)
	}

	if err := buf.Reconcile(ctx, backend); err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}

	result, err := backend.GetVersioned(ctx, "key1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if result.Version != 11 {
		t.Fatalf("stale write overwrote newer version: got %d, want 11", result.Version)
	}
}

func TestReconcileAppliesNewerPendingWrite(t *testing.T) {
	backend := NewMemoryVersionedStore()
	ctx := context.Background()

	if ok, _ := backend.CompareAndSetVersioned(ctx, "key2", 0, CellRecord{Key: "key2", Value: []byte("v12"), Version: 12}); !ok {
		t.Fatal("setup CAS failed")
	}

	buf := NewWriteBuffer(100, 100, time.Hour)
	buf.MarkUnavailable()
	buf.Stage(CellRecord{Key: "key2", Value: []byte("v15"), Version: 15})
	buf.MarkAvailable()

	if err := buf.Reconcile(ctx, backend); err != nil {
		t.Fatalf("reconcile returned error: %v", err)
	}

	result, err := backend.GetVersioned(ctx, "key2")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if result.Version != 15 {
		t.Fatalf("expected newer pending write to win, got version %d", result.Version)
	}
}

func TestWriteBufferBoundedCache(t *testing.T) {
	buf := NewWriteBuffer(10, 2, time.Hour)
	buf.Stage(CellRecord{Key: "a", Version: 1})
	buf.Stage(CellRecord{Key: "b", Version: 1})
	buf.Stage(CellRecord{Key: "c", Version: 1})

	if _, ok := buf.Get("a"); ok {
		t.Fatal("expected a to have been evicted under bounded cache")
	}
	if _, ok := buf.Get("c"); !ok {
		t.Fatal("expected c to still be cached")
	}
}

func TestMemoryCommitLogBounded(t *testing.T) {
	log := NewMemoryCommitLog(2)
	ctx := context.Background()
	_ = log.Append(ctx, CommitRecord{TxnID: "1"})
	_ = log.Append(ctx, CommitRecord{TxnID: "2"})
	_ = log.Append(ctx, CommitRecord{TxnID: "3"})

	recent, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recent) != 2 || recent[0].TxnID != "2" || recent[1].TxnID != "3" {
		t.Fatalf("unexpected bounded commit log contents: %+v", recent)
	}
}
