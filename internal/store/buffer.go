package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "store")

// PendingWrite is a write staged while the durable VersionedStore was
// unavailable, carried forward from the donor's degraded-mode buffering
// (control_plane/resilience/degraded_mode.go) but scoped to cell records
// instead of arbitrary agent/job state.
type PendingWrite struct {
	Record     CellRecord
	StagedAt   time.Time
	Reconciled bool
}

type cacheEntry struct {
	record     CellRecord
	lastAccess time.Time
}

// WriteBuffer is a bounded write-behind buffer fronting a VersionedStore.
// It exists because the spec names "compounding fire-and-forget commit
// backlogs" as this subsystem's characteristic failure mode (spec §1, §9):
// when the durable backend falls behind or becomes unavailable, commits
// must still be accepted and staged rather than blocking the settle loop,
// and reconciled once the backend recovers without letting a stale staged
// write clobber a newer durable value.
type WriteBuffer struct {
	mu sync.Mutex

	available bool

	cache        map[string]cacheEntry
	maxCacheSize int

	pending    []PendingWrite
	maxPending int

	staleAfter time.Duration
}

// NewWriteBuffer constructs a write buffer bounded to maxPending staged
// writes and maxCacheSize cached reads, discarding pending writes older
// than staleAfter at reconciliation time.
func NewWriteBuffer(maxPending, maxCacheSize int, staleAfter time.Duration) *WriteBuffer {
	return &WriteBuffer{
		available:    true,
		cache:        make(map[string]cacheEntry),
		maxCacheSize: maxCacheSize,
		maxPending:   maxPending,
		staleAfter:   staleAfter,
	}
}

// MarkUnavailable enters degraded mode: subsequent Stage calls buffer
// writes instead of assuming they reached the backend.
func (b *WriteBuffer) MarkUnavailable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.available {
		log.Warn("durable store unavailable, entering degraded mode")
		b.available = false
	}
}

// MarkAvailable exits degraded mode. Callers should follow with Reconcile.
func (b *WriteBuffer) MarkAvailable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		log.Info("durable store recovered")
		b.available = true
	}
}

// IsDegraded reports whether the buffer believes the backend is down.
func (b *WriteBuffer) IsDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.available
}

// Stage buffers rec for later reconciliation and serves it from the local
// cache in the meantime. Both the cache and the pending list are bounded;
// the oldest entry is evicted when full, matching the donor's bounded-LRU
// and bounded-pending-writes behavior.
func (b *WriteBuffer) Stage(rec CellRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) >= b.maxPending {
		for i := range b.pending {
			if !b.pending[i].Reconciled {
				dropped := b.pending[i].Record.Key
				b.pending = append(b.pending[:i], b.pending[i+1:]...)
				log.WithField("dropped", dropped).Warn("pending write buffer full, dropped oldest unreconciled entry")
				break
			}
		}
	}
	if len(b.cache) >= b.maxCacheSize {
		b.evictOldest()
	}

	b.cache[rec.Key] = cacheEntry{record: rec, lastAccess: time.Now()}
	b.pending = append(b.pending, PendingWrite{Record: rec, StagedAt: time.Now()})
}

// Get serves rec from the local cache, updating its LRU timestamp.
func (b *WriteBuffer) Get(key string) (CellRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.cache[key]
	if !ok {
		return CellRecord{}, false
	}
	entry.lastAccess = time.Now()
	b.cache[key] = entry
	return entry.record, true
}

// PendingCount reports the number of writes awaiting reconciliation.
func (b *WriteBuffer) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, p := range b.pending {
		if !p.Reconciled {
			count++
		}
	}
	return count
}

// Reconcile applies every unreconciled pending write to backend in staged
// order, skipping writes that are too old to trust or whose version has
// since been superseded by a newer durable write (the exact scenario
// exercised by the donor's TestVersionConflictChaos: a stale write must
// never overwrite a newer version).
func (b *WriteBuffer) Reconcile(ctx context.Context, backend VersionedStore) error {
	b.mu.Lock()
	snapshot := make([]PendingWrite, len(b.pending))
	copy(snapshot, b.pending)
	b.mu.Unlock()

	var failures []error
	now := time.Now()

	for i, p := range snapshot {
		if p.Reconciled {
			continue
		}
		if now.Sub(p.StagedAt) > b.staleAfter {
			log.WithField("key", p.Record.Key).Warn("dropping pending write older than staleness window")
			b.markReconciled(i)
			continue
		}

		var expectedVersion int64
		existing, err := backend.GetVersioned(ctx, p.Record.Key)
		if err == nil {
			if existing.Version >= p.Record.Version {
				log.WithFields(logrus.Fields{"key": p.Record.Key, "existing": existing.Version, "pending": p.Record.Version}).
					Info("durable store already has a version at least as new, skipping stale pending write")
				b.markReconciled(i)
				continue
			}
			expectedVersion = existing.Version
		}

		ok, err := backend.CompareAndSetVersioned(ctx, p.Record.Key, expectedVersion, p.Record)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if !ok {
			// Lost a race against a concurrent writer since GetVersioned
			// above; leave unreconciled for the next pass rather than
			// force an overwrite.
			continue
		}
		b.markReconciled(i)
	}

	if len(failures) > 0 {
		return &ReconciliationError{Failures: failures}
	}
	return nil
}

func (b *WriteBuffer) markReconciled(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < len(b.pending) {
		b.pending[index].Reconciled = true
	}
}

func (b *WriteBuffer) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, entry := range b.cache {
		if first || entry.lastAccess.Before(oldestTime) {
			oldestKey, oldestTime = k, entry.lastAccess
			first = false
		}
	}
	if oldestKey != "" {
		delete(b.cache, oldestKey)
	}
}
