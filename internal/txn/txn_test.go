package txn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/commontoolsinc/reactor/internal/capability"
	"github.com/commontoolsinc/reactor/internal/cell"
	"github.com/commontoolsinc/reactor/internal/store"
	"github.com/commontoolsinc/reactor/internal/streaming"
)

func newTestFactory(t *testing.T) (*Factory, *cell.Store) {
	t.Helper()
	pub, priv, err := capability.GenerateKeyPair()
	require.NoError(t, err)

	cells := cell.NewStore()
	signer := capability.NewSigner(priv, "test-key", "reactor-test")
	verifier := capability.NewVerifier(pub)

	queue := NewSendQueue(16, 2, 1000, time.Hour, store.NewMemoryVersionedStore(), store.NewMemoryCommitLog(100), store.NewWriteBuffer(100, 100, time.Hour))
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	return NewFactory(cells, signer, verifier, queue, time.Minute), cells
}

func TestTransactionCommitAppliesWrite(t *testing.T) {
	factory, cells := newTestFactory(t)

	tx := factory.Open("derive-total")
	tx.Set("total", 42)

	res := <-tx.Commit(context.Background())
	require.NoError(t, res.Err)

	value, _, ok := cells.Get("total")
	require.True(t, ok)
	require.Equal(t, 42, value)
}

func TestTransactionReadOnlyCommitSkipsAuthorize(t *testing.T) {
	factory, cells := newTestFactory(t)
	cells.Set("a", 1)

	tx := factory.Open("reader")
	_, _ = tx.Get("a")

	res := <-tx.Commit(context.Background())
	require.NoError(t, res.Err)
}

func TestTransactionCommitDetectsStaleRead(t *testing.T) {
	factory, cells := newTestFactory(t)
	cells.Set("a", 1)

	tx := factory.Open("derive-a")
	_, _ = tx.Get("a")

	// Simulate another transaction (or an external stimulus) writing the
	// same cell after this one read it but before it commits.
	cells.Set("a", 2)

	tx.Set("b", 99)
	res := <-tx.Commit(context.Background())

	require.Error(t, res.Err)
	require.True(t, errors.Is(res.Err, ErrStaleRead))
}

func TestTransactionDoubleCommitFails(t *testing.T) {
	factory, _ := newTestFactory(t)

	tx := factory.Open("once")
	tx.Set("x", 1)

	res1 := <-tx.Commit(context.Background())
	require.NoError(t, res1.Err)

	res2 := <-tx.Commit(context.Background())
	require.Error(t, res2.Err)
}

func TestTransactionEmitCollectsEvents(t *testing.T) {
	factory, _ := newTestFactory(t)
	tx := factory.Open("handler")
	tx.Emit(streaming.Event{Handler: "notify"})

	events := tx.Emitted()
	require.Len(t, events, 1)
	require.Equal(t, "notify", events[0].Handler)
}

func TestSendQueueRejectsWhenFull(t *testing.T) {
	durable := store.NewMemoryVersionedStore()
	commitLog := store.NewMemoryCommitLog(10)
	buf := store.NewWriteBuffer(10, 10, time.Hour)

	q := NewSendQueue(1, 1, 1, time.Hour, durable, commitLog, buf)
	// Don't Start the queue, so nothing drains it and the one slot fills.
	require.NoError(t, q.Enqueue(commitRecord{TxnID: "1"}))
	err := q.Enqueue(commitRecord{TxnID: "2"})
	require.Error(t, err)
}

// flakyVersionedStore fails every CompareAndSetVersioned call until armed,
// simulating a durable backend blip for TestSendQueueReconcilesAfterBlip.
type flakyVersionedStore struct {
	*store.MemoryVersionedStore
	down atomic.Bool
}

func newFlakyVersionedStore() *flakyVersionedStore {
	s := &flakyVersionedStore{MemoryVersionedStore: store.NewMemoryVersionedStore()}
	s.down.Store(true)
	return s
}

func (s *flakyVersionedStore) CompareAndSetVersioned(ctx context.Context, key string, expectedVersion int64, value store.CellRecord) (bool, error) {
	if s.down.Load() {
		return false, errors.New("durable backend unavailable")
	}
	return s.MemoryVersionedStore.CompareAndSetVersioned(ctx, key, expectedVersion, value)
}

// TestSendQueueReconcilesAfterBlip verifies the degraded-mode write buffer
// does not stay degraded forever: once the durable backend starts
// answering again, the send queue's reconcile loop notices on its own and
// replays the write that was staged during the outage.
func TestSendQueueReconcilesAfterBlip(t *testing.T) {
	durable := newFlakyVersionedStore()
	commitLog := store.NewMemoryCommitLog(10)
	buf := store.NewWriteBuffer(10, 10, time.Hour)

	q := NewSendQueue(10, 1, 1000, 20*time.Millisecond, durable, commitLog, buf)
	q.Start(context.Background())
	t.Cleanup(q.Stop)

	require.NoError(t, q.Enqueue(commitRecord{
		TxnID:    "during-outage",
		ActionID: "writer",
		Writes:   []commitWrite{{Key: "x", Value: []byte("1"), Version: 1}},
	}))

	require.Eventually(t, func() bool {
		return buf.IsDegraded()
	}, time.Second, 5*time.Millisecond, "expected the write buffer to enter degraded mode after the failed write")

	durable.down.Store(false)

	require.Eventually(t, func() bool {
		return !buf.IsDegraded() && buf.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "expected the reconcile loop to notice recovery and drain the pending write")

	rec, err := durable.GetVersioned(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
}
