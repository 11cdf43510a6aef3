package txn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/commontoolsinc/reactor/internal/metrics"
	"github.com/commontoolsinc/reactor/internal/store"
)

// commitWrite is one cell mutation staged for durable persistence, the
// txn package's view of store.CellWrite before it is handed to the send
// queue.
type commitWrite struct {
	Key     string
	Value   []byte
	Version int64
}

// commitRecord is the signed, hand-off-ready package handed to the send
// queue once a commit has been diffed and authorized.
type commitRecord struct {
	TxnID       string
	ActionID    string
	Token       string
	Writes      []commitWrite
	CommittedAt time.Time
}

func encodeValue(value any) ([]byte, error) {
	return json.Marshal(value)
}

// healthProbeKey is a reserved key reconcileLoop writes to test whether the
// durable backend has come back up; it is never associated with a real
// cell. The probe goes through CompareAndSetVersioned, the same write path
// that actually fails during an outage — a read-only probe would miss a
// backend that accepts reads but still rejects writes.
const healthProbeKey = "__reactor_degraded_mode_probe__"

// SendQueue is the commit pipeline's asynchronous persistence stage, guarding
// against an unbounded fire-and-forget commit backlog building up behind a
// slow or failing durable backend. Admission is gated by a circuit breaker
// tripped on queue depth and by the queue's capacity; a token-bucket rate
// limiter paces the persistence workers, and persistence itself writes
// through a bounded write-behind buffer so a degraded durable backend slows
// rather than blocks the queue.
type SendQueue struct {
	ch      chan commitRecord
	workers int

	limiter *rate.Limiter
	breaker *circuitBreaker
	durable store.VersionedStore
	log     store.CommitLog
	buffer  *store.WriteBuffer

	reconcileInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSendQueue constructs a send queue. capacity bounds the number of
// commits admitted ahead of persistence; workers is the concurrency of the
// persistence loop; ratePerSecond caps how fast commits are persisted via a
// token bucket applied to the queue as a whole; reconcileInterval is how
// often a degraded write buffer is probed for the durable backend's
// recovery (see reconcileLoop).
func NewSendQueue(capacity, workers int, ratePerSecond float64, reconcileInterval time.Duration, durable store.VersionedStore, commitLog store.CommitLog, buffer *store.WriteBuffer) *SendQueue {
	if workers < 1 {
		workers = 1
	}
	return &SendQueue{
		ch:                make(chan commitRecord, capacity),
		workers:           workers,
		limiter:           rate.NewLimiter(rate.Limit(ratePerSecond), workers),
		breaker:           newCircuitBreaker(capacity),
		durable:           durable,
		log:               commitLog,
		buffer:            buffer,
		reconcileInterval: reconcileInterval,
	}
}

// Start launches the queue's persistence workers and its degraded-mode
// reconciliation loop. Callers should call Stop (or cancel ctx) during
// shutdown to let in-flight persistence finish.
func (q *SendQueue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	q.wg.Add(1)
	go q.reconcileLoop(ctx)
}

// reconcileLoop is the retry path persist()'s degraded-mode branch needs:
// without it, a single transient durable-store failure would trip
// WriteBuffer into degraded mode for the process lifetime, since nothing
// else ever calls MarkAvailable or Reconcile. While the buffer reports
// itself degraded, this loop periodically probes the backend with a
// reserved key; once the probe succeeds, it marks the buffer available
// again and replays whatever writes are still pending. A reconcile pass
// that still hits errors leaves the unreconciled entries in place — the
// next tick tries again — and persist() itself will re-degrade the buffer
// if the backend turns out to still be flaky on the next real write.
func (q *SendQueue) reconcileLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !q.buffer.IsDegraded() {
				continue
			}
			probe := store.CellRecord{Key: healthProbeKey, Value: []byte("1"), Version: 1}
			if _, err := q.durable.CompareAndSetVersioned(ctx, healthProbeKey, 0, probe); err != nil {
				continue
			}

			log.Info("durable store reachable again, reconciling degraded-mode write buffer")
			q.buffer.MarkAvailable()
			if err := q.buffer.Reconcile(ctx, q.durable); err != nil {
				log.WithError(err).Warn("degraded-mode reconciliation pass had failures, remaining pending writes retry next interval")
			}
		}
	}
}

// Stop cancels the workers' context and waits for in-flight persistence to
// finish.
func (q *SendQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue admits rec for asynchronous persistence, or rejects it if the
// circuit breaker has tripped or the queue is full. A rejection here is a
// "rejected" commit outcome distinct from a stale-read: the write itself
// was never in conflict, the pipeline simply could not absorb it.
func (q *SendQueue) Enqueue(rec commitRecord) error {
	depth := len(q.ch)
	metrics.SendQueueDepth.Set(float64(depth))

	if !q.breaker.shouldAdmit(depth) {
		metrics.SendQueueRejections.WithLabelValues("circuit_open").Inc()
		return errors.New("send queue circuit breaker open")
	}

	select {
	case q.ch <- rec:
		metrics.SendQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		metrics.SendQueueRejections.WithLabelValues("queue_full").Inc()
		return errors.New("send queue full")
	}
}

func (q *SendQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-q.ch:
			if !ok {
				return
			}
			metrics.SendQueueDepth.Set(float64(len(q.ch)))
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			q.persist(ctx, rec)
		}
	}
}

// persist writes rec's cell mutations through to the durable store and
// appends the commit to the durable log. A durable-store failure falls
// back to the write-behind buffer rather than dropping the write or
// blocking the queue; the buffer reconciles once the backend recovers.
func (q *SendQueue) persist(ctx context.Context, rec commitRecord) {
	for _, w := range rec.Writes {
		cellRec := store.CellRecord{Key: w.Key, Value: w.Value, Version: w.Version}

		if q.buffer.IsDegraded() {
			q.buffer.Stage(cellRec)
			continue
		}

		expected := w.Version - 1
		if expected < 0 {
			expected = 0
		}
		ok, err := q.durable.CompareAndSetVersioned(ctx, w.Key, expected, cellRec)
		if err != nil {
			q.breaker.recordFailure()
			q.buffer.MarkUnavailable()
			q.buffer.Stage(cellRec)
			continue
		}
		if !ok {
			// The durable store disagrees about the prior version; stage it
			// for reconciliation rather than silently dropping the write.
			q.buffer.Stage(cellRec)
		}
	}

	if q.log == nil {
		return
	}
	logRec := store.CommitRecord{
		TxnID:       rec.TxnID,
		ActionID:    rec.ActionID,
		CommittedAt: rec.CommittedAt,
	}
	for _, w := range rec.Writes {
		logRec.Writes = append(logRec.Writes, store.CellWrite{Key: w.Key, Value: w.Value, Version: w.Version})
	}
	if err := q.log.Append(ctx, logRec); err != nil {
		log.WithError(err).WithField("txn", rec.TxnID).Warn("append commit log failed")
	}
}
