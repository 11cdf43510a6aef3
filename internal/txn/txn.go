// Package txn implements the transaction boundary: the read/write seam an
// action's implementation is given, and the commit pipeline that diffs the
// journal against prior state, authorizes the write set, and hands the
// signed package to a send queue whose own draining is independent of the
// scheduler.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/commontoolsinc/reactor/internal/capability"
	"github.com/commontoolsinc/reactor/internal/cell"
	"github.com/commontoolsinc/reactor/internal/metrics"
	"github.com/commontoolsinc/reactor/internal/reactivitylog"
	"github.com/commontoolsinc/reactor/internal/streaming"
)

var log = logrus.WithField("component", "txn")

// ErrStaleRead marks a commit rejected because a cell this transaction read
// was written by someone else before commit.
var ErrStaleRead = errors.New("txn: stale read")

// ErrRejected marks a commit rejected by authorization or send-queue
// admission control.
var ErrRejected = errors.New("txn: rejected")

// State tracks a transaction's lifecycle.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Result is what a commit future ultimately resolves to: ok, stale-read, or
// rejected.
type Result struct {
	Err error // nil on ok; errors.Is(Err, ErrStaleRead) or ErrRejected otherwise
}

// Factory opens transactions against a shared cell store, issuing each one
// a capability scoped to the action invoking it.
type Factory struct {
	cells    *cell.Store
	signer   *capability.Signer
	verifier *capability.Verifier
	queue    *SendQueue

	capabilityTTL time.Duration
}

// NewFactory constructs a Factory. signer and verifier are normally backed
// by the same keypair (self-issue, self-verify) for a single control plane;
// an embedding application that delegates capabilities across trust
// boundaries would supply a verifier keyed to a different issuer instead.
func NewFactory(cells *cell.Store, signer *capability.Signer, verifier *capability.Verifier, queue *SendQueue, capabilityTTL time.Duration) *Factory {
	return &Factory{cells: cells, signer: signer, verifier: verifier, queue: queue, capabilityTTL: capabilityTTL}
}

// Open starts a new transaction. actionID is embedded in the capability
// audience and the eventual commit record.
func (f *Factory) Open(actionID string) *Transaction {
	return &Transaction{
		id:       uuid.NewString(),
		actionID: actionID,
		cells:    f.cells,
		factory:  f,
		log:      reactivitylog.New(),
		state:    StateActive,
	}
}

// Transaction is the narrow read/write seam an action's implementation
// receives (satisfies action.Tx). Reads and writes pass straight through to
// the backing cell store — there is no staging buffer, since an action's
// execution cannot be interleaved with any other write in this
// single-threaded cooperative model. Commit's diff step instead compares
// the journal's recorded read versions against the store's current
// versions, which can only have moved if time passed between this
// transaction's execution and its (fire-and-forget, asynchronous) commit.
type Transaction struct {
	id       string
	actionID string
	cells    *cell.Store
	factory  *Factory
	log      *reactivitylog.Log
	emitted  []streaming.Event
	state    State
}

// ID returns the transaction's identity, used as the commit record's key.
func (t *Transaction) ID() string { return t.id }

// Get returns id's current value, recording the read (and the version it
// was observed at) in the reactivity log.
func (t *Transaction) Get(id cell.ID) (any, bool) {
	value, version, ok := t.cells.Get(id)
	if ok {
		t.log.RecordRead(id, version)
	}
	return value, ok
}

// Set writes value to id immediately and records the write in the
// reactivity log. Applying the write eagerly (rather than staging it until
// commit) is what lets the rest of the settle pass observe it before this
// transaction's commit future resolves — commit only gates durable
// persistence and authorization, not visibility within the reactive graph.
func (t *Transaction) Set(id cell.ID, value any) {
	t.cells.Set(id, value)
	t.log.RecordWrite(id)
}

// Emit records an event to be published once this transaction commits
// successfully. Emission is conventionally scoped to event handlers, but
// nothing here enforces that; action.Tx documents the convention instead.
func (t *Transaction) Emit(event streaming.Event) {
	t.emitted = append(t.emitted, event)
}

// Log exposes the transaction's reactivity log. The action runner extracts
// it after the implementation returns to drive depindex.Subscribe,
// independent of whether commit later succeeds.
func (t *Transaction) Log() *reactivitylog.Log { return t.log }

// Emitted returns the events staged via Emit, for the caller to publish
// once Commit resolves ok.
func (t *Transaction) Emitted() []streaming.Event {
	out := make([]streaming.Event, len(t.emitted))
	copy(out, t.emitted)
	return out
}

// Abort marks the transaction aborted without committing. Already-applied
// writes are not rolled back — the single-threaded model has no concurrent
// observer to protect against in the interval, and the runner's fault path
// likewise makes no attempt to undo partial writes.
func (t *Transaction) Abort() {
	if t.state == StateActive {
		t.state = StateAborted
	}
}

// Commit returns immediately, without awaiting anything, and runs the
// diff/authorize/enqueue pipeline on a background goroutine, sending the
// eventual outcome to the returned channel. The caller (the settle loop) is
// the one that decides when, if ever, to wait on it; the runner's own
// synchronous phases never do.
func (t *Transaction) Commit(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)

	if t.state != StateActive {
		ch <- Result{Err: fmt.Errorf("commit called on a transaction in state %v, not active", t.state)}
		return ch
	}
	t.state = StateCommitted

	go func() {
		if err := t.diff(); err != nil {
			ch <- Result{Err: err}
			return
		}

		writes := t.log.Writes()
		if len(writes) == 0 {
			ch <- Result{}
			return
		}

		token, err := t.authorize(writes)
		if err != nil {
			metrics.CommitRejections.Inc()
			ch <- Result{Err: fmt.Errorf("%w: %v", ErrRejected, err)}
			return
		}

		rec := t.buildCommitRecord(writes, token)
		if err := t.factory.queue.Enqueue(rec); err != nil {
			metrics.CommitRejections.Inc()
			ch <- Result{Err: fmt.Errorf("%w: %v", ErrRejected, err)}
			return
		}

		ch <- Result{}
	}()

	return ch
}

// diff compares every cell this transaction read against the store's
// current version. A mismatch means some other transaction wrote the cell
// after this one read it but before it committed — the stale-read-retry
// scenario. Cells this transaction also wrote are not compared, since its
// own write is what moved their version.
func (t *Transaction) diff() error {
	start := time.Now()
	defer func() {
		metrics.CommitDiffDuration.Observe(time.Since(start).Seconds())
	}()

	for _, id := range t.log.Reads() {
		if t.log.WroteCell(id) {
			continue
		}
		loggedVersion, _ := t.log.ReadVersion(id)
		_, currentVersion, ok := t.cells.Get(id)
		if !ok {
			continue
		}
		if currentVersion != loggedVersion {
			metrics.StaleReadRetries.Inc()
			return fmt.Errorf("%w: cell %q changed from version %d to %d since read", ErrStaleRead, id, loggedVersion, currentVersion)
		}
	}
	return nil
}

// authorize mints and immediately checks a capability scoped to this
// transaction's write set — the dominant cost of a commit. A real
// deployment would have the action's caller supply a pre-issued capability
// instead of self-issuing one on every commit; self-issue/self-verify here
// exercises the same signature-and-scope-check cost without requiring a
// capability-distribution collaborator this module doesn't own.
func (t *Transaction) authorize(writes []cell.ID) (string, error) {
	start := time.Now()
	defer func() {
		metrics.CommitAuthorizeDuration.Observe(time.Since(start).Seconds())
	}()

	resources := make([]string, len(writes))
	for i, id := range writes {
		resources[i] = string(id)
	}

	token, err := t.factory.signer.Issue(t.actionID, resources, t.factory.capabilityTTL)
	if err != nil {
		return "", fmt.Errorf("issue capability: %w", err)
	}
	if _, err := t.factory.verifier.Authorize(token, writes); err != nil {
		return "", fmt.Errorf("verify capability: %w", err)
	}
	return token, nil
}

func (t *Transaction) buildCommitRecord(writes []cell.ID, token string) commitRecord {
	rec := commitRecord{
		TxnID:       t.id,
		ActionID:    t.actionID,
		Token:       token,
		CommittedAt: time.Now(),
	}
	for _, id := range writes {
		value, version, ok := t.cells.Get(id)
		if !ok {
			continue
		}
		encoded, err := encodeValue(value)
		if err != nil {
			log.WithError(err).WithField("cell", id).Warn("could not serialize cell value for durable persistence, skipping")
			continue
		}
		rec.Writes = append(rec.Writes, commitWrite{Key: string(id), Value: encoded, Version: int64(version)})
	}
	return rec
}
