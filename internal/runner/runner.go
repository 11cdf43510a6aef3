// Package runner executes one action under a transaction and resubscribes
// on the resulting log. Only the validate/execute/resubscribe phases live
// here; the asynchronous commit tail is driven by the settle loop, which is
// the collaborator that actually owns outstandingCommits, dirty, and
// retries and must serialize commit continuations onto its single owning
// execution context.
package runner

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/commontoolsinc/reactor/internal/action"
	"github.com/commontoolsinc/reactor/internal/depindex"
	"github.com/commontoolsinc/reactor/internal/metrics"
	"github.com/commontoolsinc/reactor/internal/streaming"
	"github.com/commontoolsinc/reactor/internal/txn"
)

var log = logrus.WithField("component", "runner")

// Outcome is the runner's public result, available immediately once the
// action has executed and resubscribed — before commit has even been
// fired.
type Outcome struct {
	// Invalidated is true when the preamble found the action no longer
	// valid; no transaction was opened and no commit will occur.
	Invalidated bool
	// Faulted is true when the action's implementation returned an error;
	// the transaction was aborted and no commit will occur.
	Faulted bool
	// FaultErr is the implementation error when Faulted is true.
	FaultErr error
	// Tx is the transaction opened for this run, non-nil only when neither
	// Invalidated nor Faulted. The caller fires Tx.Commit(ctx) itself and
	// owns tracking the resulting future in outstandingCommits, without
	// requiring the runner to know anything about the scheduler's retry or
	// dirty bookkeeping.
	Tx *txn.Transaction
}

// Runner executes one action under a transaction opened from factory, and
// maintains the Dependency Index's forward/inverse edges for that action.
type Runner struct {
	factory *txn.Factory
	index   *depindex.Index
}

// New constructs a Runner.
func New(factory *txn.Factory, index *depindex.Index) *Runner {
	return &Runner{factory: factory, index: index}
}

// Run validates, executes, and resubscribes a, passing payload to its
// implementation (nil for a derivation). It never suspends between opening
// the transaction and completing resubscribe.
func (r *Runner) Run(ctx context.Context, a *action.Action, payload any) Outcome {
	// Phase 1: preamble.
	if !a.Valid() {
		r.index.Unsubscribe(string(a.ID))
		metrics.ActionRuns.WithLabelValues(a.Kind.String(), "invalidated").Inc()
		log.WithField("action", a.ID).Debug("action invalid at preamble, skipping run")
		return Outcome{Invalidated: true}
	}

	// Phase 2: execute.
	tx := r.factory.Open(string(a.ID))
	// A panicking implementation is reported as a fault like a returned
	// error, rather than unwinding into the scheduler.
	result, err := func() (res any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("action implementation panicked: %v", p)
			}
		}()
		return a.Impl(ctx, tx, payload)
	}()

	// An action's own implementation is the only thing able to observe a
	// teardown mid-run in this single-threaded model (nothing else can
	// interleave between phase 1's check and here). Re-check validity
	// before committing to anything the run produced.
	if !a.Valid() {
		tx.Abort()
		r.index.Unsubscribe(string(a.ID))
		metrics.ActionRuns.WithLabelValues(a.Kind.String(), "invalidated").Inc()
		log.WithField("action", a.ID).Debug("action invalidated during run, discarding result")
		return Outcome{Invalidated: true}
	}

	if err != nil {
		tx.Abort()
		metrics.ActionRuns.WithLabelValues(a.Kind.String(), "fault").Inc()
		log.WithError(err).WithField("action", a.ID).Warn("action implementation faulted")
		return Outcome{Faulted: true, FaultErr: err}
	}
	if result != nil && a.OutputCell != nil {
		tx.Set(*a.OutputCell, result)
	}

	// Phase 3: post-execute. Extract the log and resubscribe before
	// returning — this must happen before commit fires, and before the
	// next action in the settle loop starts.
	reads := tx.Log().Reads()
	r.index.Subscribe(string(a.ID), reads)
	metrics.DependencyIndexEdges.Set(float64(r.index.EdgeCount()))

	metrics.ActionRuns.WithLabelValues(a.Kind.String(), "ok").Inc()
	return Outcome{Tx: tx}
}

// Emit is a convenience for collaborators that need to publish a
// transaction's staged events once its commit has resolved ok.
func Emit(ctx context.Context, publisher streaming.Publisher, events []streaming.Event) {
	if publisher == nil {
		return
	}
	for _, e := range events {
		if err := publisher.Publish(ctx, e.Handler, e.Payload); err != nil {
			log.WithError(err).WithField("handler", e.Handler).Warn("failed to publish emitted event")
		}
	}
}
