package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/commontoolsinc/reactor/internal/action"
	"github.com/commontoolsinc/reactor/internal/metrics"
	"github.com/commontoolsinc/reactor/internal/streaming"
	"github.com/commontoolsinc/reactor/internal/txn"
)

// handleCommitDone is spec §4.4 phase 4's continuation, run on the owning
// execution context (spec §5's ordering guarantee: "commit futures
// complete in arbitrary order; their continuations are serialized on the
// owning context").
func (s *Scheduler) handleCommitDone(co commitOutcome) {
	delete(s.outstandingCommits, co.commitID)
	s.outstandingCount.Store(int64(len(s.outstandingCommits)))
	metrics.OutstandingCommits.Set(float64(len(s.outstandingCommits)))

	switch {
	case co.err == nil:
		delete(s.retries, co.actionID)
		for _, e := range co.events {
			s.dispatchEvent(e)
		}

	case errors.Is(co.err, txn.ErrStaleRead):
		if s.retries[co.actionID] < s.cfg.MaxReactiveRetries {
			s.retries[co.actionID]++
			// Re-subscribing here with the same reads already installed in
			// phase 3 is a no-op by the idempotence-of-resubscribe law
			// (spec §8); what actually matters is re-adding the action to
			// dirty so it re-runs (for real, with a fresh transaction) in
			// a subsequent settle pass.
			s.markDirty(co.actionID)
			s.state = ScheduledRun
			metrics.SchedulerState.Set(1)
		} else {
			delete(s.retries, co.actionID)
			s.reportError(ActionError{
				ActionID: co.actionID,
				Kind:     KindCommitRejected,
				Err:      fmt.Errorf("exceeded %d reactive retries: %w", s.cfg.MaxReactiveRetries, co.err),
			})
		}

	default:
		delete(s.retries, co.actionID)
		s.reportError(ActionError{ActionID: co.actionID, Kind: KindCommitRejected, Err: co.err})
	}

	s.reconcileState()
}

// dispatchEvent re-enters the send() path for an event emitted by a
// committed event handler (streaming package doc: "an emitted event is
// itself a re-entry into the scheduler's send() path"). It mutates state
// directly rather than going through the sendCh channel because this runs
// on the owning goroutine already — sending to sendCh here would deadlock
// against the very goroutine meant to receive it.
func (s *Scheduler) dispatchEvent(e streaming.Event) {
	id := action.ID(e.Handler)
	if _, ok := s.actions[id]; !ok {
		log.WithField("handler", e.Handler).Warn("emitted event targeted an unregistered handler, dropping")
		return
	}
	s.payloads[id] = e.Payload
	s.markDirty(id)

	if s.publisher != nil {
		if err := s.publisher.Publish(context.Background(), e.Handler, e.Payload); err != nil {
			log.WithError(err).WithField("handler", e.Handler).Warn("observability publisher failed for emitted event")
		}
	}
}
