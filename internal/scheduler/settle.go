package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/commontoolsinc/reactor/internal/action"
	"github.com/commontoolsinc/reactor/internal/metrics"
)

// runSettlePass is the Running phase described in spec §4.5's settle
// algorithm, reproduced here almost verbatim from its pseudocode.
func (s *Scheduler) runSettlePass() {
	s.state = Running
	metrics.SchedulerState.Set(2)
	start := time.Now()
	iterationCount := 0

	for s.dirty.len() > 0 && iterationCount < s.cfg.MaxSettleIterations {
		order := s.topologicalOrder(s.dirty.ids())

		for _, id := range s.dirty.ids() {
			s.pending.add(id)
		}
		s.dirty.reset()
		metrics.DirtySetSize.Set(0)

		for _, id := range order {
			if !s.pending.has(id) {
				continue
			}
			if s.dirty.has(id) {
				// Re-dirtied by an earlier action's run within this same
				// iteration; defer it to the next one rather than run it
				// twice in one pass.
				continue
			}
			a, ok := s.actions[id]
			if !ok {
				continue
			}
			if !a.Valid() {
				continue
			}
			s.runActionSynchronously(a)
		}

		iterationCount++
	}

	metrics.SettlePassDuration.Observe(time.Since(start).Seconds())
	metrics.SettleIterations.Observe(float64(iterationCount))

	if iterationCount >= s.cfg.MaxSettleIterations && s.dirty.len() > 0 {
		metrics.IterationCapExceeded.Inc()
		log.WithField("iterations", iterationCount).Warn("settle pass hit MAX_SETTLE_ITERATIONS, not looping further")
		s.reportError(ActionError{
			Kind: KindIterationCapExceeded,
			Err:  fmt.Errorf("settle loop exceeded %d iterations with %d actions still dirty", s.cfg.MaxSettleIterations, s.dirty.len()),
		})
		s.dirty.reset()
		metrics.DirtySetSize.Set(0)
	}

	s.pending.reset()
}

// runActionSynchronously executes one action via the runner (spec §4.4
// phases 1–3), dirties the dependents of every cell it wrote (spec §4.2,
// §8 invariant 5's self-write exception), and fires its commit
// asynchronously (phase 4), recording the outstanding future before
// returning.
func (s *Scheduler) runActionSynchronously(a *action.Action) {
	s.currentAction = a.ID
	payload := s.payloads[a.ID]
	delete(s.payloads, a.ID)

	outcome := s.runner.Run(context.Background(), a, payload)
	s.currentAction = ""

	if outcome.Invalidated {
		return
	}
	if outcome.Faulted {
		s.reportError(ActionError{ActionID: a.ID, Kind: KindActionFault, Err: outcome.FaultErr})
		return
	}

	tx := outcome.Tx
	writes := tx.Log().Writes()
	s.lastWrites[a.ID] = writes

	for _, w := range writes {
		for _, dep := range s.index.Dependents(w) {
			depID := action.ID(dep)
			if depID == a.ID {
				// Self-write: recorded in the log, but must not re-enter
				// dirty purely because of it (spec §8 invariant 5, §9).
				continue
			}
			s.markDirty(depID)
		}
	}

	commitID := tx.ID()
	s.outstandingCommits[commitID] = struct{}{}
	s.outstandingCount.Store(int64(len(s.outstandingCommits)))
	metrics.OutstandingCommits.Set(float64(len(s.outstandingCommits)))

	events := tx.Emitted()
	commitCh := tx.Commit(context.Background())
	go func() {
		res := <-commitCh
		s.commitDone <- commitOutcome{
			commitID: commitID,
			actionID: a.ID,
			err:      res.Err,
			writes:   writes,
			events:   events,
		}
	}()
}

// topologicalOrder computes a stable topological sort of ids by
// producer->consumer edges (spec §4.5: "An edge A → B exists when A's
// most-recent-log writes a cell in B's subscription set"), falling back to
// insertion order on cycles.
func (s *Scheduler) topologicalOrder(ids []action.ID) []action.ID {
	position := make(map[action.ID]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	adjacency := make(map[action.ID][]action.ID)
	indegree := make(map[action.ID]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}

	for _, producer := range ids {
		for _, cellID := range s.lastWrites[producer] {
			for _, consumer := range s.index.Dependents(cellID) {
				consumerID := action.ID(consumer)
				if consumerID == producer {
					continue
				}
				if _, inSet := position[consumerID]; !inSet {
					continue
				}
				adjacency[producer] = append(adjacency[producer], consumerID)
				indegree[consumerID]++
			}
		}
	}

	remaining := make(map[action.ID]struct{}, len(ids))
	for _, id := range ids {
		remaining[id] = struct{}{}
	}

	order := make([]action.ID, 0, len(ids))
	for len(remaining) > 0 {
		var next action.ID
		found := false
		for _, id := range ids {
			if _, stillRemaining := remaining[id]; !stillRemaining {
				continue
			}
			if indegree[id] == 0 {
				next = id
				found = true
				break
			}
		}
		if !found {
			// Cycle among the remaining nodes: fall back to insertion
			// order for all of them (spec §4.5, §9 "Cyclic dependency
			// graphs").
			for _, id := range ids {
				if _, stillRemaining := remaining[id]; stillRemaining {
					order = append(order, id)
				}
			}
			break
		}
		order = append(order, next)
		delete(remaining, next)
		for _, consumer := range adjacency[next] {
			indegree[consumer]--
		}
	}

	return order
}
