// Package scheduler implements the Settle Loop & Idle Barrier (spec §4.5):
// it orders actions, runs them to a reactive fixpoint, and synchronizes
// idle() callers with outstanding commit side-effects. It owns every piece
// of Scheduler State named in spec §3 (dirty, pending, retries,
// outstandingCommits, idleWaiters, iterationCount) and is the single
// owning execution context spec §5 requires: all of that state is mutated
// only from the goroutine started by New, reached exclusively through the
// channels this package exposes.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/commontoolsinc/reactor/internal/action"
	"github.com/commontoolsinc/reactor/internal/cell"
	"github.com/commontoolsinc/reactor/internal/config"
	"github.com/commontoolsinc/reactor/internal/depindex"
	"github.com/commontoolsinc/reactor/internal/metrics"
	"github.com/commontoolsinc/reactor/internal/runner"
	"github.com/commontoolsinc/reactor/internal/streaming"
)

var log = logrus.WithField("component", "scheduler")

// State is the settle loop's state machine (spec §4.5).
type State int

const (
	Quiet State = iota
	ScheduledRun
	Running
	DrainingCommits
)

func (s State) String() string {
	switch s {
	case Quiet:
		return "quiet"
	case ScheduledRun:
		return "scheduled-run"
	case Running:
		return "running"
	case DrainingCommits:
		return "draining-commits"
	default:
		return "unknown"
	}
}

// Kind is the terminal error taxonomy reported to the error sink (spec §7).
// StaleRead and Invalidated are deliberately absent: both are transient and
// recovered locally, never surfacing past the scheduler (spec §7
// "Propagation policy").
type Kind int

const (
	KindActionFault Kind = iota
	KindCommitRejected
	KindIterationCapExceeded
)

func (k Kind) String() string {
	switch k {
	case KindActionFault:
		return "action-fault"
	case KindCommitRejected:
		return "commit-rejected"
	case KindIterationCapExceeded:
		return "iteration-cap-exceeded"
	default:
		return "unknown"
	}
}

// ActionError is a terminal error surfaced through the error sink (spec
// §7), carrying enough context to diagnose which action failed and why.
type ActionError struct {
	ActionID action.ID
	Kind     Kind
	Err      error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("%s: action %q: %v", e.Kind, e.ActionID, e.Err)
}

// IdleResult is what an idle() caller receives (spec §4.5, §5).
type IdleResult struct {
	TimedOut           bool
	OutstandingCommits int
	Err                error
}

type sendRequest struct {
	handler string
	payload any
}

type idleRequest struct {
	resultCh chan IdleResult
}

type commitOutcome struct {
	commitID string
	actionID action.ID
	err      error
	writes   []cell.ID
	events   []streaming.Event
}

// Scheduler is the production implementation of the settle loop and idle
// barrier described in spec §4.5, exposing the external contract named in
// spec §6 (register/unregister/send/idle).
type Scheduler struct {
	cfg       config.Config
	cells     *cell.Store
	index     *depindex.Index
	runner    *runner.Runner
	publisher streaming.Publisher

	registerCh    chan *action.Action
	unregisterCh  chan action.ID
	sendCh        chan sendRequest
	idleCh        chan idleRequest
	commitDone    chan commitOutcome
	externalWrite chan cell.ID
	stop          chan struct{}

	errSink chan ActionError

	outstandingCount atomic.Int64

	// Everything below is touched only on the owning goroutine (loop).
	state              State
	actions            map[action.ID]*action.Action
	dirty              *orderedIDSet
	pending            *orderedIDSet
	retries            map[action.ID]int
	lastWrites         map[action.ID][]cell.ID
	payloads           map[action.ID]any
	outstandingCommits map[string]struct{}
	idleWaiters        []idleRequest
	currentAction      action.ID
}

// New constructs a Scheduler and starts its owning goroutine. cells is the
// shared cell store every transaction reads and writes through; r is an
// Action Runner wired to the same cells and index.
func New(cfg config.Config, cells *cell.Store, index *depindex.Index, r *runner.Runner, publisher streaming.Publisher) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		cells:     cells,
		index:     index,
		runner:    r,
		publisher: publisher,

		registerCh:    make(chan *action.Action),
		unregisterCh:  make(chan action.ID),
		sendCh:        make(chan sendRequest),
		idleCh:        make(chan idleRequest),
		commitDone:    make(chan commitOutcome, 256),
		externalWrite: make(chan cell.ID, 1024),
		stop:          make(chan struct{}),
		errSink:       make(chan ActionError, 256),

		actions:            make(map[action.ID]*action.Action),
		dirty:              newOrderedIDSet(),
		pending:            newOrderedIDSet(),
		retries:            make(map[action.ID]int),
		lastWrites:         make(map[action.ID][]cell.ID),
		payloads:           make(map[action.ID]any),
		outstandingCommits: make(map[string]struct{}),
	}

	cells.OnWrite(s.onCellWrite)
	go s.loop()
	return s
}

// Register registers an action, marking it dirty for its first run (spec
// §6).
func (s *Scheduler) Register(a *action.Action) {
	s.registerCh <- a
}

// Unregister invalidates and removes an action (spec §6).
func (s *Scheduler) Unregister(id action.ID) {
	s.unregisterCh <- id
}

// Send enqueues an event-handler invocation with the given payload,
// transitioning the scheduler to ScheduledRun (spec §6).
func (s *Scheduler) Send(ctx context.Context, handler string, payload any) error {
	select {
	case s.sendCh <- sendRequest{handler: handler, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors exposes the error sink named in spec §6, carrying terminal
// failures (ActionFault, CommitRejected, IterationCapExceeded).
func (s *Scheduler) Errors() <-chan ActionError {
	return s.errSink
}

// Stop halts the owning goroutine. In-flight commit goroutines that
// haven't yet reported back are abandoned; Stop is for process shutdown,
// not for draining — callers wanting a clean drain should call Idle first.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) onCellWrite(id cell.ID, version uint64) {
	if s.currentAction != "" {
		// Attributable to the in-flight transaction; runActionSynchronously
		// dirties this write's dependents directly from the reactivity log
		// once the action returns (spec §4.2's synchronous-resubscribe
		// requirement), so there is nothing to do here. Handling it again
		// via this channel would double-dirty the same dependents.
		return
	}
	s.externalWrite <- id
}

func (s *Scheduler) reportError(e ActionError) {
	select {
	case s.errSink <- e:
	default:
		log.WithField("action", e.ActionID).Warn("error sink full, dropping terminal error")
	}
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.stop:
			return
		case a := <-s.registerCh:
			s.handleRegister(a)
		case id := <-s.unregisterCh:
			s.handleUnregister(id)
		case req := <-s.sendCh:
			s.handleSend(req)
		case id := <-s.externalWrite:
			s.handleExternalWrite(id)
		case co := <-s.commitDone:
			s.handleCommitDone(co)
		case req := <-s.idleCh:
			s.handleIdleRequest(req)
		}
	}
}

func (s *Scheduler) handleRegister(a *action.Action) {
	s.actions[a.ID] = a
	s.markDirty(a.ID)
	s.reconcileState()
}

func (s *Scheduler) handleUnregister(id action.ID) {
	delete(s.actions, id)
	s.index.Unsubscribe(string(id))
	delete(s.retries, id)
	delete(s.lastWrites, id)
	delete(s.payloads, id)
	s.dirty.remove(id)
	s.pending.remove(id)
	s.reconcileState()
}

func (s *Scheduler) handleSend(req sendRequest) {
	id := action.ID(req.handler)
	if _, ok := s.actions[id]; !ok {
		log.WithField("handler", req.handler).Warn("send() targeted an unregistered handler, dropping event")
		return
	}
	s.payloads[id] = req.payload
	s.markDirty(id)
	s.reconcileState()
}

func (s *Scheduler) handleExternalWrite(id cell.ID) {
	for _, dep := range s.index.Dependents(id) {
		s.markDirty(action.ID(dep))
	}
	s.reconcileState()
}

func (s *Scheduler) markDirty(id action.ID) {
	s.dirty.add(id)
	metrics.DirtySetSize.Set(float64(s.dirty.len()))
}

// reconcileState drives the state machine forward after any event that may
// have changed dirty or outstandingCommits: it runs settle passes until
// dirty is empty, then either resolves idle() waiters (if no commits are
// outstanding) or parks in DrainingCommits until handleCommitDone calls
// back in. There is no separate "join snapshot" data structure — every
// call re-reads outstandingCommits fresh, which is exactly what makes
// commits added after a prior DrainingCommits entry (via retry) show up
// correctly on the next pass through here rather than needing to be
// merged into a remembered snapshot.
func (s *Scheduler) reconcileState() {
	for s.dirty.len() > 0 {
		s.runSettlePass()
	}

	if len(s.outstandingCommits) > 0 {
		s.state = DrainingCommits
		metrics.SchedulerState.Set(3)
		return
	}

	s.state = Quiet
	metrics.SchedulerState.Set(0)
	s.resolveIdleWaiters()
}

type orderedIDSet struct {
	set   map[action.ID]struct{}
	order []action.ID
}

func newOrderedIDSet() *orderedIDSet {
	return &orderedIDSet{set: make(map[action.ID]struct{})}
}

func (o *orderedIDSet) add(id action.ID) {
	if _, ok := o.set[id]; ok {
		return
	}
	o.set[id] = struct{}{}
	o.order = append(o.order, id)
}

func (o *orderedIDSet) remove(id action.ID) {
	if _, ok := o.set[id]; !ok {
		return
	}
	delete(o.set, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

func (o *orderedIDSet) has(id action.ID) bool {
	_, ok := o.set[id]
	return ok
}

func (o *orderedIDSet) len() int { return len(o.set) }

func (o *orderedIDSet) ids() []action.ID {
	out := make([]action.ID, len(o.order))
	copy(out, o.order)
	return out
}

func (o *orderedIDSet) reset() {
	o.set = make(map[action.ID]struct{})
	o.order = nil
}
