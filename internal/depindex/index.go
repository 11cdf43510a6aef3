// Package depindex implements the bi-directional map between cells and the
// actions subscribed to them. It is owned exclusively by the scheduler and
// carries no lock: there is no parallelism within the scheduler's single
// owning goroutine, so this index is only ever touched from that goroutine.
package depindex

import "github.com/commontoolsinc/reactor/internal/cell"

// Index is the Dependency Index: cell identity -> set of subscribed
// actions, and its inverse.
type Index struct {
	forward map[cell.ID]map[string]struct{}
	inverse map[string]map[cell.ID]struct{}
}

// New returns an empty Dependency Index.
func New() *Index {
	return &Index{
		forward: make(map[cell.ID]map[string]struct{}),
		inverse: make(map[string]map[cell.ID]struct{}),
	}
}

// Subscribe atomically replaces action's subscription set with reads,
// computing the symmetric difference against its previous set and updating
// the forward map accordingly. No edges are created for writes — callers
// pass only the reads a reactivity log recorded.
//
// This MUST run synchronously in the same execution context as the action
// that produced the log: the next action in the settle loop must observe
// the updated graph before it starts.
func (x *Index) Subscribe(actionID string, reads []cell.ID) {
	next := make(map[cell.ID]struct{}, len(reads))
	for _, id := range reads {
		next[id] = struct{}{}
	}

	prev := x.inverse[actionID]

	// Remove edges for cells no longer read.
	for id := range prev {
		if _, stillRead := next[id]; !stillRead {
			x.removeForwardEdge(id, actionID)
		}
	}
	// Add edges for newly read cells.
	for id := range next {
		if _, wasRead := prev[id]; !wasRead {
			x.addForwardEdge(id, actionID)
		}
	}

	if len(next) == 0 {
		delete(x.inverse, actionID)
		return
	}
	x.inverse[actionID] = next
}

// Dependents returns the actions to mark dirty on a write to id.
func (x *Index) Dependents(id cell.ID) []string {
	set := x.forward[id]
	out := make([]string, 0, len(set))
	for actionID := range set {
		out = append(out, actionID)
	}
	return out
}

// Unsubscribe removes every forward edge and the inverse entry for
// actionID, invoked on action invalidation.
func (x *Index) Unsubscribe(actionID string) {
	prev := x.inverse[actionID]
	for id := range prev {
		x.removeForwardEdge(id, actionID)
	}
	delete(x.inverse, actionID)
}

// Subscribed returns the cells actionID is currently subscribed to, for
// diagnostics and tests.
func (x *Index) Subscribed(actionID string) []cell.ID {
	set := x.inverse[actionID]
	out := make([]cell.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// EdgeCount returns the total number of forward edges, for metrics.
func (x *Index) EdgeCount() int {
	total := 0
	for _, actions := range x.forward {
		total += len(actions)
	}
	return total
}

func (x *Index) addForwardEdge(id cell.ID, actionID string) {
	set, ok := x.forward[id]
	if !ok {
		set = make(map[string]struct{})
		x.forward[id] = set
	}
	set[actionID] = struct{}{}
}

func (x *Index) removeForwardEdge(id cell.ID, actionID string) {
	set, ok := x.forward[id]
	if !ok {
		return
	}
	delete(set, actionID)
	if len(set) == 0 {
		delete(x.forward, id)
	}
}
