// Package action defines the invocable units the scheduler runs: reactive
// derivations and event handlers.
package action

import (
	"context"

	"github.com/commontoolsinc/reactor/internal/cell"
	"github.com/commontoolsinc/reactor/internal/streaming"
)

// ID is a stable identity for one action.
type ID string

// Kind distinguishes the two action variants.
type Kind int

const (
	// Derivation is a reactive computation: may read and write cells, and
	// is expected to be idempotent modulo its inputs.
	Derivation Kind = iota
	// EventHandler is triggered once per event payload: may read, write,
	// and emit further events.
	EventHandler
)

func (k Kind) String() string {
	switch k {
	case Derivation:
		return "derivation"
	case EventHandler:
		return "event-handler"
	default:
		return "unknown"
	}
}

// Tx is the narrow view of a transaction an action's implementation is
// given. It is satisfied by *txn.Transaction; defining it here (rather than
// importing internal/txn) avoids a dependency cycle between action and txn.
type Tx interface {
	// Get returns the current value of id as observed within this
	// transaction, recording the read in the transaction's reactivity log.
	Get(id cell.ID) (any, bool)
	// Set writes value to id, recording it in the transaction's
	// reactivity log. The write is applied to the backing cell store
	// immediately; commit only persists and authorizes it.
	Set(id cell.ID, value any)
	// Emit publishes an event. Only meaningful for event handlers; a
	// derivation that calls Emit is not prevented from doing so by this
	// interface, but emission is conventionally scoped to event handlers.
	Emit(event streaming.Event)
}

// Implementation is the user-authored body of an action. payload is nil for
// derivations and the event payload for event handlers.
type Implementation func(ctx context.Context, t Tx, payload any) (any, error)

// Action is one registered unit of work.
type Action struct {
	ID   ID
	Kind Kind
	Impl Implementation

	// OutputCell, if set, receives the implementation's non-nil return
	// value within the same transaction it was produced in.
	OutputCell *cell.ID

	// IsValid is consulted at the start of a run and again right before
	// its result is committed. A nil IsValid is treated as always-valid.
	IsValid func() bool
}

// Valid reports whether the action may currently run.
func (a *Action) Valid() bool {
	if a.IsValid == nil {
		return true
	}
	return a.IsValid()
}
