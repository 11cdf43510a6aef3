// Package streaming carries events emitted by event-handler actions. An
// emitted event is itself a re-entry into the scheduler's send() path: the
// scheduler routes it back to the target handler itself once the emitting
// transaction commits, and then hands it to a Publisher (such as the
// log-only reference implementation below) for observability.
package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one emitted occurrence, addressed to a named handler with an
// arbitrary payload.
type Event struct {
	ID        string
	Handler   string
	Payload   any
	Timestamp time.Time
	Source    string
}

// Publisher accepts emitted events. The scheduler calls Publish for each
// event it has already dispatched to its handler; Publish itself does not
// schedule anything.
type Publisher interface {
	Publish(ctx context.Context, handler string, payload any) error
	Close() error
}

// Subscriber and Subscription exist for collaborators (debugger/logger,
// external observability) that want to watch the event stream without
// participating in scheduling. Not used by the scheduler core itself.
type Subscriber interface {
	Subscribe(handler string, fn func(Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// LogPublisher is a Publisher that only logs; useful for tests and for
// embedding the scheduler before a real event pipeline exists.
type LogPublisher struct {
	log Logger
}

// Logger is the minimal logging seam LogPublisher needs, satisfied by
// *logrus.Entry in normal operation.
type Logger interface {
	Printf(format string, args ...any)
}

// NewLogPublisher constructs a LogPublisher using the given logger, or a
// no-op logger if nil.
func NewLogPublisher(log Logger) *LogPublisher {
	if log == nil {
		log = noopLogger{}
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, handler string, payload any) error {
	p.log.Printf("event emitted: handler=%s id=%s payload=%v", handler, uuid.NewString(), payload)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}
