package history

import (
	"context"
	"time"
)

// EventType is the kind of restart lifecycle event exported to sinks.
type EventType string

const (
	EventRestarting    EventType = "restarting"
	EventRestarted     EventType = "restarted"
	EventRestartFailed EventType = "restart_failed"
	EventExhausted     EventType = "exhausted"
)

// Record carries the per-crash details persisted alongside each event.
type Record struct {
	Node     string        `json:"node"`
	PID      int           `json:"pid"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason"`
	Attempt  int           `json:"attempt"`
	Downtime time.Duration `json:"downtime"`
}

// Event is one restart lifecycle occurrence to be exported to external
// systems (audit/analytics).
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for restart events. Implementations must be safe
// for concurrent use. Send failures are logged, never propagated into the
// restart decision path.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
