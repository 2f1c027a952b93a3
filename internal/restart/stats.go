package restart

import "time"

// Stats is the per-handle restart accounting. Single writer (the handle's
// state machine goroutine); snapshots are returned by value.
type Stats struct {
	RestartCount        int           `json:"restart_count"`
	LastRestartTime     time.Time     `json:"last_restart_time"`
	TotalDowntime       time.Duration `json:"total_downtime"`
	MaxAttemptsReached  bool          `json:"max_attempts_reached"` // sticky once true
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// HistoryEntry is one crash in the append-only per-handle history. Downtime
// is backfilled once the corresponding respawn completes.
type HistoryEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	ExitCode  int           `json:"exit_code"`
	Reason    string        `json:"reason"`
	Downtime  time.Duration `json:"downtime"`
}

// State is the per-handle restart state machine state.
type State string

const (
	StateRunning   State = "running"
	StateDeciding  State = "deciding"
	StateBackoff   State = "backoff"
	StateIdle      State = "idle"
	StateExhausted State = "exhausted"
)

// EventType enumerates restart lifecycle notifications.
type EventType string

const (
	EventRestarting    EventType = "restarting"
	EventRestarted     EventType = "restarted"
	EventRestartFailed EventType = "restart-failed"
	EventExhausted     EventType = "exhausted"
)

// Event is delivered to subscribers on restart lifecycle transitions.
type Event struct {
	Type     EventType
	HandleID uint64
	Node     string
	Attempt  int
	Delay    time.Duration
	ExitCode int
	Err      error
	At       time.Time
}
