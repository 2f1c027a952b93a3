package restart

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomium/nodeward/internal/history"
	"github.com/loomium/nodeward/internal/metrics"
	"github.com/loomium/nodeward/internal/process"
)

// SpawnFunc rebuilds the handle's child in place from its original config.
// Injected so the state machine is testable without real OS processes.
type SpawnFunc func(h *process.Handle) error

// Manager is the restart policy engine. Each enabled handle gets its own
// state machine goroutine; decisions for one handle are strictly ordered,
// different handles are independent. Entries are keyed by the stable handle
// ID so timer cancellation on disable is unambiguous.
type Manager struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	retired map[uint64]*retained
	subs    []func(Event)
	sinks   []history.Sink

	spawn  SpawnFunc
	logger *slog.Logger
}

// retained keeps stats/history readable after a handle is disabled.
type retained struct {
	stats   Stats
	history []HistoryEntry
}

func NewManager(spawn SpawnFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		entries: make(map[uint64]*entry),
		retired: make(map[uint64]*retained),
		spawn:   spawn,
		logger:  logger,
	}
}

// SetSinks configures restart-history sinks (audit/analytics export).
func (m *Manager) SetSinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// Subscribe registers a lifecycle event callback. Callbacks run on the
// per-handle state machine goroutine and must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// EnableAutoRestart attaches the policy engine to a handle. Calling it again
// for an already-enabled handle is a no-op.
func (m *Manager) EnableAutoRestart(h *process.Handle, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[h.ID()]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		mgr:    m,
		handle: h,
		opts:   opts.normalized(),
		ctx:    ctx,
		cancel: cancel,
		exitCh: make(chan process.ExitStatus, 1),
		done:   make(chan struct{}),
		state:  StateRunning,
	}
	// Re-enabling a previously disabled handle resumes its accounting.
	if r, ok := m.retired[h.ID()]; ok {
		e.stats = r.stats
		e.history = append([]HistoryEntry(nil), r.history...)
		delete(m.retired, h.ID())
	}
	if !h.SetExitListener(e.onExit) {
		cancel()
		return fmt.Errorf("handle %d already has an exit listener", h.ID())
	}
	m.entries[h.ID()] = e
	go e.run()
	return nil
}

// DisableAutoRestart detaches the engine from the handle, cancelling any
// pending backoff and reset timers. Must precede an intentional stop or the
// ensuing exit is treated as a crash.
func (m *Manager) DisableAutoRestart(h *process.Handle) {
	m.mu.Lock()
	e, ok := m.entries[h.ID()]
	if ok {
		delete(m.entries, h.ID())
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	h.SetExitListener(nil)
	e.cancel()
	<-e.done

	e.mu.Lock()
	snap := retained{stats: e.stats, history: append([]HistoryEntry(nil), e.history...)}
	e.mu.Unlock()

	m.mu.Lock()
	m.retired[h.ID()] = &snap
	m.mu.Unlock()
}

// GetStats returns a snapshot of the handle's restart accounting. Unknown
// handles yield zeroed defaults; this never fails.
func (m *Manager) GetStats(h *process.Handle) Stats {
	m.mu.Lock()
	e, ok := m.entries[h.ID()]
	if !ok {
		if r, ok := m.retired[h.ID()]; ok {
			s := r.stats
			m.mu.Unlock()
			return s
		}
		m.mu.Unlock()
		return Stats{}
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// GetRestartHistory returns a copy of the handle's append-only crash
// history, oldest first. Unknown handles yield an empty slice.
func (m *Manager) GetRestartHistory(h *process.Handle) []HistoryEntry {
	m.mu.Lock()
	e, ok := m.entries[h.ID()]
	if !ok {
		if r, ok := m.retired[h.ID()]; ok {
			out := append([]HistoryEntry(nil), r.history...)
			m.mu.Unlock()
			return out
		}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HistoryEntry(nil), e.history...)
}

// State returns the handle's current state machine state.
func (m *Manager) State(h *process.Handle) State {
	m.mu.Lock()
	e, ok := m.entries[h.ID()]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (m *Manager) sendSinks(evt history.Event) {
	m.mu.Lock()
	sinks := append([]history.Sink(nil), m.sinks...)
	m.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.Send(ctx, evt); err != nil {
			m.logger.Warn("restart history sink send failed", "error", err)
		}
	}
}

// entry is one handle's state machine.
type entry struct {
	mgr    *Manager
	handle *process.Handle
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	exitCh chan process.ExitStatus
	done   chan struct{}

	mu      sync.Mutex
	stats   Stats
	history []HistoryEntry
	state   State
}

// onExit runs on the reaper goroutine; hand off to the state machine.
// The channel is buffered for one status: a handle has at most one
// outstanding exit because the next run only starts after this one is
// decided.
func (e *entry) onExit(_ *process.Handle, st process.ExitStatus) {
	select {
	case e.exitCh <- st:
	case <-e.ctx.Done():
	}
}

func (e *entry) run() {
	defer close(e.done)

	node := e.handle.Config().NodeName()
	e.setState(StateRunning)

	// resetC is armed after each successful respawn; firing grants
	// good-behavior forgiveness by zeroing the attempt counters.
	var resetC <-chan time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-resetC:
			resetC = nil
			e.mu.Lock()
			e.stats.RestartCount = 0
			e.stats.ConsecutiveFailures = 0
			e.mu.Unlock()
			e.mgr.logger.Debug("restart counters reset after stable run", "node", node)
		case st := <-e.exitCh:
			resetC = nil
			next, ok := e.decide(st)
			if !ok {
				return
			}
			resetC = next
		}
	}
}

// decide runs the Deciding state for one exit. It returns the reset channel
// to arm (nil when no respawn happened) and false when the entry context was
// cancelled mid-backoff.
func (e *entry) decide(st process.ExitStatus) (<-chan time.Time, bool) {
	node := e.handle.Config().NodeName()
	e.setState(StateDeciding)

	reason := exitReason(st)
	e.mu.Lock()
	e.history = append(e.history, HistoryEntry{Timestamp: st.At, ExitCode: st.Code, Reason: reason})
	histIdx := len(e.history) - 1
	snap := e.stats
	e.mu.Unlock()

	if !e.opts.shouldRestart(st.Code) {
		e.mgr.logger.Info("node exited, policy declines restart",
			"node", node, "exit_code", st.Code, "policy", string(e.opts.Policy))
		e.setState(StateIdle)
		return nil, true
	}

	if e.opts.MaxAttempts != nil && (snap.MaxAttemptsReached || snap.RestartCount >= *e.opts.MaxAttempts) {
		e.mu.Lock()
		e.stats.MaxAttemptsReached = true
		e.mu.Unlock()
		e.setState(StateExhausted)
		metrics.IncExhausted(node)
		e.mgr.logger.Error("restart attempts exhausted, giving up",
			"node", node, "max_attempts", *e.opts.MaxAttempts, "exit_code", st.Code)
		ev := Event{Type: EventExhausted, HandleID: e.handle.ID(), Node: node,
			Attempt: snap.RestartCount, ExitCode: st.Code, At: time.Now()}
		e.mgr.emit(ev)
		e.mgr.sendSinks(history.Event{Type: history.EventExhausted, OccurredAt: ev.At,
			Record: history.Record{Node: node, PID: e.handle.PID(), ExitCode: st.Code,
				Reason: reason, Attempt: snap.RestartCount}})
		return nil, true
	}

	attempt := snap.RestartCount // 0-indexed within the current streak
	delay := e.opts.BackoffDelay(attempt)
	metrics.ObserveBackoff(node, delay.Seconds())
	e.setState(StateBackoff)
	e.mgr.logger.Warn("node crashed, scheduling restart",
		"node", node, "exit_code", st.Code, "attempt", attempt, "delay", delay)
	e.mgr.emit(Event{Type: EventRestarting, HandleID: e.handle.ID(), Node: node,
		Attempt: attempt, Delay: delay, ExitCode: st.Code, At: time.Now()})
	e.mgr.sendSinks(history.Event{Type: history.EventRestarting, OccurredAt: time.Now(),
		Record: history.Record{Node: node, PID: e.handle.PID(), ExitCode: st.Code,
			Reason: reason, Attempt: attempt}})

	// The backoff wait is the one deliberate suspension point; it must be
	// cancellable so a disable arriving mid-wait prevents the respawn.
	timer := time.NewTimer(delay)
	select {
	case <-e.ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return nil, false
	case <-timer.C:
	}

	downtime := time.Since(st.At)
	e.mu.Lock()
	e.stats.RestartCount++
	e.stats.ConsecutiveFailures++
	e.stats.LastRestartTime = time.Now()
	e.stats.TotalDowntime += downtime
	e.history[histIdx].Downtime = downtime
	count := e.stats.RestartCount
	e.mu.Unlock()

	if err := e.mgr.spawn(e.handle); err != nil {
		metrics.IncRestartFailure(node)
		e.mgr.logger.Error("respawn attempt failed", "node", node, "attempt", attempt, "error", err)
		ev := Event{Type: EventRestartFailed, HandleID: e.handle.ID(), Node: node,
			Attempt: attempt, ExitCode: st.Code, Err: err, At: time.Now()}
		e.mgr.emit(ev)
		e.mgr.sendSinks(history.Event{Type: history.EventRestartFailed, OccurredAt: ev.At,
			Record: history.Record{Node: node, PID: 0, ExitCode: st.Code,
				Reason: err.Error(), Attempt: attempt, Downtime: downtime}})
		e.setState(StateIdle)
		return nil, true
	}

	metrics.IncRestart(node)
	metrics.IncSpawn(node)
	e.mgr.logger.Info("node restarted", "node", node, "pid", e.handle.PID(),
		"restart_count", count, "downtime", downtime)
	ev := Event{Type: EventRestarted, HandleID: e.handle.ID(), Node: node,
		Attempt: attempt, ExitCode: st.Code, At: time.Now()}
	e.mgr.emit(ev)
	e.mgr.sendSinks(history.Event{Type: history.EventRestarted, OccurredAt: ev.At,
		Record: history.Record{Node: node, PID: e.handle.PID(), ExitCode: st.Code,
			Reason: reason, Attempt: attempt, Downtime: downtime}})

	e.setState(StateRunning)
	return time.After(e.opts.ResetPeriod), true
}

func (e *entry) setState(s State) {
	node := e.handle.Config().NodeName()
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old != s {
		metrics.SetCurrentState(node, string(old), false)
	}
	metrics.SetCurrentState(node, string(s), true)
}

func exitReason(st process.ExitStatus) string {
	if st.Err == nil {
		return "clean exit"
	}
	return st.Err.Error()
}
