package restart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomium/nodeward/internal/process"
)

func testHandle(name string) *process.Handle {
	return process.NewHandle(&process.Config{Name: name, Binary: "fakenode"}, 64)
}

func fastOptions() Options {
	return Options{
		Policy:            PolicyAlways,
		InitialDelay:      5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          20 * time.Millisecond,
		ResetPeriod:       time.Hour,
	}
}

// feedExit injects a terminated run into the handle's state machine the same
// way the process reaper would.
func feedExit(t *testing.T, m *Manager, h *process.Handle, code int) {
	t.Helper()
	m.mu.Lock()
	e := m.entries[h.ID()]
	m.mu.Unlock()
	require.NotNil(t, e, "handle not enabled")
	var err error
	if code != 0 {
		err = fmt.Errorf("exit status %d", code)
	}
	e.onExit(h, process.ExitStatus{Code: code, Err: err, At: time.Now()})
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestRestartAfterCrash(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(h *process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)
	log := &eventLog{}
	m.Subscribe(log.record)

	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, fastOptions()))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 1)

	require.Eventually(t, func() bool { return spawns.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return m.State(h) == StateRunning }, time.Second, time.Millisecond)

	st := m.GetStats(h)
	require.Equal(t, 1, st.RestartCount)
	require.Equal(t, 1, st.ConsecutiveFailures)
	require.False(t, st.LastRestartTime.IsZero())
	require.Greater(t, st.TotalDowntime, time.Duration(0))
	require.False(t, st.MaxAttemptsReached)

	hist := m.GetRestartHistory(h)
	require.Len(t, hist, 1)
	require.Equal(t, 1, hist[0].ExitCode)
	require.Greater(t, hist[0].Downtime, time.Duration(0))

	require.Equal(t, []EventType{EventRestarting, EventRestarted}, log.types())
}

func TestEnableIsIdempotent(t *testing.T) {
	m := NewManager(func(*process.Handle) error { return nil }, nil)
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, fastOptions()))
	defer m.DisableAutoRestart(h)
	require.NoError(t, m.EnableAutoRestart(h, fastOptions()))

	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestCleanExitNotRestartedOnFailurePolicy(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)

	opts := fastOptions()
	opts.Policy = PolicyOnFailure
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 0)

	require.Eventually(t, func() bool { return m.State(h) == StateIdle }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), spawns.Load())

	// The exit is still recorded even though the policy declined.
	hist := m.GetRestartHistory(h)
	require.Len(t, hist, 1)
	require.Equal(t, 0, hist[0].ExitCode)
}

func TestNeverPolicy(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)

	opts := fastOptions()
	opts.Policy = PolicyNever
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 7)
	require.Eventually(t, func() bool { return m.State(h) == StateIdle }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), spawns.Load())
}

func TestCustomPolicyPredicate(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)

	opts := fastOptions()
	opts.Policy = PolicyCustom
	opts.ShouldRestart = func(code int) bool { return code == 42 }
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return m.State(h) == StateIdle }, time.Second, time.Millisecond)
	require.Equal(t, int32(0), spawns.Load())

	feedExit(t, m, h, 42)
	require.Eventually(t, func() bool { return spawns.Load() == 1 }, time.Second, time.Millisecond)
}

func TestMaxAttemptsExhausted(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)
	log := &eventLog{}
	m.Subscribe(log.record)

	opts := fastOptions()
	max := 2
	opts.MaxAttempts = &max
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return spawns.Load() == 1 }, time.Second, time.Millisecond)
	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return spawns.Load() == 2 }, time.Second, time.Millisecond)

	// Third crash trips the limit: no further spawns, ever.
	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return m.State(h) == StateExhausted }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), spawns.Load())
	require.True(t, m.GetStats(h).MaxAttemptsReached)

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return m.State(h) == StateExhausted }, time.Second, time.Millisecond)
	require.Equal(t, int32(2), spawns.Load())

	types := log.types()
	require.Contains(t, types, EventExhausted)
	require.Equal(t, EventExhausted, types[len(types)-1])
}

func TestDisableCancelsPendingBackoff(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)

	opts := fastOptions()
	opts.InitialDelay = time.Hour
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return m.State(h) == StateBackoff }, time.Second, time.Millisecond)

	m.DisableAutoRestart(h)
	require.Equal(t, int32(0), spawns.Load())
	require.False(t, h.HasExitListener())

	// Accounting survives the disable.
	require.Len(t, m.GetRestartHistory(h), 1)
}

func TestSpawnFailureLeavesIdle(t *testing.T) {
	boom := errors.New("port already bound")
	m := NewManager(func(*process.Handle) error { return boom }, nil)
	log := &eventLog{}
	m.Subscribe(log.record)

	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, fastOptions()))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return m.State(h) == StateIdle }, time.Second, time.Millisecond)

	types := log.types()
	require.Equal(t, []EventType{EventRestarting, EventRestartFailed}, types)

	// The attempt is still charged so the limit cannot be dodged by
	// failing spawns.
	require.Equal(t, 1, m.GetStats(h).RestartCount)
}

func TestResetPeriodZeroesCounters(t *testing.T) {
	var spawns atomic.Int32
	m := NewManager(func(*process.Handle) error {
		spawns.Add(1)
		return nil
	}, nil)

	opts := fastOptions()
	opts.ResetPeriod = 30 * time.Millisecond
	h := testHandle("n1")
	require.NoError(t, m.EnableAutoRestart(h, opts))
	defer m.DisableAutoRestart(h)

	feedExit(t, m, h, 1)
	require.Eventually(t, func() bool { return spawns.Load() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, 1, m.GetStats(h).RestartCount)

	require.Eventually(t, func() bool {
		st := m.GetStats(h)
		return st.RestartCount == 0 && st.ConsecutiveFailures == 0
	}, time.Second, time.Millisecond)

	// History and downtime are not forgiven, only the attempt counters.
	st := m.GetStats(h)
	require.Greater(t, st.TotalDowntime, time.Duration(0))
	require.Len(t, m.GetRestartHistory(h), 1)
}

func TestStatsForUnknownHandle(t *testing.T) {
	m := NewManager(func(*process.Handle) error { return nil }, nil)
	h := testHandle("ghost")

	st := m.GetStats(h)
	require.Equal(t, Stats{}, st)
	require.Empty(t, m.GetRestartHistory(h))
	require.Equal(t, StateIdle, m.State(h))
}

func TestBackoffDelaySequence(t *testing.T) {
	opts := Options{
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          60 * time.Second,
	}.normalized()

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for n, w := range want {
		require.Equal(t, w, opts.BackoffDelay(n), "attempt %d", n)
	}
}

func TestOptionsValidate(t *testing.T) {
	custom := Options{Policy: PolicyCustom}
	require.Error(t, custom.Validate())

	custom.ShouldRestart = func(int) bool { return true }
	require.NoError(t, custom.Validate())

	bad := Options{Policy: PolicyAlways, BackoffMultiplier: 0.5}
	require.Error(t, bad.Validate())

	neg := -1
	badMax := Options{Policy: PolicyAlways, MaxAttempts: &neg}
	require.Error(t, badMax.Validate())
}
