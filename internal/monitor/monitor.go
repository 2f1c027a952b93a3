package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loomium/nodeward/internal/process"
)

// Check probes one aspect of a running child. A nil return means healthy.
type Check func(ctx context.Context, h *process.Handle) error

// Event is a health transition. Only transitions are emitted; a node that
// stays healthy produces no events.
type Event struct {
	Healthy bool
	At      time.Time
	Err     error // the failing check's error on an unhealthy transition
}

const DefaultInterval = 5 * time.Second

// Monitor runs an interval-based health probe over a handle and emits
// healthy/unhealthy transitions. It never triggers restarts itself: process
// exit, not probe failure, is the authoritative recovery trigger.
type Monitor struct {
	handle   *process.Handle
	check    Check
	interval time.Duration

	mu      sync.Mutex
	subs    []func(Event)
	healthy bool
	seeded  bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger *slog.Logger
}

func New(h *process.Handle, check Check, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if check == nil {
		check = Liveness()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{handle: h, check: check, interval: interval, logger: logger}
}

// Subscribe registers a transition callback. Callbacks run on the monitor
// goroutine and must not block.
func (m *Monitor) Subscribe(fn func(Event)) {
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Start launches the probe loop. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(cctx)
}

// Stop halts the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Healthy returns the last observed state.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, m.interval)
	err := m.check(cctx, m.handle)
	cancel()
	healthy := err == nil

	m.mu.Lock()
	changed := !m.seeded || healthy != m.healthy
	m.seeded = true
	m.healthy = healthy
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()

	if !changed {
		return
	}
	ev := Event{Healthy: healthy, At: time.Now(), Err: err}
	if healthy {
		m.logger.Info("node healthy", "pid", m.handle.PID())
	} else {
		m.logger.Warn("node unhealthy", "pid", m.handle.PID(), "error", err)
	}
	for _, fn := range subs {
		fn(ev)
	}
}

// Liveness returns a check that passes while the handle's current pid is
// alive at the OS level.
func Liveness() Check {
	return func(_ context.Context, h *process.Handle) error {
		if !h.Alive() {
			return errors.New("process not alive")
		}
		return nil
	}
}

// HTTPEndpoint returns a check that pings url and requires a 2xx response.
func HTTPEndpoint(url string, client *http.Client) Check {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return func(ctx context.Context, _ *process.Handle) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}
