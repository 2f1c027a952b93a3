package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomium/nodeward/internal/process"
)

func testHandle() *process.Handle {
	return process.NewHandle(&process.Config{Name: "montest", Binary: "fakenode"}, 8)
}

// flakyCheck is healthy or not depending on the flag.
type flakyCheck struct{ ok atomic.Bool }

func (f *flakyCheck) check(context.Context, *process.Handle) error {
	if f.ok.Load() {
		return nil
	}
	return errors.New("probe failed")
}

type transitionLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *transitionLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func TestEmitsOnlyTransitions(t *testing.T) {
	fc := &flakyCheck{}
	fc.ok.Store(true)
	m := New(testHandle(), fc.check, 10*time.Millisecond, nil)
	log := &transitionLog{}
	m.Subscribe(log.record)

	m.Start(context.Background())
	defer m.Stop()

	// First probe seeds "healthy"; steady state adds nothing.
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Len(t, log.snapshot(), 1)
	require.True(t, m.Healthy())

	fc.ok.Store(false)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := log.snapshot()
	require.False(t, events[1].Healthy)
	require.Error(t, events[1].Err)
	require.False(t, m.Healthy())

	fc.ok.Store(true)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, log.snapshot()[2].Healthy)
	require.True(t, m.Healthy())
}

func TestStartIsIdempotentAndStopWaits(t *testing.T) {
	var probes atomic.Int32
	check := func(context.Context, *process.Handle) error {
		probes.Add(1)
		return nil
	}
	m := New(testHandle(), check, 10*time.Millisecond, nil)

	m.Start(context.Background())
	m.Start(context.Background())
	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	settled := probes.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, settled, probes.Load(), "no probes after Stop returns")

	// Stop again is harmless.
	m.Stop()
}

func TestLivenessCheck(t *testing.T) {
	h := testHandle()
	check := Liveness()
	require.Error(t, check(context.Background(), h), "unstarted handle is not alive")
}

func TestHTTPEndpointCheck(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	check := HTTPEndpoint(ts.URL, nil)
	require.NoError(t, check(context.Background(), nil))

	healthy.Store(false)
	require.Error(t, check(context.Background(), nil))

	dead := HTTPEndpoint("http://127.0.0.1:1/healthz", &http.Client{Timeout: 200 * time.Millisecond})
	require.Error(t, dead(context.Background(), nil))
}
