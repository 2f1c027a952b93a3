package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	nodeSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "spawns_total",
			Help:      "Number of successful node spawns (initial and respawn).",
		}, []string{"node"},
	)
	nodeRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "restarts_total",
			Help:      "Number of policy-driven restarts.",
		}, []string{"node"},
	)
	nodeRestartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "restart_failures_total",
			Help:      "Number of respawn attempts that themselves failed.",
		}, []string{"node"},
	)
	nodeExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "restarts_exhausted_total",
			Help:      "Times the restart attempt ceiling was reached.",
		}, []string{"node"},
	)
	nodeStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or forced).",
		}, []string{"node"},
	)
	backoffDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "backoff_delay_seconds",
			Help:      "Computed backoff delay before each respawn.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"node"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodeward",
			Subsystem: "node",
			Name:      "current_state",
			Help:      "Current restart state machine state (1 = active, 0 = inactive).",
		}, []string{"node", "state"},
	)
	wsSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nodeward",
			Subsystem: "logs",
			Name:      "ws_subscribers",
			Help:      "Currently connected WebSocket log subscribers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// Safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		nodeSpawns, nodeRestarts, nodeRestartFailures, nodeExhausted,
		nodeStops, backoffDelay, currentStates, wsSubscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers against the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves Prometheus metrics for the DefaultGatherer. The caller
// mounts it on the management listener.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncSpawn(node string) {
	if regOK.Load() {
		nodeSpawns.WithLabelValues(node).Inc()
	}
}

func IncRestart(node string) {
	if regOK.Load() {
		nodeRestarts.WithLabelValues(node).Inc()
	}
}

func IncRestartFailure(node string) {
	if regOK.Load() {
		nodeRestartFailures.WithLabelValues(node).Inc()
	}
}

func IncExhausted(node string) {
	if regOK.Load() {
		nodeExhausted.WithLabelValues(node).Inc()
	}
}

func IncStop(node string) {
	if regOK.Load() {
		nodeStops.WithLabelValues(node).Inc()
	}
}

func ObserveBackoff(node string, seconds float64) {
	if regOK.Load() {
		backoffDelay.WithLabelValues(node).Observe(seconds)
	}
}

func SetCurrentState(node, state string, active bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	currentStates.WithLabelValues(node, state).Set(v)
}

func WSSubscriberConnected() {
	if regOK.Load() {
		wsSubscribers.Inc()
	}
}

func WSSubscriberDisconnected() {
	if regOK.Load() {
		wsSubscribers.Dec()
	}
}
