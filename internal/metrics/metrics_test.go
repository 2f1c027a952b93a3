package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// Second call is a no-op.
	require.NoError(t, Register(reg))

	IncSpawn("llama")
	IncSpawn("llama")
	IncRestart("llama")
	IncRestartFailure("llama")
	IncExhausted("llama")
	IncStop("llama")
	ObserveBackoff("llama", 2.0)
	SetCurrentState("llama", "running", true)
	SetCurrentState("llama", "backoff", false)
	WSSubscriberConnected()
	WSSubscriberConnected()
	WSSubscriberDisconnected()

	require.Equal(t, 2.0, testutil.ToFloat64(nodeSpawns.WithLabelValues("llama")))
	require.Equal(t, 1.0, testutil.ToFloat64(nodeRestarts.WithLabelValues("llama")))
	require.Equal(t, 1.0, testutil.ToFloat64(nodeRestartFailures.WithLabelValues("llama")))
	require.Equal(t, 1.0, testutil.ToFloat64(nodeExhausted.WithLabelValues("llama")))
	require.Equal(t, 1.0, testutil.ToFloat64(nodeStops.WithLabelValues("llama")))
	require.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("llama", "running")))
	require.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("llama", "backoff")))
	require.Equal(t, 1.0, testutil.ToFloat64(wsSubscribers))
}
