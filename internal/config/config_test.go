package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomium/nodeward/internal/restart"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nodeward.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const fullConfig = `
pid_file = "/var/run/nodeward.pid"
log_level = "debug"

[node]
name = "llama"
binary = "llamanode"
port = 8080
bind_host = "0.0.0.0"
public_url = "https://node.example.com"
models = ["llama-3-8b", "llama-3-70b"]
log_level = "info"

[node.env]
CUDA_VISIBLE_DEVICES = "0"

[node.log]
dir = "/var/log/nodeward"
max_size_mb = 10

[restart]
policy = "on-failure"
max_attempts = 5
initial_delay = "2s"
backoff_multiplier = 2.0
max_delay = "30s"
reset_period = "10m"
graceful_timeout = "15s"

[monitor]
interval = "3s"
health_url = "http://127.0.0.1:8080/healthz"

[server]
port = 9090
api_key = "sekret"
cors_origins = ["https://ui.example.com"]

[history]
dsn = "sqlite:///tmp/history.db"
`

func TestLoadFullConfig(t *testing.T) {
	fc, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	require.Equal(t, "/var/run/nodeward.pid", fc.PIDFile)
	require.Equal(t, "debug", fc.Level)

	require.Equal(t, "llama", fc.Node.Name)
	require.Equal(t, "llamanode", fc.Node.Binary)
	require.Equal(t, 8080, fc.Node.Port)
	require.Equal(t, []string{"llama-3-8b", "llama-3-70b"}, fc.Node.Models)
	require.Equal(t, "0", fc.Node.Env["CUDA_VISIBLE_DEVICES"])
	require.Equal(t, "/var/log/nodeward", fc.Node.Log.Dir)
	require.Equal(t, 10, fc.Node.Log.MaxSizeMB)

	require.Equal(t, restart.PolicyOnFailure, fc.Restart.Policy)
	require.NotNil(t, fc.Restart.MaxAttempts)
	require.Equal(t, 5, *fc.Restart.MaxAttempts)
	require.Equal(t, 2*time.Second, fc.Restart.InitialDelay)
	require.Equal(t, 30*time.Second, fc.Restart.MaxDelay)
	require.Equal(t, 10*time.Minute, fc.Restart.ResetPeriod)

	require.Equal(t, 3*time.Second, fc.Monitor.Interval)
	require.Equal(t, "http://127.0.0.1:8080/healthz", fc.Monitor.HealthURL)

	require.Equal(t, 9090, fc.Server.Port)
	require.Equal(t, "sekret", fc.Server.APIKey)
	require.Equal(t, []string{"https://ui.example.com"}, fc.Server.CORSOrigins)

	require.Equal(t, "sqlite:///tmp/history.db", fc.History.DSN)
}

const minimalConfig = `
[node]
binary = "llamanode"
port = 8080
models = ["m"]
`

func TestLoadAppliesDefaults(t *testing.T) {
	fc, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, DefaultServerPort, fc.Server.Port)
	require.Equal(t, DefaultMonitorInterval, fc.Monitor.Interval)
	require.Nil(t, fc.Restart.MaxAttempts)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"missing binary": `
[node]
port = 8080
models = ["m"]
`,
		"port collision": `
[node]
binary = "b"
port = 9090
models = ["m"]
[server]
port = 9090
`,
		"custom policy without predicate": `
[node]
binary = "b"
port = 8080
models = ["m"]
[restart]
policy = "custom"
`,
		"relative health url": `
[node]
binary = "b"
port = 8080
models = ["m"]
[monitor]
health_url = "/healthz"
`,
		"cert without key": `
[node]
binary = "b"
port = 8080
models = ["m"]
[server]
cert_file = "/etc/tls/cert.pem"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
