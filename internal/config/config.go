// Package config loads the supervisor's TOML configuration file.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"github.com/loomium/nodeward/internal/logger"
	"github.com/loomium/nodeward/internal/process"
	"github.com/loomium/nodeward/internal/restart"
	"github.com/loomium/nodeward/internal/server"
)

const (
	DefaultServerPort      = 9090
	DefaultMonitorInterval = 5 * time.Second
)

// MonitorConfig tunes health observation of the running node.
type MonitorConfig struct {
	// Interval between probes. Zero uses DefaultMonitorInterval.
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
	// HealthURL switches the probe from pid liveness to an HTTP GET that
	// must answer 2xx.
	HealthURL string `toml:"health_url" mapstructure:"health_url"`
}

// HistoryConfig names where restart events are exported.
type HistoryConfig struct {
	// DSN selects the sink: sqlite://, postgres://, clickhouse://,
	// opensearch://. Empty disables export.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// FileConfig is the top-level TOML structure.
type FileConfig struct {
	// PIDFile is where the supervisor records its own daemon pid.
	PIDFile string `toml:"pid_file" mapstructure:"pid_file"`
	// Level controls the supervisor's own log verbosity.
	Level string `toml:"log_level" mapstructure:"log_level"`

	Node    process.Config  `toml:"node" mapstructure:"node"`
	Restart restart.Options `toml:"restart" mapstructure:"restart"`
	Monitor MonitorConfig   `toml:"monitor" mapstructure:"monitor"`
	Server  server.Config   `toml:"server" mapstructure:"server"`
	History HistoryConfig   `toml:"history" mapstructure:"history"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &fc, nil
}

func (fc *FileConfig) applyDefaults() {
	if fc.Server.Port == 0 {
		fc.Server.Port = DefaultServerPort
	}
	if fc.Monitor.Interval == 0 {
		fc.Monitor.Interval = DefaultMonitorInterval
	}
}

// Validate cross-checks the sections; each section also validates itself.
func (fc *FileConfig) Validate() error {
	if err := fc.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := fc.Restart.Validate(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	if fc.Level != "" {
		if _, err := logger.ParseLevel(fc.Level); err != nil {
			return err
		}
	}
	if fc.Monitor.Interval < 0 {
		return fmt.Errorf("monitor: interval must be positive")
	}
	if fc.Monitor.HealthURL != "" {
		u, err := url.Parse(fc.Monitor.HealthURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("monitor: health_url must be an absolute URL: %q", fc.Monitor.HealthURL)
		}
	}
	if fc.Server.Port < 1 || fc.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range 1-65535", fc.Server.Port)
	}
	if fc.Server.Port == fc.Node.Port {
		return fmt.Errorf("server: port %d collides with the node port", fc.Server.Port)
	}
	if (fc.Server.CertFile == "") != (fc.Server.KeyFile == "") {
		return fmt.Errorf("server: cert_file and key_file must be set together")
	}
	return nil
}
