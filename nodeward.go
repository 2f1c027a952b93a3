// Package nodeward supervises a single inference node: it spawns the node
// binary, keeps it alive according to a restart policy, records a pidfile for
// daemon management, and exposes a management API with live log streaming.
package nodeward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomium/nodeward/internal/config"
	"github.com/loomium/nodeward/internal/daemon"
	"github.com/loomium/nodeward/internal/history"
	"github.com/loomium/nodeward/internal/history/factory"
	"github.com/loomium/nodeward/internal/logger"
	"github.com/loomium/nodeward/internal/metrics"
	"github.com/loomium/nodeward/internal/monitor"
	"github.com/loomium/nodeward/internal/pidfile"
	"github.com/loomium/nodeward/internal/process"
	"github.com/loomium/nodeward/internal/restart"
	"github.com/loomium/nodeward/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type NodeConfig = process.Config

type RestartOptions = restart.Options

type RestartStats = restart.Stats

type RestartEvent = restart.Event

type NodeStatus = server.NodeStatus

type HistorySink = history.Sink

type FileConfig = config.FileConfig

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*config.FileConfig, error) { return config.Load(path) }

// NewCLILogger builds the stderr logger used by the command line tools.
func NewCLILogger(level slog.Level) *slog.Logger { return logger.NewCLILogger(level) }

// ParseLogLevel maps "error|warn|info|debug" to a slog level.
func ParseLogLevel(s string) (slog.Level, error) { return logger.ParseLevel(s) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.RegisterDefault() }

// Supervisor ties the pieces together for one node. All lifecycle methods
// are safe for concurrent use; the management API calls them from handler
// goroutines.
type Supervisor struct {
	cfg    *config.FileConfig
	logger *slog.Logger

	spawner  *process.Spawner
	stopper  *daemon.Stopper
	restarts *restart.Manager
	pid      *pidfile.Manager
	sinks    []history.Sink

	mu     sync.Mutex
	handle *process.Handle
	mon    *monitor.Monitor

	srv    *server.Server
	stream *server.LogStream
}

// New wires a supervisor from a validated config. It opens history sinks but
// touches no processes; call Run or StartNode for that.
func New(fc *config.FileConfig, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		cfg:     fc,
		logger:  log,
		spawner: &process.Spawner{Logger: log},
		stopper: &daemon.Stopper{Logger: log},
	}
	if fc.PIDFile != "" {
		s.pid = pidfile.New(fc.PIDFile)
	}
	if fc.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		s.sinks = append(s.sinks, sink)
	}

	s.restarts = restart.NewManager(s.spawner.Respawn, log)
	s.restarts.SetSinks(s.sinks...)
	return s, nil
}

// Run starts the node and the management server, then blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives. Shutdown is ordered: WebSocket
// subscribers first, then the HTTP server, then the node itself.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.pid != nil {
		if removed, err := s.pid.CleanupStale(); err != nil {
			return fmt.Errorf("pidfile: %w", err)
		} else if removed {
			s.logger.Warn("removed stale pidfile", "path", s.pid.Path())
		}
		if rec, alive := s.pid.Alive(); alive {
			return fmt.Errorf("another supervisor is already running (pid %d)", rec.PID)
		}
	}

	if err := s.StartNode(ctx); err != nil {
		return err
	}
	if s.pid != nil {
		if err := s.pid.Save(os.Getpid(), s.cfg.Node.PublicURL); err != nil {
			s.stopNodeOnly(ctx, true)
			return fmt.Errorf("pidfile: %w", err)
		}
	}

	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	s.stream = server.NewLogStream(h, s.cfg.Server.APIKey, s.cfg.Server.CORSOrigins, s.logger)
	s.srv = server.New(s.cfg.Server, s, s.stream, s.logger)
	if err := s.srv.Start(); err != nil {
		s.stopNodeOnly(ctx, true)
		s.removePID()
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested")
	case err, ok := <-s.srv.Err():
		if ok && err != nil {
			s.logger.Error("management server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.srv.Stop(shutdownCtx); err != nil {
		s.logger.Warn("management server shutdown", "error", err)
	}
	if err := s.StopNode(shutdownCtx, false); err != nil {
		s.logger.Warn("node shutdown", "error", err)
	}
	s.removePID()
	s.closeSinks()
	s.logger.Info("supervisor exited")
	return nil
}

// StartNode spawns the node, or respawns it after a manual stop. A node that
// is already running makes this a warn-level no-op so repeated start calls
// are harmless.
func (s *Supervisor) StartNode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && s.handle.Running() {
		s.logger.Warn("node already running, ignoring start", "pid", s.handle.PID())
		return nil
	}

	if s.handle == nil {
		h, err := s.spawner.Spawn(&s.cfg.Node)
		if err != nil {
			return err
		}
		s.handle = h
	} else {
		if err := s.spawner.Respawn(s.handle); err != nil {
			return err
		}
	}
	metrics.IncSpawn(s.cfg.Node.NodeName())

	if err := s.restarts.EnableAutoRestart(s.handle, s.cfg.Restart); err != nil {
		return err
	}
	s.startMonitorLocked()
	s.logger.Info("node started", "name", s.cfg.Node.NodeName(),
		"pid", s.handle.PID(), "port", s.cfg.Node.Port, "models", s.cfg.Node.Models)
	return nil
}

// StopNode stops the node without killing the supervisor. Auto-restart is
// disabled first so the exit is not mistaken for a crash.
func (s *Supervisor) StopNode(ctx context.Context, force bool) error {
	return s.stopNodeOnly(ctx, force)
}

func (s *Supervisor) stopNodeOnly(ctx context.Context, force bool) error {
	s.mu.Lock()
	h := s.handle
	mon := s.mon
	s.mon = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	s.restarts.DisableAutoRestart(h)
	if mon != nil {
		mon.Stop()
	}
	opts := daemon.StopOptions{Timeout: s.cfg.Restart.GracefulTimeout, Force: force}
	return s.stopper.Stop(ctx, h, opts)
}

// Status reports the node and its restart accounting. It never needs the
// node to be alive.
func (s *Supervisor) Status(ctx context.Context) (server.NodeStatus, error) {
	s.mu.Lock()
	h := s.handle
	mon := s.mon
	s.mu.Unlock()

	st := server.NodeStatus{
		Name:      s.cfg.Node.NodeName(),
		PublicURL: s.cfg.Node.PublicURL,
		Models:    s.cfg.Node.Models,
		State:     string(restart.StateIdle),
	}
	if h == nil {
		return st, nil
	}

	st.Running = h.Running()
	if st.Running {
		st.PID = h.PID()
		started := h.StartedAt()
		st.StartedAt = &started
	}
	if mon != nil {
		st.Healthy = mon.Healthy()
	}
	if ex := h.LastExit(); ex != nil {
		code := ex.Code
		st.LastExitCode = &code
	}

	rs := s.restarts.GetStats(h)
	st.State = string(s.restarts.State(h))
	st.RestartCount = rs.RestartCount
	st.TotalDowntimeMS = rs.TotalDowntime.Milliseconds()
	if !rs.LastRestartTime.IsZero() {
		last := rs.LastRestartTime
		st.LastRestartTime = &last
	}
	if st.Running && st.State == string(restart.StateIdle) {
		st.State = string(restart.StateRunning)
	}
	return st, nil
}

// RestartHistory exposes the crash log for the managed node.
func (s *Supervisor) RestartHistory() []restart.HistoryEntry {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.restarts.GetRestartHistory(h)
}

// Handle returns the node's process handle, nil before the first start.
func (s *Supervisor) Handle() *process.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// startMonitorLocked runs the health monitor on a background context; it
// must outlive whatever request triggered the start and is stopped
// explicitly on node stop.
func (s *Supervisor) startMonitorLocked() {
	if s.mon != nil {
		s.mon.Stop()
	}
	check := monitor.Liveness()
	if s.cfg.Monitor.HealthURL != "" {
		check = monitor.HTTPEndpoint(s.cfg.Monitor.HealthURL, nil)
	}
	s.mon = monitor.New(s.handle, check, s.cfg.Monitor.Interval, s.logger)
	s.mon.Subscribe(func(ev monitor.Event) {
		if ev.Healthy {
			s.logger.Info("node health restored", "name", s.cfg.Node.NodeName())
		} else {
			s.logger.Warn("node unhealthy", "name", s.cfg.Node.NodeName(), "error", ev.Err)
		}
	})
	s.mon.Start(context.Background())
}

func (s *Supervisor) removePID() {
	if s.pid == nil {
		return
	}
	if err := s.pid.Remove(); err != nil {
		s.logger.Warn("pidfile removal failed", "path", s.pid.Path(), "error", err)
	}
}

func (s *Supervisor) closeSinks() {
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
