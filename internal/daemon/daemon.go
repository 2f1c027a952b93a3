// Package daemon implements graceful-then-forced shutdown of supervised
// children and of detached daemons known only by pid.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/loomium/nodeward/internal/metrics"
	"github.com/loomium/nodeward/internal/process"
)

const (
	// DefaultTimeout is how long a child gets to exit after SIGTERM before
	// escalation to SIGKILL.
	DefaultTimeout = 10 * time.Second

	// killConfirm bounds the post-SIGKILL wait. SIGKILL cannot be ignored,
	// so anything slower than this is an unreapable (D-state) process and
	// blocking on it forever would wedge the whole shutdown path.
	killConfirm = 5 * time.Second

	pollInterval = 100 * time.Millisecond
)

// StopOptions controls the shutdown sequence.
type StopOptions struct {
	// Timeout is the grace period between SIGTERM and SIGKILL. Zero uses
	// DefaultTimeout.
	Timeout time.Duration
	// Force skips the graceful phase and kills immediately.
	Force bool
}

func (o StopOptions) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// Stopper shuts down children. It holds no per-process state; callers pass
// the handle or pid each time.
type Stopper struct {
	Logger *slog.Logger
}

func (s *Stopper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Stop terminates the handle's current run: SIGTERM to the process group,
// wait up to the grace period, then SIGKILL. It returns once the run is
// reaped or the post-kill confirmation window expires, so it never hangs.
// Callers must disable auto-restart first or the exit is treated as a crash.
func (s *Stopper) Stop(ctx context.Context, h *process.Handle, opts StopOptions) error {
	if !h.Running() {
		return nil
	}
	node := h.Config().NodeName()
	pid := h.PID()

	if !opts.Force {
		if err := h.Signal(syscall.SIGTERM); err != nil {
			s.logger().Debug("SIGTERM delivery failed, process likely gone", "node", node, "pid", pid, "error", err)
		}
		timer := time.NewTimer(opts.timeout())
		select {
		case <-h.WaitDone():
			timer.Stop()
			metrics.IncStop(node)
			s.logger().Info("node stopped gracefully", "node", node, "pid", pid)
			return nil
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		s.logger().Warn("node ignored SIGTERM, escalating to SIGKILL", "node", node, "pid", pid)
	}

	if err := h.Signal(syscall.SIGKILL); err != nil {
		s.logger().Debug("SIGKILL delivery failed, process likely gone", "node", node, "pid", pid, "error", err)
	}
	timer := time.NewTimer(killConfirm)
	defer timer.Stop()
	select {
	case <-h.WaitDone():
		metrics.IncStop(node)
		s.logger().Info("node killed", "node", node, "pid", pid)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

// StopPID terminates a process known only by pid, typically a daemon found
// via its pidfile with no live handle in this supervisor. Liveness is polled
// since there is no wait channel to select on.
func (s *Stopper) StopPID(ctx context.Context, pid int, opts StopOptions) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !process.PIDExists(pid) {
		return nil
	}

	if !opts.Force {
		if err := process.SignalPID(pid, syscall.SIGTERM); err != nil {
			s.logger().Debug("SIGTERM delivery failed", "pid", pid, "error", err)
		}
		gone, err := s.pollGone(ctx, pid, opts.timeout())
		if err != nil {
			return err
		}
		if gone {
			s.logger().Info("daemon stopped gracefully", "pid", pid)
			return nil
		}
		s.logger().Warn("daemon ignored SIGTERM, escalating to SIGKILL", "pid", pid)
	}

	if err := process.SignalPID(pid, syscall.SIGKILL); err != nil {
		s.logger().Debug("SIGKILL delivery failed", "pid", pid, "error", err)
	}
	gone, err := s.pollGone(ctx, pid, killConfirm)
	if err != nil {
		return err
	}
	if !gone {
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
	s.logger().Info("daemon killed", "pid", pid)
	return nil
}

func (s *Stopper) pollGone(ctx context.Context, pid int, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if !process.PIDExists(pid) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
