package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// SpawnError reasons.
const (
	ReasonBinaryNotFound = "binary_not_found"
	ReasonEarlyExit      = "early_exit"
	ReasonStartFailed    = "start_failed"
)

// SpawnError is returned when a child could not be brought up: the
// executable is missing, the OS refused the start, or the process died
// inside the post-spawn verification window (the "port already in use"
// family of failures).
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed (%s): %v", e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

const (
	DefaultVerifyWindow = 2 * time.Second
	DefaultRingSize     = 2048
)

// Spawner constructs running child instances. It makes no restart decisions;
// it builds exactly one verified run per call.
type Spawner struct {
	// VerifyWindow is how long a fresh child must stay up before the spawn
	// is considered successful. Zero uses DefaultVerifyWindow.
	VerifyWindow time.Duration
	// RingSize bounds the in-memory log buffer. Zero uses DefaultRingSize.
	RingSize int
	Logger   *slog.Logger
}

func (s *Spawner) verifyWindow() time.Duration {
	if s.VerifyWindow > 0 {
		return s.VerifyWindow
	}
	return DefaultVerifyWindow
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Spawn validates cfg, opens the log destination, starts the child and
// verifies it survives the verification window. The returned handle owns one
// running process.
func (s *Spawner) Spawn(cfg *Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := NewHandle(cfg, s.RingSize)
	if h.logPath != "" {
		w, err := cfg.Log.Writer(cfg.NodeName())
		if err != nil {
			return nil, fmt.Errorf("open log destination: %w", err)
		}
		h.logWriter = w
	}

	if err := s.startRun(h); err != nil {
		h.Destroy()
		return nil, err
	}
	return h, nil
}

// Respawn rebuilds the child from the handle's original config, overwriting
// pid, process and start time in place. Log buffer and writer are reused so
// subscribers keep their view across restarts.
func (s *Spawner) Respawn(h *Handle) error {
	if h.isDestroyed() {
		return errors.New("handle destroyed")
	}
	if h.Running() {
		return errors.New("process still running")
	}
	return s.startRun(h)
}

func (s *Spawner) startRun(h *Handle) error {
	cfg := h.Config()
	cmd, err := cfg.buildCmd()
	if err != nil {
		return err
	}
	s.attachOutputs(h, cmd)

	if err := cmd.Start(); err != nil {
		return &SpawnError{Reason: ReasonStartFailed, Err: err}
	}
	h.setStarted(cmd)
	s.logger().Debug("child started", "name", cfg.NodeName(), "pid", cmd.Process.Pid)

	go s.reap(h, cmd)

	// Liveness verification: the child must outlive the grace interval, so
	// immediate failures surface to the caller instead of the restart path.
	window := s.verifyWindow()
	select {
	case <-h.WaitDone():
		st := h.LastExit()
		err := fmt.Errorf("process exited within %s of start", window)
		if st != nil && st.Err != nil {
			err = fmt.Errorf("process exited within %s of start: %w", window, st.Err)
		}
		return &SpawnError{Reason: ReasonEarlyExit, Err: err}
	case <-time.After(window):
		return nil
	}
}

func (s *Spawner) attachOutputs(h *Handle, cmd *exec.Cmd) {
	var sinks []io.Writer
	sinks = append(sinks, h.ringOut)
	h.mu.Lock()
	if h.logWriter != nil {
		sinks = append(sinks, h.logWriter)
	}
	h.mu.Unlock()
	out := io.MultiWriter(sinks...)
	cmd.Stdout = out
	cmd.Stderr = out
}

// reap waits for the run to finish and publishes its exit status.
func (s *Spawner) reap(h *Handle, cmd *exec.Cmd) {
	err := cmd.Wait()
	st := ExitStatus{Code: 0, At: time.Now()}
	if err != nil {
		st.Err = err
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			st.Code = ee.ExitCode()
		} else {
			st.Code = -1
		}
	}
	s.logger().Debug("child exited", "name", h.Config().NodeName(), "pid", h.PID(), "code", st.Code)
	h.finishRun(st)
}
