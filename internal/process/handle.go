package process

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var nextHandleID atomic.Uint64

// ExitStatus describes one terminated run of the child.
type ExitStatus struct {
	Code int       // -1 when the process was killed by a signal
	Err  error     // nil on exit status 0
	At   time.Time // when the exit was reaped
}

// Handle is the supervisor's in-memory record of one supervised child. Its
// pid, cmd and startedAt are overwritten in place on every respawn so holders
// of the handle always observe the current process without re-subscribing.
// The id is stable across respawns and is what timer maps key on.
type Handle struct {
	id uint64

	mu        sync.Mutex
	cfg       *Config
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	running   bool
	lastExit  *ExitStatus
	waitDone  chan struct{}
	exitFn    func(*Handle, ExitStatus)

	ring      *Ring
	ringOut   *lineWriter
	logPath   string
	logWriter io.WriteCloser

	destroyed bool
}

// NewHandle allocates an unstarted handle for cfg. ringSize bounds the
// in-memory log buffer; zero or negative uses DefaultRingSize. The handle
// carries no process until a Spawner starts a run on it.
func NewHandle(cfg *Config, ringSize int) *Handle {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	ring := NewRing(ringSize)
	return &Handle{
		id:      nextHandleID.Add(1),
		cfg:     cfg,
		ring:    ring,
		ringOut: newLineWriter(ring),
		logPath: cfg.Log.FilePath(cfg.NodeName()),
	}
}

// ID returns the stable handle identity.
func (h *Handle) ID() uint64 { return h.id }

// Config returns the shared spawn configuration. Callers must not mutate it.
func (h *Handle) Config() *Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Running reports whether the current run has not been reaped yet.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// LastExit returns the most recent exit status, or nil before the first exit.
func (h *Handle) LastExit() *ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastExit
}

// Ring exposes the bounded in-memory log buffer.
func (h *Handle) Ring() *Ring { return h.ring }

// LogPath returns the on-disk log file the child appends to. Empty when no
// file logging is configured.
func (h *Handle) LogPath() string { return h.logPath }

// WaitDone returns a channel closed when the current run is reaped. Each
// respawn installs a fresh channel.
func (h *Handle) WaitDone() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitDone
}

// SetExitListener installs the single exit listener invoked after each run
// is reaped. It reports false when a different listener is already attached.
// Passing nil detaches.
func (h *Handle) SetExitListener(fn func(*Handle, ExitStatus)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn != nil && h.exitFn != nil {
		return false
	}
	h.exitFn = fn
	return true
}

// HasExitListener reports whether a listener is currently attached.
func (h *Handle) HasExitListener() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitFn != nil
}

// Signal delivers sig to the current process group. No-op when not running.
func (h *Handle) Signal(sig os.Signal) error {
	h.mu.Lock()
	pid := h.pid
	running := h.running
	h.mu.Unlock()
	if !running || pid <= 0 {
		return nil
	}
	return signalGroup(pid, sig)
}

// Alive probes the current pid at the OS level.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	pid := h.pid
	running := h.running
	h.mu.Unlock()
	return running && pid > 0 && processExists(pid)
}

// Destroy marks the handle dead and releases the log writer. After Destroy
// no further spawns may target this handle.
func (h *Handle) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	w := h.logWriter
	h.logWriter = nil
	h.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

func (h *Handle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// setStarted records a freshly started run. Called by the spawner only.
func (h *Handle) setStarted(cmd *exec.Cmd) {
	h.mu.Lock()
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.running = true
	h.waitDone = make(chan struct{})
	h.mu.Unlock()
}

// finishRun records the exit, closes waitDone and notifies the listener.
// Called by the reaper goroutine exactly once per run.
func (h *Handle) finishRun(st ExitStatus) {
	h.mu.Lock()
	h.running = false
	h.lastExit = &st
	done := h.waitDone
	fn := h.exitFn
	h.mu.Unlock()

	h.ringOut.Flush()
	if done != nil {
		close(done)
	}
	if fn != nil {
		fn(h, st)
	}
}
