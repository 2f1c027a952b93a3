package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Record is the on-disk singleton marker for a running node. It must
// round-trip pid and public URL exactly across CLI invocations.
type Record struct {
	PID       int       `json:"pid"`
	PublicURL string    `json:"public_url"`
	SavedAt   time.Time `json:"saved_at"`
}

// Manager owns the per-installation PID file. There is no OS-level file
// locking; callers follow the check-then-act pattern and re-verify liveness
// before trusting a stored pid.
type Manager struct {
	path string
}

func New(path string) *Manager { return &Manager{path: path} }

// Path returns the PID file location.
func (m *Manager) Path() string { return m.path }

// Save persists the pid together with the node's public URL.
func (m *Manager) Save(pid int, publicURL string) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	rec := Record{PID: pid, PublicURL: publicURL, SavedAt: time.Now().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(m.path, append(b, '\n'), 0o600)
}

// Info reads the stored record. A missing file returns (nil, nil): absence
// means "not running". A malformed file is reported as an error so the
// caller can decide whether to clear it.
func (m *Manager) Info() (*Record, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("corrupt pid file %s: %w", m.path, err)
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("corrupt pid file %s: pid %d", m.path, rec.PID)
	}
	return &rec, nil
}

// IsProcessRunning probes the pid with a zero signal. A true result means
// "a process with this pid exists right now"; pid reuse over long idle
// periods is not ruled out, so callers corroborate with the stored record
// when precision matters.
func (m *Manager) IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}

// Alive reports whether the stored record refers to a live process.
// A missing or unreadable file is "not running".
func (m *Manager) Alive() (*Record, bool) {
	rec, err := m.Info()
	if err != nil || rec == nil {
		return nil, false
	}
	if !m.IsProcessRunning(rec.PID) {
		return rec, false
	}
	return rec, true
}

// CleanupStale removes the file iff the stored pid is no longer running.
// It reports whether a stale file was removed. A live pid is a no-op.
func (m *Manager) CleanupStale() (bool, error) {
	rec, err := m.Info()
	if err != nil {
		// Corrupt files are stale by definition.
		if rmErr := m.Remove(); rmErr != nil {
			return false, rmErr
		}
		return true, nil
	}
	if rec == nil {
		return false, nil
	}
	if m.IsProcessRunning(rec.PID) {
		return false, nil
	}
	if err := m.Remove(); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the PID file. Missing file is not an error.
func (m *Manager) Remove() error {
	err := os.Remove(m.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
