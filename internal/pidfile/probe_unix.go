//go:build !windows

package pidfile

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// processAlive probes pid liveness with signal 0. EPERM still means the
// process exists (owned by another user). On Linux a zombie is treated as
// not alive because it can never serve requests again.
func processAlive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// isZombieLinux returns true if /proc/<pid>/status reports state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
