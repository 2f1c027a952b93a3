//go:build !windows

package process

import (
	"os"
	"syscall"
)

// signalGroup delivers sig to the child's process group so shell wrappers
// and their descendants receive it together.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	return syscall.Kill(-pid, s)
}

// processExists probes a pid with signal 0.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
