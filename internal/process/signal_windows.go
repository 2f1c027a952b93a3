//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup approximates Unix group signaling on Windows: any signal
// terminates the process via the kernel handle.
func signalGroup(pid int, _ os.Signal) error {
	h, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// Process is already gone.
		return nil
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	return syscall.TerminateProcess(h, 1)
}

// processExists checks whether a process handle can be opened for the pid.
func processExists(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
