//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs detaches the child on Windows: its own process group
// and no console window.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000, // CREATE_NO_WINDOW
	}
}
