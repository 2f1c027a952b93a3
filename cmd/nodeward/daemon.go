package main

import (
	"fmt"
	"os"
	"os/exec"
)

// daemonize re-executes the current command line in a new session with
// --daemonize stripped, then exits the foreground process. The child writes
// the real pidfile itself once it is up.
func daemonize(logFile string) error {
	if os.Getppid() == 1 {
		// Already detached.
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	var newArgs []string
	skipNext := false
	for _, arg := range os.Args[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		switch arg {
		case "--daemonize":
			continue
		case "--logfile":
			skipNext = true
			continue
		}
		newArgs = append(newArgs, arg)
	}

	// #nosec G204 -- re-executing our own binary with our own args
	cmd := exec.Command(executable, newArgs...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil

	if logFile != "" {
		// #nosec G304 -- operator-provided log destination
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	fmt.Printf("daemon started with PID %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}
