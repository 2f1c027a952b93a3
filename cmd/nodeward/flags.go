package main

import "time"

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// APIFlags identifies a (possibly remote) supervisor to talk to.
type APIFlags struct {
	APIUrl     string
	APIKey     string
	APITimeout time.Duration
}

// RunFlags controls the run subcommand.
type RunFlags struct {
	Daemonize bool
	LogFile   string
}

// StopFlags controls the stop subcommand.
type StopFlags struct {
	APIFlags
	Force  bool
	Daemon bool
}

// LogsFlags controls the logs subcommand.
type LogsFlags struct {
	APIFlags
	Backfill int
}
