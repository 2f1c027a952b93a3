package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the node log file.
const (
	DefaultMaxSizeMB  = 50 // MB
	DefaultMaxBackups = 5  // number of backup files
	DefaultMaxAgeDays = 14 // days
)

// Config describes the on-disk log destination for a supervised node.
// Stdout and stderr of the child are merged into a single append-only file
// so the WebSocket tailer has one source to follow.
// If Path is empty and Dir is set, the file is Dir/<name>.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"` // explicit path overrides Dir
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// FilePath resolves the log file path for a node name. Empty when no
// destination is configured.
func (c Config) FilePath(name string) string {
	if c.Path != "" {
		return c.Path
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, fmt.Sprintf("%s.log", name))
	}
	return ""
}

// Writer returns a rotating io.WriteCloser for the node's log file, or nil
// when no destination is configured.
func (c Config) Writer(name string) (io.WriteCloser, error) {
	path := c.FilePath(name)
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps the node log-level names onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewCLILogger builds the slog logger used by the nodeward process itself.
// Output goes to stderr with colored levels so it does not interleave with
// command results printed on stdout.
func NewCLILogger(level slog.Level) *slog.Logger {
	h := NewColorTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
