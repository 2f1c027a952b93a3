package process

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/loomium/nodeward/internal/logger"
)

// Config holds the immutable spawn parameters for one inference node.
// A restart rebuilds the child from the same Config value; it is never
// mutated after Spawn.
type Config struct {
	Name      string            `json:"name" mapstructure:"name"`
	Binary    string            `json:"binary" mapstructure:"binary"`
	Port      int               `json:"port" mapstructure:"port"`
	BindHost  string            `json:"bind_host" mapstructure:"bind_host"`
	PublicURL string            `json:"public_url" mapstructure:"public_url"`
	Models    []string          `json:"models" mapstructure:"models"`
	LogLevel  string            `json:"log_level" mapstructure:"log_level"`
	Env       map[string]string `json:"env" mapstructure:"env"`
	WorkDir   string            `json:"work_dir" mapstructure:"work_dir"`
	Log       logger.Config     `json:"log" mapstructure:"log"`
}

// Validate checks the spawn parameters before any OS resources are touched.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Binary) == "" {
		return fmt.Errorf("binary is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model is required")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("public_url must be an absolute URL: %q", c.PublicURL)
		}
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// NodeName returns the name used for log files and metrics labels.
func (c *Config) NodeName() string {
	if c.Name != "" {
		return c.Name
	}
	return "node"
}

// buildCmd constructs the exec.Cmd for this config. The node contract is
// flags for the network/model parameters plus the merged environment; the
// child never renegotiates these at runtime.
func (c *Config) buildCmd() (*exec.Cmd, error) {
	path, err := exec.LookPath(c.Binary)
	if err != nil {
		return nil, &SpawnError{Reason: ReasonBinaryNotFound, Err: err}
	}
	host := c.BindHost
	if host == "" {
		host = "0.0.0.0"
	}
	args := []string{
		"--port", strconv.Itoa(c.Port),
		"--host", host,
	}
	if c.PublicURL != "" {
		args = append(args, "--public-url", c.PublicURL)
	}
	for _, m := range c.Models {
		args = append(args, "--model", m)
	}
	if c.LogLevel != "" {
		args = append(args, "--log-level", c.LogLevel)
	}
	// #nosec G204 -- binary and args come from the operator's own config
	cmd := exec.Command(path, args...)
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}
	cmd.Env = c.mergedEnv()
	configureSysProcAttr(cmd)
	return cmd, nil
}

// mergedEnv overlays the config's environment overrides on the OS
// environment, deterministically ordered for reproducible spawns.
func (c *Config) mergedEnv() []string {
	env := os.Environ()
	if len(c.Env) == 0 {
		return env
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}
