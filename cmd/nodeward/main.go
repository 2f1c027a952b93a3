package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomium/nodeward"
	"github.com/loomium/nodeward/internal/config"
	"github.com/loomium/nodeward/internal/daemon"
	"github.com/loomium/nodeward/internal/pidfile"
)

const defaultConfigPath = "nodeward.toml"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	startFlags := &APIFlags{}
	stopFlags := &StopFlags{}
	statusFlags := &APIFlags{}
	logsFlags := &LogsFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, runFlags),
		createStartCommand(globalFlags, startFlags),
		createStopCommand(globalFlags, stopFlags),
		createStatusCommand(globalFlags, statusFlags),
		createLogsCommand(globalFlags, logsFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodeward",
		Short: "Inference node supervisor",
		Long: `Nodeward keeps a single inference node running: it spawns the node
binary, restarts it on crashes with exponential backoff, and exposes a
management API with live log streaming.

Examples:
  nodeward run --config nodeward.toml              # Run in the foreground
  nodeward run --config nodeward.toml --daemonize  # Detach as a daemon
  nodeward status                                  # Query the local daemon
  nodeward logs --backfill 50                      # Tail the node's output
  nodeward stop --api-url=https://host:9090        # Stop a remote node`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", defaultConfigPath, "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "supervisor log level (error|warn|info|debug)")
	return root
}

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor",
		Long: `Run starts the node and the management server and blocks until
SIGINT/SIGTERM. With --daemonize the supervisor re-executes itself into a
new session and the foreground process exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runFlags.Daemonize {
				return daemonize(runFlags.LogFile)
			}
			fc, err := nodeward.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			log, err := buildLogger(globalFlags, fc)
			if err != nil {
				return err
			}
			if err := nodeward.RegisterMetricsDefault(); err != nil {
				log.Warn("metrics registration failed", "error", err)
			}
			sup, err := nodeward.New(fc, log)
			if err != nil {
				return err
			}
			return sup.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&runFlags.Daemonize, "daemonize", false, "detach and run in the background")
	cmd.Flags().StringVar(&runFlags.LogFile, "logfile", "", "daemon stdout/stderr destination (with --daemonize)")
	return cmd
}

func createStartCommand(globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node on a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(globalFlags, apiFlags)
			if err != nil {
				return err
			}
			if err := client.StartNode(); err != nil {
				return err
			}
			fmt.Println("node started")
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags, stopFlags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the node, or the whole supervisor with --daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stopFlags.Daemon {
				return stopDaemon(globalFlags, stopFlags)
			}
			client, err := resolveClient(globalFlags, &stopFlags.APIFlags)
			if err != nil {
				return err
			}
			if err := client.StopNode(stopFlags.Force); err != nil {
				return err
			}
			fmt.Println("node stopped")
			return nil
		},
	}
	addAPIFlags(cmd, &stopFlags.APIFlags)
	cmd.Flags().BoolVar(&stopFlags.Force, "force", false, "kill immediately, skipping the graceful phase")
	cmd.Flags().BoolVar(&stopFlags.Daemon, "daemon", false, "terminate the supervisor daemon via its pidfile")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(globalFlags, apiFlags)
			if err != nil {
				return err
			}
			st, err := client.Status()
			if err != nil {
				return statusFallback(globalFlags, err)
			}
			printStatus(st)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createLogsCommand(globalFlags *GlobalFlags, logsFlags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Stream the node's log output",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := resolveClient(globalFlags, &logsFlags.APIFlags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return client.StreamLogs(ctx, logsFlags.Backfill, os.Stdout)
		},
	}
	addAPIFlags(cmd, &logsFlags.APIFlags)
	cmd.Flags().IntVar(&logsFlags.Backfill, "backfill", 0, "number of buffered lines to replay before following")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "supervisor URL (e.g. https://host:9090); defaults to the config's server address")
	cmd.Flags().StringVar(&flags.APIKey, "api-key", "", "management API key")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

// resolveClient builds an API client from --api-url, falling back to the
// server section of the local config file.
func resolveClient(globalFlags *GlobalFlags, apiFlags *APIFlags) (*APIClient, error) {
	if apiFlags.APIUrl != "" {
		return NewAPIClient(apiFlags.APIUrl, apiFlags.APIKey, apiFlags.APITimeout), nil
	}
	fc, err := nodeward.LoadConfig(globalFlags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("no --api-url and config unusable: %w", err)
	}
	scheme := "http"
	if fc.Server.CertFile != "" {
		scheme = "https"
	}
	host := fc.Server.BindHost
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	key := apiFlags.APIKey
	if key == "" {
		key = fc.Server.APIKey
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, host, fc.Server.Port)
	return NewAPIClient(url, key, apiFlags.APITimeout), nil
}

// stopDaemon terminates the supervisor found via the config's pidfile.
func stopDaemon(globalFlags *GlobalFlags, stopFlags *StopFlags) error {
	fc, err := config.Load(globalFlags.ConfigPath)
	if err != nil {
		return err
	}
	if fc.PIDFile == "" {
		return fmt.Errorf("config has no pid_file; cannot locate the daemon")
	}
	pm := pidfile.New(fc.PIDFile)
	rec, alive := pm.Alive()
	if !alive {
		fmt.Println("supervisor is not running")
		return nil
	}

	stopper := &daemon.Stopper{Logger: slog.Default()}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := stopper.StopPID(ctx, rec.PID, daemon.StopOptions{Force: stopFlags.Force}); err != nil {
		return err
	}
	fmt.Printf("supervisor stopped (pid %d)\n", rec.PID)
	return nil
}

// statusFallback reports what can be known when the API is unreachable.
func statusFallback(globalFlags *GlobalFlags, apiErr error) error {
	fc, err := config.Load(globalFlags.ConfigPath)
	if err != nil || fc.PIDFile == "" {
		return apiErr
	}
	if rec, alive := pidfile.New(fc.PIDFile).Alive(); alive {
		fmt.Printf("supervisor running (pid %d) but API unreachable: %v\n", rec.PID, apiErr)
		return nil
	}
	fmt.Println("supervisor is not running")
	return nil
}

func printStatus(st *nodeward.NodeStatus) {
	fmt.Printf("name:     %s\n", st.Name)
	fmt.Printf("running:  %v\n", st.Running)
	fmt.Printf("healthy:  %v\n", st.Healthy)
	fmt.Printf("state:    %s\n", st.State)
	if st.PID != 0 {
		fmt.Printf("pid:      %d\n", st.PID)
	}
	if st.StartedAt != nil {
		fmt.Printf("started:  %s\n", st.StartedAt.Format(time.RFC3339))
	}
	if st.PublicURL != "" {
		fmt.Printf("url:      %s\n", st.PublicURL)
	}
	if len(st.Models) > 0 {
		fmt.Printf("models:   %v\n", st.Models)
	}
	fmt.Printf("restarts: %d", st.RestartCount)
	if st.LastRestartTime != nil {
		fmt.Printf(" (last %s)", st.LastRestartTime.Format(time.RFC3339))
	}
	fmt.Println()
	if st.TotalDowntimeMS > 0 {
		fmt.Printf("downtime: %s\n", time.Duration(st.TotalDowntimeMS)*time.Millisecond)
	}
	if st.LastExitCode != nil {
		fmt.Printf("last exit code: %d\n", *st.LastExitCode)
	}
}

func buildLogger(globalFlags *GlobalFlags, fc *nodeward.FileConfig) (*slog.Logger, error) {
	level := globalFlags.LogLevel
	if fc.Level != "" {
		level = fc.Level
	}
	l, err := nodeward.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	return nodeward.NewCLILogger(l), nil
}
