package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/hpcconnect/internal/cli/config"
	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

var version = "dev"

type rootOptions struct {
	configPath  string
	profile     string
	loginHost   string
	workload    string
	duration    string
	localPort   int
	interactive bool
	list        bool
	logLevel    string
	metricsAddr string
	traceFile   string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// reported is set once a failure has been rendered for the operator.
	reported bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes the command line and returns the process exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts := &rootOptions{stdin: stdin, stdout: stdout, stderr: stderr}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil && !opts.reported {
		fmt.Fprintf(stderr, "connect: %v\n", err)
	}
	return errkind.ExitCode(err)
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run a workload as a batch job and connect to its service",
		Long: `connect submits a workload to the cluster's batch scheduler, waits for the job
to start and for its service to publish an address, then forwards a local port
to it and relays the job's output until interrupted. The job, the tunnel and
the log stream are released on exit.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(c *cobra.Command, args []string) error {
			if len(args) > 0 {
				fmt.Fprint(c.ErrOrStderr(), c.UsageString())
				return errkind.Newf(errkind.ErrConfig, "parse arguments", "unexpected argument %q", args[0])
			}
			return nil
		},
		RunE: func(c *cobra.Command, _ []string) error {
			return runConnect(c.Context(), opts)
		},
	}
	cmd.SetIn(opts.stdin)
	cmd.SetOut(opts.stdout)
	cmd.SetErr(opts.stderr)
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprint(c.ErrOrStderr(), c.UsageString())
		return errkind.New(errkind.ErrConfig, "parse flags", err)
	})

	f := cmd.Flags()
	f.StringVarP(&opts.workload, "workload", "w", "", "workload to run (default from profile, else \"default\")")
	f.StringVarP(&opts.duration, "duration", "d", "", "job wall-clock limit as HH:MM:SS (default 01:00:00)")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "pick the workload from a menu")
	f.BoolVarP(&opts.list, "list", "l", false, "list available workloads and exit")
	f.StringVar(&opts.configPath, "config", "", "path to config file (default $HPCCONNECT_CONFIG or "+cliconfig.DefaultConfigPath()+")")
	f.StringVar(&opts.profile, "profile", "", "config profile (overrides currentProfile)")
	f.StringVar(&opts.loginHost, "login-host", "", "ssh destination of the cluster login host (overrides profile)")
	f.IntVar(&opts.localPort, "local-port", 0, "local port for the tunnel (default 8000)")
	f.StringVar(&opts.logLevel, "log-level", "warn", "diagnostic log level: debug|info|warn|error")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while connected")
	f.StringVar(&opts.traceFile, "trace-file", "", "write OpenTelemetry spans as JSON to this file")
	return cmd
}

// newLogger builds the diagnostic logger. HPCCONNECT_LOG_FORMAT=json selects
// JSON output.
func newLogger(levelName string, w io.Writer) *slog.Logger {
	var level slog.Level
	switch l := strings.ToLower(strings.TrimSpace(levelName)); l {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning", "":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		fmt.Fprintf(w, "unknown --log-level=%q (expected debug|info|warn|error); defaulting to warn\n", levelName)
		level = slog.LevelWarn
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("HPCCONNECT_LOG_FORMAT"), "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
