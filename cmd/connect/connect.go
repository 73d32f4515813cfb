package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/antonkrylov/hpcconnect/internal/catalog"
	cliconfig "github.com/antonkrylov/hpcconnect/internal/cli/config"
	"github.com/antonkrylov/hpcconnect/internal/client"
	"github.com/antonkrylov/hpcconnect/internal/events"
	"github.com/antonkrylov/hpcconnect/internal/logstream"
	"github.com/antonkrylov/hpcconnect/internal/metrics"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/report"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
	"github.com/antonkrylov/hpcconnect/internal/service"
	"github.com/antonkrylov/hpcconnect/internal/session"
	"github.com/antonkrylov/hpcconnect/internal/telemetry"
	"github.com/antonkrylov/hpcconnect/internal/tunnel"
)

func runConnect(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(opts.logLevel, opts.stderr)

	conn, err := client.ResolveConnection(client.Flags{
		ConfigPath:  opts.configPath,
		ProfileName: opts.profile,
		LoginHost:   opts.loginHost,
		Workload:    opts.workload,
		Duration:    opts.duration,
		LocalPort:   opts.localPort,
	})
	if err != nil {
		return err
	}
	cat, err := conn.Catalog()
	if err != nil {
		return err
	}
	if opts.list {
		return printCatalog(opts.stdout, cat)
	}

	name := conn.Workload
	if opts.interactive {
		if name, err = pickWorkload(opts.stdin, opts.stderr, cat, conn.Workload); err != nil {
			return err
		}
	}
	w, err := cat.Lookup(name)
	if err != nil {
		return err
	}
	ssh, err := conn.SSH(logger)
	if err != nil {
		return err
	}

	// The handler stays installed until cleanup has finished, so a second
	// interrupt does not kill the process mid-teardown.
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.traceFile != "" {
		shutdown, err := setupTracing(opts.traceFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("flush traces", "err", err)
			}
		}()
	}
	if opts.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, opts.metricsAddr, logger); err != nil {
				logger.Warn("metrics server stopped", "addr", opts.metricsAddr, "err", err)
			}
		}()
	}

	console := report.NewConsole(opts.stdout)
	orch, err := buildOrchestrator(conn, w, ssh, ssh, console, logger)
	if err != nil {
		return err
	}
	if conn.EventsURL != "" {
		mirror, err := events.Connect(ctx, events.Options{URL: conn.EventsURL}, logger)
		if err != nil {
			console.Warn("session events disabled: %v", err)
		} else {
			orch.Session.Observe(mirror)
			defer mirror.Close()
		}
	}

	console.Progress("session %s: workload %s for %s on %s", orch.Session.ID, w.Name, scheduler.FormatDuration(conn.Duration), conn.LoginHost)
	if err := orch.Run(ctx); err != nil {
		console.Failure(err)
		opts.reported = true
		return err
	}
	return nil
}

// buildOrchestrator wires one session from the resolved settings.
func buildOrchestrator(conn *client.Connection, w catalog.Workload, runner remote.Runner, fwd remote.Forwarder, rep report.Reporter, logger *slog.Logger) (*session.Orchestrator, error) {
	tmpl, err := scheduler.LoadTemplate(conn.JobTemplate)
	if err != nil {
		return nil, err
	}
	prober, err := tunnel.ProberFor(conn.Scheme, conn.HealthPath)
	if err != nil {
		return nil, err
	}
	partition := conn.Partition
	if w.Partition != "" {
		partition = w.Partition
	}
	t := conn.Timing
	sess := session.New(w.Name, conn.Duration, conn.RemoteWorkDir, conn.LocalPort)
	return &session.Orchestrator{
		Session: sess,
		Request: scheduler.JobRequest{
			JobName:      "hpcconnect-" + w.Name,
			Duration:     conn.Duration,
			Partition:    partition,
			Account:      conn.Account,
			GPUs:         w.GPUs,
			CPUs:         w.CPUs,
			MemoryGB:     w.MemoryGB,
			WorkloadPath: w.Path,
			Command:      w.Command,
			Env:          w.Env,
		},
		Submitter: &scheduler.Submitter{
			Runner:      runner,
			WorkDir:     conn.RemoteWorkDir,
			Template:    tmpl,
			StartMarker: conn.StartMarker,
			Logger:      logger,
		},
		Poller: &scheduler.Poller{
			Runner:      runner,
			Interval:    t.PollInterval,
			Timeout:     t.JobStartTimeout,
			CallTimeout: t.CallTimeout,
			Partition:   partition,
			Logger:      logger,
		},
		Resolver: &service.Resolver{
			Runner:      runner,
			Interval:    t.PollInterval,
			Timeout:     t.ServiceTimeout,
			CallTimeout: t.CallTimeout,
			Logger:      logger,
		},
		Tunnels: &tunnel.Manager{
			Runner:        runner,
			Forwarder:     fwd,
			LocalPort:     conn.LocalPort,
			Scheme:        conn.Scheme,
			Prober:        prober,
			StartupGrace:  t.TunnelGrace,
			ProbeInterval: t.ProbeInterval,
			ProbeAttempts: t.ProbeAttempts,
			CallTimeout:   t.CallTimeout,
			Logger:        logger,
		},
		Logs: &logstream.Streamer{
			Runner:      runner,
			StartMarker: conn.StartMarker,
			ArchiveDir:  conn.LogArchiveDir,
			Logger:      logger,
		},
		Supervisor: &session.Supervisor{
			Runner:   runner,
			Reporter: rep,
			Timeout:  t.CleanupTimeout,
			Logger:   logger,
		},
		Reporter:   rep,
		SummaryDir: cliconfig.SessionsDir(),
		Logger:     logger,
	}, nil
}

func setupTracing(path string) (func(context.Context) error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := telemetry.Setup(f, version)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

func printCatalog(w io.Writer, cat *catalog.Catalog) error {
	if cat.Len() == 0 {
		fmt.Fprintln(w, "no workloads defined")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tGPUS\tCPUS\tMEMORY\tPARTITION\tDESCRIPTION")
	for _, wl := range cat.Workloads() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", wl.Name, wl.GPUs, wl.CPUs, memory(wl.MemoryGB), dash(wl.Partition), wl.Description)
	}
	return tw.Flush()
}

func memory(gb int) string {
	if gb <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dG", gb)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
