package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/metrics"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/report"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
)

// DefaultCleanupTimeout bounds the whole teardown.
const DefaultCleanupTimeout = 60 * time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// BackgroundTask is a long-lived helper owned by the manager that started it.
type BackgroundTask interface {
	Alive() bool
	Done() <-chan struct{}
	// Stop must be idempotent.
	Stop() error
}

// CleanupGuard is a one-shot latch.
type CleanupGuard struct {
	done atomic.Bool
}

// Acquire returns true for exactly one caller.
func (g *CleanupGuard) Acquire() bool {
	return g.done.CompareAndSwap(false, true)
}

// Resources are what a session may hold at teardown. Any may be unset.
type Resources struct {
	LogStream BackgroundTask
	Tunnel    BackgroundTask
	JobID     string
}

// Supervisor releases session resources exactly once.
type Supervisor struct {
	Runner   remote.Runner
	Reporter report.Reporter
	Timeout  time.Duration
	Logger   *slog.Logger

	guard CleanupGuard
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return discardLogger
}

func (s *Supervisor) reporter() report.Reporter {
	if s.Reporter != nil {
		return s.Reporter
	}
	return report.Discard
}

// Cleanup stops the log stream, then the tunnel, then cancels the job. It
// never fails: each step is attempted and its outcome reported. It returns
// false when cleanup had already run.
func (s *Supervisor) Cleanup(ctx context.Context, r Resources) bool {
	if !s.guard.Acquire() {
		return false
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.stopTask("log_stream", "log stream", r.LogStream)
	s.stopTask("tunnel", "tunnel", r.Tunnel)
	if r.JobID != "" {
		s.cancelJob(ctx, r.JobID)
	}
	return true
}

func (s *Supervisor) stopTask(label, name string, t BackgroundTask) {
	if t == nil {
		return
	}
	err := t.Stop()
	s.record(label, name, err)
}

func (s *Supervisor) cancelJob(ctx context.Context, jobID string) {
	name := "job " + jobID
	if !scheduler.ValidJobID(jobID) {
		s.record("job", name, fmt.Errorf("refusing to cancel malformed job id %q", jobID))
		return
	}
	res, err := s.Runner.Run(ctx, scheduler.CancelCommand(jobID))
	switch {
	case err != nil:
	case res.OK():
	case scheduler.IsJobGone(res):
		s.logger().Info("job already gone", "job", jobID)
	default:
		err = fmt.Errorf("scancel exited %d: %s", res.ExitCode, res.Output()+res.Stderr)
	}
	s.record("job", name, err)
}

func (s *Supervisor) record(label, name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		s.logger().Warn("cleanup step failed", "resource", name, "err", err)
	} else {
		s.logger().Info("released", "resource", name)
	}
	metrics.RecordCleanup(label, result)
	s.reporter().Released(name, err)
}
