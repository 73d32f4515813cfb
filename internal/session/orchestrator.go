package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/logstream"
	"github.com/antonkrylov/hpcconnect/internal/metrics"
	"github.com/antonkrylov/hpcconnect/internal/report"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
	"github.com/antonkrylov/hpcconnect/internal/service"
	"github.com/antonkrylov/hpcconnect/internal/telemetry"
	"github.com/antonkrylov/hpcconnect/internal/tunnel"
)

// Orchestrator runs one session. Each field is a configured component; the
// orchestrator installs its own callbacks on copies of them.
type Orchestrator struct {
	Session    *Session
	Request    scheduler.JobRequest
	Submitter  *scheduler.Submitter
	Poller     *scheduler.Poller
	Resolver   *service.Resolver
	Tunnels    *tunnel.Manager
	Logs       *logstream.Streamer
	Supervisor *Supervisor
	Reporter   report.Reporter
	// SummaryDir receives <jobID>.json once connected. Empty disables it.
	SummaryDir string
	Logger     *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return discardLogger
}

func (o *Orchestrator) reporter() report.Reporter {
	if o.Reporter != nil {
		return o.Reporter
	}
	return report.Discard
}

// Run drives the session until ctx is cancelled or a phase fails, then
// releases everything it acquired. It returns nil when the operator ends a
// connected session, an ErrInterrupted error when they end it earlier, and
// the failing phase's error otherwise.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	s := o.Session
	log := o.logger().With("session", s.ID, "workload", s.WorkloadName)
	ctx, span := telemetry.StartSpan(ctx, "session",
		telemetry.AttrSessionID.String(s.ID),
		telemetry.AttrWorkload.String(s.WorkloadName),
	)
	defer span.End()

	s.Observe(ObserverFunc(func(_ Snapshot, from, to State) {
		metrics.RecordTransition(to.String())
		o.reporter().Transition(from.String(), to.String())
	}))

	var res Resources
	defer func() {
		// Outcome is decided by cancellation seen before cleanup; a second
		// interrupt while releasing must not relabel a failure.
		cancelled := ctx.Err()
		o.Supervisor.Cleanup(ctx, res)
		err = o.finish(cancelled, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		log.Info("session ended", "state", s.State().String(), "err", err)
	}()

	var jobID string
	if err := o.phase(ctx, "submit", func(ctx context.Context) error {
		id, err := o.Submitter.Submit(ctx, o.request())
		if err != nil {
			return err
		}
		jobID = id
		res.JobID = id
		if err := s.AssignJobID(id); err != nil {
			return err
		}
		o.reporter().Progress("submitted job %s (%s, %s)", id, s.WorkloadName, scheduler.FormatDuration(s.RequestedDuration))
		return s.Transition(Submitted)
	}); err != nil {
		return err
	}
	span.SetAttributes(telemetry.AttrJobID.String(jobID))
	files := scheduler.FilesFor(s.RemoteWorkDir, jobID)

	if err := o.phase(ctx, "job_start", func(ctx context.Context) error {
		st, err := o.poller().WaitRunning(ctx, jobID)
		if err != nil {
			return err
		}
		if err := s.AssignNode(st.Node); err != nil {
			return err
		}
		span.SetAttributes(telemetry.AttrNode.String(st.Node))
		return s.Advance(Running)
	}); err != nil {
		return err
	}

	if o.Logs != nil {
		task, err := o.streamer().Start(ctx, files)
		if err != nil {
			log.Warn("log stream unavailable", "err", err)
			o.reporter().Warn("job output will not be shown: %v", err)
		} else {
			res.LogStream = task
		}
	}

	if err := o.phase(ctx, "service_address", func(ctx context.Context) error {
		o.reporter().Progress("job %s running on %s, waiting for the service address", jobID, s.Node())
		addr, err := o.Resolver.Resolve(ctx, files)
		if err != nil {
			return err
		}
		if err := s.AssignAddress(addr); err != nil {
			return err
		}
		return s.Transition(ServiceReady)
	}); err != nil {
		return err
	}

	var tun *tunnel.Tunnel
	if err := o.phase(ctx, "tunnel", func(ctx context.Context) error {
		mgr := o.tunnels()
		t, err := mgr.Open(ctx, s.Address())
		if err != nil {
			return err
		}
		tun = t
		res.Tunnel = t
		o.reporter().Progress("tunnel 127.0.0.1:%d -> %s open, waiting for the service to answer", t.LocalPort, s.Address())
		if err := mgr.WaitReady(ctx, t); err != nil {
			return err
		}
		return s.Transition(Connected)
	}); err != nil {
		return err
	}

	o.writeSummary(res, tun)
	o.reporter().Connected(tun.URL())
	return o.waitForCancel(ctx, res.LogStream, tun)
}

// phase runs fn in its own span and records its duration.
func (o *Orchestrator) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "session."+name, attribute.String("phase", name))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	metrics.ObservePhase(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// waitForCancel blocks in Connected. The end of the log relay only downgrades
// the session to idle waiting; the death of the tunnel ends it.
func (o *Orchestrator) waitForCancel(ctx context.Context, logs BackgroundTask, tun *tunnel.Tunnel) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-tun.Done():
			if ctx.Err() != nil {
				return nil
			}
			return errkind.Newf(errkind.ErrTunnel, "connected session", "ssh forward exited: %v", tun.Err())
		}
	})
	if logs != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-logs.Done():
				if ctx.Err() == nil {
					o.logger().Warn("log stream ended", "session", o.Session.ID)
					o.reporter().Warn("job output stream ended; the session stays connected")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// finish records the terminal state and maps err to the session outcome.
// cancelled is the context error observed when the session stopped.
func (o *Orchestrator) finish(cancelled, err error) error {
	s := o.Session
	reached := s.State()
	final := Failed
	outcome := "failed"
	switch {
	case cancelled != nil && (err == nil || reached < Connected || errors.Is(err, cancelled)):
		final = Terminated
		if reached >= Connected {
			err = nil
			outcome = "completed"
		} else {
			err = errkind.New(errkind.ErrInterrupted, "session", fmt.Errorf("cancelled in state %s: %w", reached, cancelled))
			outcome = "interrupted"
		}
	case err == nil:
		final = Terminated
		outcome = "completed"
	default:
		outcome = errkind.Label(err)
	}
	if terr := s.Transition(final); terr != nil {
		o.logger().Warn("final transition", "err", terr)
	}
	metrics.RecordSession(outcome)
	return err
}

func (o *Orchestrator) request() scheduler.JobRequest {
	req := o.Request
	if req.JobName == "" {
		req.JobName = o.Session.WorkloadName
	}
	if req.ScriptName == "" {
		req.ScriptName = req.JobName + "-" + o.Session.ID[:8]
	}
	if req.Duration == 0 {
		req.Duration = o.Session.RequestedDuration
	}
	return req
}

func (o *Orchestrator) poller() *scheduler.Poller {
	p := *o.Poller
	s := o.Session
	p.OnTransition = func(from, to scheduler.JobState) {
		switch to {
		case scheduler.StatePending:
			_ = s.Advance(Pending)
		case scheduler.StateRunning:
			_ = s.Advance(Running)
		}
		o.reporter().Progress("job %s is %s", s.JobID(), to)
	}
	p.OnQueuePosition = o.reporter().QueuePosition
	return &p
}

func (o *Orchestrator) streamer() *logstream.Streamer {
	l := *o.Logs
	if l.OnLine == nil {
		l.OnLine = o.reporter().LogLine
	}
	return &l
}

func (o *Orchestrator) tunnels() *tunnel.Manager {
	m := *o.Tunnels
	if m.OnProgress == nil {
		m.OnProgress = func(attempt, max int, lastErr error) {
			if lastErr != nil {
				o.reporter().Progress("waiting for the service (attempt %d/%d): %v", attempt, max, lastErr)
				return
			}
			o.reporter().Progress("waiting for the service (attempt %d/%d)", attempt, max)
		}
	}
	return &m
}

func (o *Orchestrator) writeSummary(res Resources, tun *tunnel.Tunnel) {
	if o.SummaryDir == "" {
		return
	}
	s := o.Session
	sum := Summary{
		SessionID:     s.ID,
		JobID:         s.JobID(),
		Workload:      s.WorkloadName,
		Node:          s.Node(),
		RemotePort:    s.Address().Port,
		LocalPort:     tun.LocalPort,
		RemoteWorkDir: s.RemoteWorkDir,
		URL:           tun.URL(),
		StartedAt:     s.StartedAt,
		ConnectedAt:   time.Now(),
	}
	if task, ok := res.LogStream.(*logstream.Task); ok {
		sum.LogArchive = task.ArchivePath()
	}
	path, err := WriteSummary(o.SummaryDir, sum)
	if err != nil {
		o.logger().Warn("session summary not written", "err", err)
		return
	}
	o.logger().Debug("session summary written", "path", path)
}
