package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/poll"
	"github.com/antonkrylov/hpcconnect/internal/remote"
)

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultJobStartTimeout = 30 * time.Minute
)

// Poller waits for a submitted job to reach RUNNING.
type Poller struct {
	Runner      remote.Runner
	Interval    time.Duration
	Timeout     time.Duration
	CallTimeout time.Duration
	// Partition scopes the queue position query.
	Partition string

	OnTransition    func(from, to JobState)
	OnQueuePosition func(pos, total int)
	Logger          *slog.Logger
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return discardLogger
}

// WaitRunning polls the job's state until it runs, and returns the status
// carrying the allocated node.
func (p *Poller) WaitRunning(ctx context.Context, jobID string) (Status, error) {
	interval, timeout := p.Interval, p.Timeout
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultJobStartTimeout
	}
	op := "wait for job " + jobID
	if !ValidJobID(jobID) {
		return Status{}, errkind.Newf(errkind.ErrParse, op, "malformed job id %q", jobID)
	}
	log := p.logger().With("job", jobID)

	var (
		last    = StateUnknown
		running Status
	)
	_, err := poll.Until(ctx, poll.Policy{
		Phase:       "job_start",
		Interval:    interval,
		Timeout:     timeout,
		CallTimeout: p.CallTimeout,
		OnRetry: func(attempt int, err error) {
			log.Debug("job status unavailable", "attempt", attempt, "err", err)
		},
	}, func(ctx context.Context, attempt int) (bool, error) {
		res, err := p.Runner.Run(ctx, StatusCommand(jobID))
		if err != nil {
			return false, err
		}
		if !res.OK() {
			if IsJobGone(res) {
				return false, poll.Permanent(errkind.Newf(errkind.ErrSubmission, op, "job %s is no longer known to the scheduler", jobID))
			}
			return false, fmt.Errorf("squeue exited %d: %s", res.ExitCode, res.Stderr)
		}
		if res.Output() == "" {
			return false, poll.Permanent(errkind.Newf(errkind.ErrSubmission, op, "job %s is no longer known to the scheduler", jobID))
		}
		st, err := ParseStatus(res.Stdout)
		if err != nil {
			return false, err
		}
		if st.State != last {
			log.Info("job state", "from", last.String(), "to", st.State.String(), "node", st.Node)
			if p.OnTransition != nil {
				p.OnTransition(last, st.State)
			}
			last = st.State
		}
		switch {
		case st.State == StateRunning:
			if st.Node == "" {
				return false, nil
			}
			running = st
			return true, nil
		case st.State.IsTerminal():
			return false, poll.Permanent(errkind.Newf(errkind.ErrSubmission, op, "job %s ended in state %s before running", jobID, st.State))
		case st.State == StatePending:
			p.reportQueuePosition(ctx, jobID, log)
		}
		return false, nil
	})
	if err == nil {
		return running, nil
	}
	if errors.Is(err, poll.ErrTimeout) {
		return Status{}, errkind.New(errkind.ErrJobStartTimeout, op, err)
	}
	return Status{}, err
}

// reportQueuePosition is best effort; failures are only logged.
func (p *Poller) reportQueuePosition(ctx context.Context, jobID string, log *slog.Logger) {
	if p.OnQueuePosition == nil {
		return
	}
	res, err := p.Runner.Run(ctx, QueueCommand(p.Partition))
	if err != nil || !res.OK() {
		log.Debug("queue position unavailable", "err", err)
		return
	}
	pos, total, ok := QueuePosition(res.Stdout, jobID)
	if !ok {
		return
	}
	p.OnQueuePosition(pos, total)
}
