package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/poll"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Minute
	// stderrTailLines is how much of the job's stderr a startup timeout shows.
	stderrTailLines = 40
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Resolver waits for a running job to publish its service address.
type Resolver struct {
	Runner      remote.Runner
	Interval    time.Duration
	Timeout     time.Duration
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return discardLogger
}

// LookupCommand prints the address record, preferring the address file and
// falling back to the SERVICE_ADDRESS= line in the job output.
func LookupCommand(files scheduler.JobFiles) string {
	return fmt.Sprintf("cat %s 2>/dev/null || grep -m1 '%s' %s 2>/dev/null || true",
		remote.Quote(files.Address), AddressPrefix, remote.Quote(files.Output))
}

// Resolve polls until an address is published. A malformed record fails at
// once; an exhausted bound reports the tail of the job's stderr.
func (r *Resolver) Resolve(ctx context.Context, files scheduler.JobFiles) (Address, error) {
	interval, timeout := r.Interval, r.Timeout
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	log := r.logger().With("job", files.JobID)
	op := "resolve service address for job " + files.JobID

	var addr Address
	_, err := poll.Until(ctx, poll.Policy{
		Phase:       "service_address",
		Interval:    interval,
		Timeout:     timeout,
		CallTimeout: r.CallTimeout,
		OnRetry: func(attempt int, err error) {
			log.Debug("address lookup failed", "attempt", attempt, "err", err)
		},
	}, func(ctx context.Context, attempt int) (bool, error) {
		res, err := r.Runner.Run(ctx, LookupCommand(files))
		if err != nil {
			return false, err
		}
		if !res.OK() {
			return false, fmt.Errorf("address lookup exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		line := firstLine(res.Stdout)
		if line == "" {
			return false, nil
		}
		a, err := ParseAddress(line)
		if err != nil {
			return false, poll.Permanent(err)
		}
		addr = a
		return true, nil
	})
	if err == nil {
		log.Info("service address published", "addr", addr.String())
		return addr, nil
	}
	if !errors.Is(err, poll.ErrTimeout) {
		return Address{}, err
	}

	tail := r.stderrTail(ctx, files)
	kerr := errkind.New(errkind.ErrServiceStartupTimeout, op, err)
	if tail != "" {
		kerr = kerr.WithDetail(tail)
	}
	return Address{}, kerr
}

// stderrTail is best effort and runs even when the bound is spent.
func (r *Resolver) stderrTail(ctx context.Context, files scheduler.JobFiles) string {
	callTimeout := r.CallTimeout
	if callTimeout <= 0 {
		callTimeout = remote.DefaultCallTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	res, err := r.Runner.Run(tctx, fmt.Sprintf("tail -n %d %s", stderrTailLines, remote.Quote(files.Error)))
	if err != nil || !res.OK() {
		r.logger().Debug("stderr tail unavailable", "job", files.JobID, "err", err)
		return ""
	}
	return res.Output()
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
