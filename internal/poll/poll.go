// Package poll runs a probe on a fixed interval until it reports done, fails
// permanently, or an elapsed-time bound runs out. Every wait phase of a
// session (job start, service address, tunnel readiness) goes through Until
// so the timeout policy is the same everywhere.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/antonkrylov/hpcconnect/internal/metrics"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("poll: bound exceeded")

// Policy bounds a wait loop.
type Policy struct {
	// Phase names the loop in errors and metrics.
	Phase    string
	Interval time.Duration
	Timeout  time.Duration
	// CallTimeout boxes each probe call. Zero leaves only the overall bound.
	CallTimeout time.Duration
	// OnRetry is called after each transient probe failure.
	OnRetry func(attempt int, err error)
}

// Probe is invoked once per tick. attempt starts at 1.
type Probe func(ctx context.Context, attempt int) (done bool, err error)

// TimeoutError reports an exhausted bound together with the last transient
// failure seen, if any.
type TimeoutError struct {
	Phase    string
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: no success after %d attempts in %s", e.Phase, e.Attempts, e.Elapsed.Truncate(time.Millisecond))
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last != nil {
		return []error{ErrTimeout, e.Last}
	}
	return []error{ErrTimeout}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as fatal: Until stops and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Until polls probe under policy. It returns the number of attempts made and
// nil on success, the permanent error, a *TimeoutError once the bound is
// spent, or the parent's ctx.Err() when ctx is cancelled first.
func Until(ctx context.Context, policy Policy, probe Probe) (int, error) {
	if policy.Interval <= 0 {
		return 0, fmt.Errorf("%s: poll interval must be positive", policy.Phase)
	}
	if policy.Timeout <= 0 {
		return 0, fmt.Errorf("%s: poll timeout must be positive", policy.Phase)
	}

	start := time.Now()
	attempts := 0
	var last error
	err := wait.PollUntilContextTimeout(ctx, policy.Interval, policy.Timeout, true, func(pctx context.Context) (bool, error) {
		attempts++
		metrics.RecordPollAttempt(policy.Phase)

		callCtx := pctx
		if policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(pctx, policy.CallTimeout)
			defer cancel()
		}
		done, err := probe(callCtx, attempts)
		if err == nil {
			return done, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return false, perm
		}
		last = err
		metrics.RecordTransient(policy.Phase)
		if policy.OnRetry != nil {
			policy.OnRetry(attempts, err)
		}
		return false, nil
	})
	if err == nil {
		return attempts, nil
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return attempts, perm.err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, ctxErr
	}
	return attempts, &TimeoutError{
		Phase:    policy.Phase,
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Last:     last,
	}
}
