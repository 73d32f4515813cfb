package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUntilSucceedsOnThirdAttempt(t *testing.T) {
	policy := Policy{Phase: "test", Interval: 5 * time.Millisecond, Timeout: time.Second}
	var retries []int
	policy.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	attempts, err := Until(context.Background(), policy, func(_ context.Context, attempt int) (bool, error) {
		if attempt < 3 {
			return false, errors.New("transient")
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestUntilPermanentStopsImmediately(t *testing.T) {
	fatal := errors.New("job vanished")
	policy := Policy{Phase: "test", Interval: 5 * time.Millisecond, Timeout: time.Second}

	attempts, err := Until(context.Background(), policy, func(context.Context, int) (bool, error) {
		return false, Permanent(fatal)
	})
	require.Equal(t, fatal, err)
	assert.Equal(t, 1, attempts)
}

func TestUntilTimeoutCarriesLastTransient(t *testing.T) {
	transient := errors.New("ssh exit 255")
	policy := Policy{Phase: "job-start", Interval: 10 * time.Millisecond, Timeout: 60 * time.Millisecond}

	attempts, err := Until(context.Background(), policy, func(context.Context, int) (bool, error) {
		return false, transient
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, transient)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "job-start", te.Phase)
	assert.GreaterOrEqual(t, attempts, 2)
	assert.Equal(t, attempts, te.Attempts)
}

// A probe that hangs until its context is done must still be charged against
// the overall bound.
func TestUntilBoundedDespiteHangingProbes(t *testing.T) {
	const (
		timeout  = 150 * time.Millisecond
		interval = 50 * time.Millisecond
	)
	policy := Policy{Phase: "hang", Interval: interval, Timeout: timeout, CallTimeout: time.Hour}

	start := time.Now()
	_, err := Until(context.Background(), policy, func(ctx context.Context, _ int) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	// Scheduling slack on top of Timeout+Interval.
	assert.Less(t, elapsed, timeout+interval+200*time.Millisecond)
}

func TestUntilCallTimeoutIsTransient(t *testing.T) {
	policy := Policy{Phase: "slow", Interval: 5 * time.Millisecond, Timeout: time.Second, CallTimeout: 10 * time.Millisecond}

	attempts, err := Until(context.Background(), policy, func(ctx context.Context, attempt int) (bool, error) {
		if attempt == 1 {
			<-ctx.Done()
			return false, ctx.Err()
		}
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestUntilParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Phase: "cancel", Interval: 5 * time.Millisecond, Timeout: time.Minute}

	_, err := Until(ctx, policy, func(_ context.Context, attempt int) (bool, error) {
		if attempt == 2 {
			cancel()
		}
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestUntilRejectsZeroPolicy(t *testing.T) {
	_, err := Until(context.Background(), Policy{Phase: "bad"}, func(context.Context, int) (bool, error) { return true, nil })
	require.Error(t, err)
}
