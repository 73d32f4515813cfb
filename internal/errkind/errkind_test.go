package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := fmt.Errorf("dial: %w", context.DeadlineExceeded)
	err := New(ErrTunnel, "forward", cause)

	require.ErrorIs(t, err, ErrTunnel)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "forward: tunnel failed: dial: context deadline exceeded", err.Error())
}

func TestKindOfPrefersTimeoutOverTransport(t *testing.T) {
	transport := New(ErrTransport, "squeue", errors.New("exit 255"))
	err := New(ErrJobStartTimeout, "wait running", transport)

	assert.Equal(t, ErrJobStartTimeout, KindOf(err))
	assert.Equal(t, 11, ExitCode(err))
}

func TestExitCodes(t *testing.T) {
	cases := map[error]int{
		nil:                                    0,
		New(ErrSubmission, "submit", nil):      10,
		New(ErrServiceStartupTimeout, "", nil): 12,
		New(ErrServiceUnreachable, "", nil):    14,
		New(ErrInterrupted, "", nil):           130,
		errors.New("boom"):                     1,
		fmt.Errorf("x: %w", context.Canceled):  130,
	}
	for err, want := range cases {
		assert.Equal(t, want, ExitCode(err), "err=%v", err)
	}
}

func TestDetailOf(t *testing.T) {
	err := fmt.Errorf("session: %w", New(ErrServiceStartupTimeout, "resolve", nil).WithDetail("CUDA OOM"))
	assert.Equal(t, "CUDA OOM", DetailOf(err))
	assert.Empty(t, DetailOf(errors.New("plain")))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "", Label(nil))
	assert.Equal(t, "job_start_timeout", Label(New(ErrJobStartTimeout, "wait", errors.New("x"))))
	assert.Equal(t, "other", Label(errors.New("boom")))
}
