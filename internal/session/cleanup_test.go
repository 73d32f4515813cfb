package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/remote/remotetest"
	"github.com/antonkrylov/hpcconnect/internal/report"
)

type stubTask struct {
	stops atomic.Int32
	err   error
	done  chan struct{}
	once  sync.Once
	order *[]string
	name  string
	mu    *sync.Mutex
}

func newStubTask(name string, order *[]string, mu *sync.Mutex) *stubTask {
	return &stubTask{name: name, order: order, mu: mu, done: make(chan struct{})}
}

func (s *stubTask) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *stubTask) Done() <-chan struct{} { return s.done }

func (s *stubTask) Stop() error {
	s.stops.Add(1)
	s.once.Do(func() { close(s.done) })
	if s.order != nil {
		s.mu.Lock()
		*s.order = append(*s.order, s.name)
		s.mu.Unlock()
	}
	return s.err
}

func TestCleanupGuardFiresOnce(t *testing.T) {
	var g CleanupGuard
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, g.Acquire())
}

func TestCleanupReleasesInOrderOnce(t *testing.T) {
	var mu sync.Mutex
	var order []string
	logs := newStubTask("logs", &order, &mu)
	tun := newStubTask("tunnel", &order, &mu)
	fake := remotetest.New().On("scancel 42", func(string, []byte) (*remote.Result, error) {
		mu.Lock()
		order = append(order, "scancel")
		mu.Unlock()
		return &remote.Result{}, nil
	})
	rec := &report.Recorder{}
	sup := &Supervisor{Runner: fake, Reporter: rec}
	r := Resources{LogStream: logs, Tunnel: tun, JobID: "42"}

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sup.Cleanup(context.Background(), r) {
				ran.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, []string{"logs", "tunnel", "scancel"}, order)
	assert.Equal(t, int32(1), logs.stops.Load())
	assert.Equal(t, int32(1), tun.stops.Load())
	assert.Equal(t, 1, fake.Count("scancel"))
	assert.Equal(t, []string{"log stream", "tunnel", "job 42"}, rec.Texts("released"))
}

func TestCleanupWithoutJobNeverCancels(t *testing.T) {
	fake := remotetest.New()
	sup := &Supervisor{Runner: fake}
	require.True(t, sup.Cleanup(context.Background(), Resources{}))
	assert.Empty(t, fake.Calls())
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	logs := newStubTask("logs", nil, nil)
	logs.err = errors.New("kill: operation not permitted")
	fake := remotetest.New().On("scancel", func(cmd string, _ []byte) (*remote.Result, error) {
		return nil, remotetest.TransportFailure(cmd)
	})
	rec := &report.Recorder{}
	sup := &Supervisor{Runner: fake, Reporter: rec}
	require.True(t, sup.Cleanup(context.Background(), Resources{LogStream: logs, JobID: "7"}))

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "log stream", events[0].Text)
	assert.Error(t, events[0].Err)
	assert.Equal(t, "job 7", events[1].Text)
	assert.Error(t, events[1].Err)
}

func TestCleanupTreatsVanishedJobAsReleased(t *testing.T) {
	fake := remotetest.New().On("scancel", func(string, []byte) (*remote.Result, error) {
		return &remote.Result{Stderr: "scancel: error: Kill job error on job id 5: Invalid job id specified", ExitCode: 1}, nil
	})
	rec := &report.Recorder{}
	sup := &Supervisor{Runner: fake, Reporter: rec}
	sup.Cleanup(context.Background(), Resources{JobID: "5"})
	events := rec.Events()
	require.Len(t, events, 1)
	assert.NoError(t, events[0].Err)
}

func TestCleanupRunsAfterCancellation(t *testing.T) {
	fake := remotetest.New().Reply("scancel", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sup := &Supervisor{Runner: fake}
	sup.Cleanup(ctx, Resources{JobID: "3"})
	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "scancel 3", calls[0].Command)
}

func TestCleanupRejectsMalformedJobID(t *testing.T) {
	fake := remotetest.New().Reply("scancel", "")
	rec := &report.Recorder{}
	sup := &Supervisor{Runner: fake, Reporter: rec}
	require.True(t, sup.Cleanup(context.Background(), Resources{JobID: "42; rm -rf ~"}))
	assert.Empty(t, fake.Calls())
	events := rec.Events()
	require.Len(t, events, 1)
	assert.ErrorContains(t, events[0].Err, "malformed job id")
}
