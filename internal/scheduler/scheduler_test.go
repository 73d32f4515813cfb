package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/poll"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/remote/remotetest"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"01:00:00":   time.Hour,
		"00:00:30":   30 * time.Second,
		"100:05:09":  100*time.Hour + 5*time.Minute + 9*time.Second,
		"1-02:00:00": 26 * time.Hour,
		" 02:30:00 ": 2*time.Hour + 30*time.Minute,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, in := range []string{"", "1:00", "00:00:00", "01:60:00", "01:00:61", "01:5:00", "aa:00:00", "-1:00:00", "x-01:00:00"} {
		_, err := ParseDuration(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, errkind.ErrConfig, in)
	}
}

func TestParseDurationRejectsOverflow(t *testing.T) {
	for _, in := range []string{"999999999999:00:00", "2562048:00:00", "106752-00:00:00", "99999999999999999999:00:00"} {
		d, err := ParseDuration(in)
		require.ErrorIs(t, err, errkind.ErrConfig, in)
		assert.Zero(t, d, in)
	}
	d, err := ParseDuration("2562046:00:00")
	require.NoError(t, err)
	assert.Equal(t, 2562046*time.Hour, d)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "01:00:00", FormatDuration(time.Hour))
	assert.Equal(t, "26:00:05", FormatDuration(26*time.Hour+5*time.Second))
	assert.Equal(t, "00:00:00", FormatDuration(-time.Second))
}

func TestParseJobID(t *testing.T) {
	id, err := ParseJobID("Submitted batch job 81234\n")
	require.NoError(t, err)
	assert.Equal(t, "81234", id)

	id, err = ParseJobID("sbatch: warning: partition default\n4411;cluster-a\n")
	require.NoError(t, err)
	assert.Equal(t, "4411", id)

	_, err = ParseJobID("sbatch: error: Batch job submission failed")
	assert.ErrorIs(t, err, errkind.ErrParse)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("RUNNING|node07|gpu\n")
	require.NoError(t, err)
	assert.Equal(t, Status{State: StateRunning, Node: "node07", Partition: "gpu"}, st)

	st, err = ParseStatus("\nPENDING|(null)|gpu")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.Empty(t, st.Node)

	st, err = ParseStatus("CANCELLED by 1001||gpu")
	require.NoError(t, err)
	assert.True(t, st.State.IsTerminal())

	_, err = ParseStatus("garbage")
	assert.ErrorIs(t, err, errkind.ErrParse)
}

func TestQueuePosition(t *testing.T) {
	out := "100|50\n200|60\n100|42\nbad line\n100|45\n"
	pos, total, ok := QueuePosition(out, "45")
	require.True(t, ok)
	assert.Equal(t, 3, pos)
	assert.Equal(t, 4, total)

	pos, _, ok = QueuePosition(out, "60")
	require.True(t, ok)
	assert.Equal(t, 1, pos)

	_, _, ok = QueuePosition(out, "999")
	assert.False(t, ok)
}

func TestIsJobGone(t *testing.T) {
	assert.True(t, IsJobGone(&remote.Result{Stderr: "slurm_load_jobs error: Invalid job id specified", ExitCode: 1}))
	assert.False(t, IsJobGone(&remote.Result{Stderr: "Socket timed out", ExitCode: 1}))
	assert.False(t, IsJobGone(nil))
}

func TestFilesForAndWorkDir(t *testing.T) {
	f := FilesFor("hpcconnect", "42")
	assert.Equal(t, "hpcconnect/logs/job-42.out", f.Output)
	assert.Equal(t, "hpcconnect/logs/job-42.err", f.Error)
	assert.Equal(t, "hpcconnect/run/service-42.addr", f.Address)

	assert.Equal(t, "x/y", NormalizeWorkDir("~/x/y/"))
	assert.Equal(t, ".", NormalizeWorkDir("~"))
	assert.Equal(t, "/scratch/u", NormalizeWorkDir("/scratch/u"))
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "squeue -h -j 42 -o '%T|%N|%P'", StatusCommand("42"))
	assert.Equal(t, "squeue -h -t PENDING -o '%Q|%i' -p 'gpu'", QueueCommand("gpu"))
	assert.Equal(t, "scancel 42", CancelCommand("42"))
	assert.True(t, ValidJobID("42"))
	assert.True(t, ValidJobID("42_3"))
	assert.False(t, ValidJobID("42; rm -rf ~"))
}

func TestScriptRendersDirectives(t *testing.T) {
	s := &Submitter{WorkDir: "hpcconnect"}
	script, err := s.Script(JobRequest{
		JobName:      "jupyter",
		Duration:     90 * time.Minute,
		Partition:    "gpu",
		GPUs:         2,
		WorkloadPath: "/opt/notebooks",
		Command:      "jupyter lab --port $SERVICE_PORT",
		Env:          map[string]string{"MODE": "it's on"},
	})
	require.NoError(t, err)
	text := string(script)
	assert.True(t, strings.HasPrefix(text, "#!/bin/bash\n"))
	assert.Contains(t, text, "#SBATCH --time=01:30:00")
	assert.Contains(t, text, "#SBATCH --partition=gpu")
	assert.Contains(t, text, "#SBATCH --gres=gpu:2")
	assert.NotContains(t, text, "--account")
	assert.Contains(t, text, "#SBATCH --output=logs/job-%j.out")
	assert.Contains(t, text, `export MODE='it'"'"'s on'`)
	assert.Contains(t, text, "cd '/opt/notebooks'")
	assert.Contains(t, text, "echo '"+DefaultStartMarker+"'")
	assert.Contains(t, text, "jupyter lab --port $SERVICE_PORT &")
	assert.Contains(t, text, "run/service-${SLURM_JOB_ID}.addr")
}

func TestScriptRejectsBadRequests(t *testing.T) {
	s := &Submitter{}
	_, err := s.Script(JobRequest{JobName: "x", Duration: time.Hour})
	assert.ErrorIs(t, err, errkind.ErrConfig)
	_, err = s.Script(JobRequest{JobName: "x", Command: "true"})
	assert.ErrorIs(t, err, errkind.ErrConfig)
	_, err = s.Script(JobRequest{JobName: "x", Command: "true", Duration: time.Hour, Env: map[string]string{"BAD-NAME": "1"}})
	assert.ErrorIs(t, err, errkind.ErrConfig)
}

func TestSubmitUploadsAndParses(t *testing.T) {
	fake := remotetest.New().Reply("sbatch", "Submitted batch job 77\n")
	s := &Submitter{Runner: fake, WorkDir: "hpcconnect"}
	id, err := s.Submit(context.Background(), JobRequest{JobName: "jupyter", ScriptName: "jupyter-abc", Duration: time.Hour, Command: "serve"})
	require.NoError(t, err)
	assert.Equal(t, "77", id)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pipe", calls[0].Kind)
	assert.Equal(t, "mkdir -p 'hpcconnect'/logs 'hpcconnect'/run && cd 'hpcconnect' && cat > 'run/jupyter-abc.sbatch' && sbatch 'run/jupyter-abc.sbatch'", calls[0].Command)
	assert.Contains(t, calls[0].Stdin, "#SBATCH --job-name=jupyter")
}

func TestSubmitFailuresAreSubmissionErrors(t *testing.T) {
	ctx := context.Background()
	req := JobRequest{JobName: "w", Duration: time.Hour, Command: "serve"}

	rejected := remotetest.New().On("sbatch", func(string, []byte) (*remote.Result, error) {
		return &remote.Result{Stderr: "sbatch: error: invalid partition specified", ExitCode: 1}, nil
	})
	_, err := (&Submitter{Runner: rejected}).Submit(ctx, req)
	require.ErrorIs(t, err, errkind.ErrSubmission)
	assert.Contains(t, errkind.DetailOf(err), "invalid partition")

	unreachable := remotetest.New().On("sbatch", func(cmd string, _ []byte) (*remote.Result, error) {
		return nil, remotetest.TransportFailure(cmd)
	})
	_, err = (&Submitter{Runner: unreachable}).Submit(ctx, req)
	require.ErrorIs(t, err, errkind.ErrSubmission)
	assert.Equal(t, errkind.ErrSubmission, errkind.KindOf(err))
	assert.Equal(t, 1, unreachable.Count("sbatch"))

	garbled := remotetest.New().Reply("sbatch", "queued\n")
	_, err = (&Submitter{Runner: garbled}).Submit(ctx, req)
	require.ErrorIs(t, err, errkind.ErrSubmission)
}

func fastPoller(r remote.Runner) *Poller {
	return &Poller{Runner: r, Interval: 5 * time.Millisecond, Timeout: 2 * time.Second}
}

func TestWaitRunningReportsTransitionsAndQueue(t *testing.T) {
	fake := remotetest.New().
		Sequence("squeue -h -j 42", "PENDING||gpu", "PENDING||gpu", "CONFIGURING|node07|gpu", "RUNNING|node07|gpu").
		Reply("squeue -h -t PENDING", "10|41\n10|42\n")

	var mu sync.Mutex
	var transitions []string
	var positions []int
	p := fastPoller(fake)
	p.Partition = "gpu"
	p.OnTransition = func(from, to JobState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, from.String()+">"+to.String())
	}
	p.OnQueuePosition = func(pos, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, total)
		positions = append(positions, pos)
	}

	st, err := p.WaitRunning(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "node07", st.Node)
	assert.Equal(t, []string{"UNKNOWN>PENDING", "PENDING>CONFIGURING", "CONFIGURING>RUNNING"}, transitions)
	assert.Equal(t, []int{2, 2}, positions)
	assert.Equal(t, 4, fake.Count("squeue -h -j 42"))
}

func TestWaitRunningAbsorbsTransportFailures(t *testing.T) {
	var mu sync.Mutex
	n := 0
	fake := remotetest.New().On("squeue -h -j 7", func(cmd string, _ []byte) (*remote.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < 3 {
			return nil, remotetest.TransportFailure(cmd)
		}
		return &remote.Result{Stdout: "RUNNING|node01|cpu\n"}, nil
	})
	st, err := fastPoller(fake).WaitRunning(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, "node01", st.Node)
}

func TestWaitRunningVanishedJob(t *testing.T) {
	for name, handler := range map[string]remotetest.Handler{
		"empty": func(string, []byte) (*remote.Result, error) {
			return &remote.Result{}, nil
		},
		"invalid id": func(string, []byte) (*remote.Result, error) {
			return &remote.Result{Stderr: "slurm_load_jobs error: Invalid job id specified", ExitCode: 1}, nil
		},
	} {
		t.Run(name, func(t *testing.T) {
			fake := remotetest.New().On("squeue", handler)
			_, err := fastPoller(fake).WaitRunning(context.Background(), "9")
			require.ErrorIs(t, err, errkind.ErrSubmission)
			assert.Equal(t, 1, fake.Count("squeue"))
		})
	}
}

func TestWaitRunningTerminalBeforeRunning(t *testing.T) {
	fake := remotetest.New().Sequence("squeue -h -j 5", "PENDING||gpu", "FAILED||gpu")
	_, err := fastPoller(fake).WaitRunning(context.Background(), "5")
	require.ErrorIs(t, err, errkind.ErrSubmission)
	assert.Contains(t, err.Error(), "FAILED")
}

func TestWaitRunningTimeout(t *testing.T) {
	fake := remotetest.New().Reply("squeue -h -j 3", "PENDING||gpu")
	p := &Poller{Runner: fake, Interval: 10 * time.Millisecond, Timeout: 60 * time.Millisecond}
	start := time.Now()
	_, err := p.WaitRunning(context.Background(), "3")
	require.ErrorIs(t, err, errkind.ErrJobStartTimeout)
	assert.ErrorIs(t, err, poll.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitRunningCancelled(t *testing.T) {
	fake := remotetest.New().Reply("squeue -h -j 3", "PENDING||gpu")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := fastPoller(fake).WaitRunning(ctx, "3")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, errkind.ErrJobStartTimeout)
}

func TestWaitRunningRejectsMalformedJobID(t *testing.T) {
	fake := remotetest.New().Reply("squeue", "RUNNING|node07|gpu")
	_, err := fastPoller(fake).WaitRunning(context.Background(), "42 -u root")
	require.ErrorIs(t, err, errkind.ErrParse)
	assert.Empty(t, fake.Calls())
}
