package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// JobRequest is one workload submission.
type JobRequest struct {
	JobName string
	// ScriptName names the uploaded script under run/; unique per session.
	ScriptName   string
	Duration     time.Duration
	Partition    string
	Account      string
	GPUs         int
	CPUs         int
	MemoryGB     int
	WorkloadPath string
	Command      string
	Env          map[string]string
}

// Submitter uploads a rendered batch script and submits it in one remote call.
type Submitter struct {
	Runner      remote.Runner
	WorkDir     string
	Template    *Template
	StartMarker string
	Logger      *slog.Logger
}

func (s *Submitter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return discardLogger
}

// Script renders the batch script for req.
func (s *Submitter) Script(req JobRequest) ([]byte, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errkind.Newf(errkind.ErrConfig, "render job script", "workload %q has no command", req.JobName)
	}
	if req.Duration <= 0 {
		return nil, errkind.Newf(errkind.ErrConfig, "render job script", "duration must be positive")
	}
	tmpl := s.Template
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	marker := s.StartMarker
	if marker == "" {
		marker = DefaultStartMarker
	}
	return tmpl.Render(TemplateParams{
		JobName:      req.JobName,
		Duration:     FormatDuration(req.Duration),
		Partition:    req.Partition,
		Account:      req.Account,
		GPUs:         req.GPUs,
		CPUs:         req.CPUs,
		MemoryGB:     req.MemoryGB,
		WorkloadPath: req.WorkloadPath,
		Command:      req.Command,
		WorkDir:      s.WorkDir,
		OutputPath:   "logs/job-%j.out",
		ErrorPath:    "logs/job-%j.err",
		AddressFile:  "run/service-${SLURM_JOB_ID}.addr",
		StartMarker:  marker,
		Env:          req.Env,
	})
}

// Submit returns the scheduler job id. It is never retried: a lost
// acknowledgement could otherwise leave a second job running.
func (s *Submitter) Submit(ctx context.Context, req JobRequest) (string, error) {
	script, err := s.Script(req)
	if err != nil {
		return "", err
	}
	name := req.ScriptName
	if name == "" {
		name = req.JobName
	}
	scriptPath := path.Join("run", name+".sbatch")
	workDir := s.WorkDir
	if workDir == "" {
		workDir = "."
	}
	q := remote.Quote
	command := fmt.Sprintf("mkdir -p %s/logs %s/run && cd %s && cat > %s && sbatch %s",
		q(workDir), q(workDir), q(workDir), q(scriptPath), q(scriptPath))

	op := "submit " + req.JobName
	res, err := s.Runner.Pipe(ctx, command, bytes.NewReader(script))
	if err != nil {
		return "", errkind.New(errkind.ErrSubmission, op, err)
	}
	if !res.OK() {
		stderr := strings.TrimSpace(res.Stderr)
		return "", errkind.Newf(errkind.ErrSubmission, op, "sbatch exited %d: %s", res.ExitCode, stderr).WithDetail(stderr)
	}
	jobID, err := ParseJobID(res.Stdout)
	if err != nil {
		return "", errkind.New(errkind.ErrSubmission, op, err)
	}
	s.logger().Info("job submitted", "job", jobID, "workload", req.JobName, "script", path.Join(workDir, scriptPath))
	return jobID, nil
}
