// Package remote executes commands on the cluster login host. Short control
// calls (Run, Pipe) are individually time-boxed; long-lived reads (Stream) and
// port forwards (Forward) run as background processes the caller must Stop.
package remote

import (
	"context"
	"io"
	"strings"
)

// Result is the outcome of a remote command that reached the remote host.
// A non-zero ExitCode is not a transport failure.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports a zero exit status.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns trimmed stdout.
func (r *Result) Output() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Stdout)
}

// Runner is the Remote Control Channel.
type Runner interface {
	Run(ctx context.Context, command string) (*Result, error)
	Pipe(ctx context.Context, command string, stdin io.Reader) (*Result, error)
	Stream(ctx context.Context, command string) (Stream, error)
}

// Process is a background local process such as an ssh forward.
type Process interface {
	Done() <-chan struct{}
	// Err is the exit error once Done is closed.
	Err() error
	Alive() bool
	// Stop terminates the process and waits for it. Safe to call repeatedly.
	Stop() error
}

// Stream is a long-lived remote read with stdout and stderr merged.
type Stream interface {
	Process
	Output() io.Reader
}

// ForwardSpec describes a local port forward to a host reachable from the
// login host.
type ForwardSpec struct {
	LocalPort  int
	TargetHost string
	TargetPort int
}

// Forwarder opens port forwards through the login host.
type Forwarder interface {
	Forward(ctx context.Context, spec ForwardSpec) (Process, error)
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
