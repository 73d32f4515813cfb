package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// DefaultCallTimeout bounds a single Run or Pipe call.
const DefaultCallTimeout = 30 * time.Second

// sshTransportExit is the status ssh itself uses for connection failures.
const sshTransportExit = 255

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// SSH runs commands on Host through the local ssh client.
type SSH struct {
	Host     string
	JumpHost string
	// Args are extra ssh arguments (e.g. -i key, -p port).
	Args        []string
	BatchMode   bool
	CallTimeout time.Duration
	// ControlPath enables connection multiplexing for control calls. Empty
	// disables it.
	ControlPath string
	Binary      string
	Logger      *slog.Logger
}

// NewSSH returns a channel with multiplexing and batch mode enabled.
func NewSSH(host string, logger *slog.Logger) *SSH {
	return &SSH{
		Host:        host,
		BatchMode:   true,
		CallTimeout: DefaultCallTimeout,
		ControlPath: "~/.ssh/hpcconnect-%C",
		Logger:      logger,
	}
}

func (c *SSH) binary() string {
	if strings.TrimSpace(c.Binary) != "" {
		return c.Binary
	}
	return "ssh"
}

func (c *SSH) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return discardLogger
}

func (c *SSH) commonArgs() []string {
	args := []string{
		// Avoid hanging too long on bad networks/DNS.
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
	}
	if c.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if j := strings.TrimSpace(c.JumpHost); j != "" {
		args = append(args, "-J", j)
	}
	return append(args, c.Args...)
}

// controlArgs are used for short-lived calls, which benefit from reusing one
// authenticated connection across many polls.
func (c *SSH) controlArgs() []string {
	args := c.commonArgs()
	if c.ControlPath != "" {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPersist=60s",
			"-o", "ControlPath="+c.ControlPath,
		)
	}
	return args
}

func remoteShell(command string) string {
	return "bash -lc " + Quote(command)
}

// Run executes command and returns its output, or a transport error.
func (c *SSH) Run(ctx context.Context, command string) (*Result, error) {
	return c.call(ctx, command, nil)
}

// Pipe executes command with stdin attached, e.g. `cat > file`.
func (c *SSH) Pipe(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	return c.call(ctx, command, stdin)
}

func (c *SSH) call(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}
	args := append(c.controlArgs(), c.Host, remoteShell(command))
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = stdin
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	c.logger().Debug("ssh call", "host", c.Host, "cmd", summarize(command), "took", time.Since(started), "err", err)
	if err == nil {
		return res, nil
	}
	op := "ssh " + c.Host
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errkind.Newf(errkind.ErrTransport, op, "%s: %w", summarize(command), ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == sshTransportExit || code < 0 {
			return nil, errkind.Newf(errkind.ErrTransport, op, "%s: %w: %s", summarize(command), err, strings.TrimSpace(res.Stderr))
		}
		res.ExitCode = code
		return res, nil
	}
	return nil, errkind.New(errkind.ErrTransport, op, err)
}

// Stream starts a long-lived remote command. It ends when the remote command
// exits, ctx is cancelled, or Stop is called.
func (c *SSH) Stream(ctx context.Context, command string) (Stream, error) {
	args := append(c.controlArgs(), c.Host, remoteShell(command))
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	p, err := startProcess(cmd, func() { _ = pw.Close() })
	if err != nil {
		_ = pw.Close()
		return nil, errkind.New(errkind.ErrTransport, "ssh stream", err)
	}
	c.logger().Debug("ssh stream started", "host", c.Host, "cmd", summarize(command))
	return &stream{process: p, out: pr}, nil
}

// Forward starts `ssh -N -L` as a background process. Multiplexing is off so
// the process lifetime is the forward's lifetime.
func (c *SSH) Forward(ctx context.Context, spec ForwardSpec) (Process, error) {
	args := c.commonArgs()
	args = append(args,
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ControlPath=none",
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", spec.LocalPort, spec.TargetHost, spec.TargetPort),
		"-N", c.Host,
	)
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	p, err := startProcess(cmd, nil)
	if err != nil {
		return nil, errkind.New(errkind.ErrTunnel, "start ssh forward", err)
	}
	c.logger().Debug("ssh forward started", "host", c.Host, "local", spec.LocalPort, "target", fmt.Sprintf("%s:%d", spec.TargetHost, spec.TargetPort))
	return p, nil
}

func summarize(command string) string {
	s := strings.Join(strings.Fields(command), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
