// Package tunnel forwards a local port to the job's service through the login
// host and waits until the service answers through it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/poll"
	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/service"
)

const (
	DefaultLocalPort     = 8000
	DefaultProbeInterval = 2 * time.Second
	DefaultProbeAttempts = 150
	DefaultStartupGrace  = 2 * time.Second
	// progressEvery throttles readiness progress to every Nth attempt.
	progressEvery = 5
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Tunnel is a running port forward. It is owned by the Manager that opened it;
// other holders only Stop it.
type Tunnel struct {
	LocalPort int
	Target    service.Address
	scheme    string
	proc      remote.Process
}

// URL is the local address the operator connects to.
func (t *Tunnel) URL() string {
	return localURL(t.scheme, t.LocalPort, "/")
}

func (t *Tunnel) Alive() bool           { return t.proc.Alive() }
func (t *Tunnel) Done() <-chan struct{} { return t.proc.Done() }
func (t *Tunnel) Err() error            { return t.proc.Err() }

// Stop terminates the forward. Safe to call repeatedly.
func (t *Tunnel) Stop() error { return t.proc.Stop() }

// Manager opens tunnels through the login host.
type Manager struct {
	Runner    remote.Runner
	Forwarder remote.Forwarder
	LocalPort int
	Scheme    string
	// Prober defaults to ProberFor(Scheme, "/health").
	Prober        Prober
	StartupGrace  time.Duration
	ProbeInterval time.Duration
	ProbeAttempts int
	CallTimeout   time.Duration
	// OnProgress is called on the first readiness attempt and every fifth after it.
	OnProgress func(attempt, max int, lastErr error)
	Logger     *slog.Logger
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return discardLogger
}

func (m *Manager) localPort() int {
	if m.LocalPort > 0 {
		return m.LocalPort
	}
	return DefaultLocalPort
}

// EnsurePortFree fails when something already listens on 127.0.0.1:port.
func EnsurePortFree(port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return errkind.Newf(errkind.ErrTunnel, "check local port", "port %d is in use: %w", port, err)
	}
	return l.Close()
}

// ReachabilityCommand checks from the login host that addr accepts TCP.
func ReachabilityCommand(addr service.Address) string {
	return fmt.Sprintf("timeout 5 bash -c %s", remote.Quote(fmt.Sprintf("echo > /dev/tcp/%s/%d", addr.Host, addr.Port)))
}

// Open checks the local port and the target, then starts the forward and
// makes sure it survives its startup grace period.
func (m *Manager) Open(ctx context.Context, addr service.Address) (*Tunnel, error) {
	port := m.localPort()
	op := fmt.Sprintf("tunnel 127.0.0.1:%d -> %s", port, addr)
	if err := EnsurePortFree(port); err != nil {
		return nil, err
	}

	checkCtx := ctx
	if m.CallTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, m.CallTimeout)
		defer cancel()
	}
	res, err := m.Runner.Run(checkCtx, ReachabilityCommand(addr))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errkind.New(errkind.ErrTunnel, op, err)
	}
	if !res.OK() {
		return nil, errkind.Newf(errkind.ErrTunnel, op, "%s is not reachable from the login host", addr)
	}

	proc, err := m.Forwarder.Forward(ctx, remote.ForwardSpec{LocalPort: port, TargetHost: addr.Host, TargetPort: addr.Port})
	if err != nil {
		return nil, errkind.New(errkind.ErrTunnel, op, err)
	}
	t := &Tunnel{LocalPort: port, Target: addr, scheme: m.Scheme, proc: proc}

	grace := m.StartupGrace
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return nil, errkind.Newf(errkind.ErrTunnel, op, "ssh forward exited during startup: %w", exitErr(proc))
	case <-ctx.Done():
		_ = proc.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	m.logger().Info("tunnel open", "local", port, "addr", addr.String())
	return t, nil
}

// WaitReady probes the service through t until it answers, the tunnel dies,
// or ProbeAttempts*ProbeInterval elapses.
func (m *Manager) WaitReady(ctx context.Context, t *Tunnel) error {
	interval, attempts := m.ProbeInterval, m.ProbeAttempts
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if attempts <= 0 {
		attempts = DefaultProbeAttempts
	}
	prober := m.Prober
	if prober == nil {
		p, err := ProberFor(m.Scheme, "/health")
		if err != nil {
			return errkind.New(errkind.ErrConfig, "health probe", err)
		}
		prober = p
	}
	op := "wait for service at " + t.URL()
	log := m.logger().With("addr", t.Target.String(), "local", t.LocalPort)

	progress := rate.Sometimes{Every: progressEvery}
	var lastErr error
	_, err := poll.Until(ctx, poll.Policy{
		Phase:       "tunnel_ready",
		Interval:    interval,
		Timeout:     time.Duration(attempts) * interval,
		CallTimeout: m.CallTimeout,
	}, func(ctx context.Context, attempt int) (bool, error) {
		if !t.Alive() {
			return false, poll.Permanent(errkind.Newf(errkind.ErrTunnel, op, "ssh forward exited: %w", exitErr(t.proc)))
		}
		progress.Do(func() {
			if m.OnProgress != nil {
				m.OnProgress(attempt, attempts, lastErr)
			}
		})
		err := prober.Probe(ctx, t.LocalPort)
		if err == nil {
			return true, nil
		}
		if !t.Alive() {
			return false, poll.Permanent(errkind.Newf(errkind.ErrTunnel, op, "ssh forward exited: %w", exitErr(t.proc)))
		}
		lastErr = err
		log.Debug("service not ready", "attempt", attempt, "err", err)
		return false, err
	})
	if err == nil {
		log.Info("service ready", "url", t.URL())
		return nil
	}
	if errors.Is(err, poll.ErrTimeout) {
		return errkind.New(errkind.ErrServiceUnreachable, op, err)
	}
	return err
}

func exitErr(p remote.Process) error {
	if err := p.Err(); err != nil {
		return err
	}
	return errors.New("exit status 0")
}
