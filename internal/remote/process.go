package remote

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stopGrace is how long Stop waits after SIGTERM before killing.
const stopGrace = 3 * time.Second

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.b = append(t.b[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.b)+len(p) <= t.max {
		t.b = append(t.b, p...)
		return len(p), nil
	}
	overflow := len(t.b) + len(p) - t.max
	copy(t.b, t.b[overflow:])
	t.b = t.b[:len(t.b)-overflow]
	t.b = append(t.b, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stderr *tailBuffer

	stopOnce sync.Once
	stopErr  error
}

// startProcess starts cmd and reaps it in the background. onExit runs after
// Wait returns and before Done is closed.
func startProcess(cmd *exec.Cmd, onExit func()) (*process, error) {
	p := &process{cmd: cmd, done: make(chan struct{})}
	if cmd.Stderr == nil {
		p.stderr = &tailBuffer{max: 4096}
		cmd.Stderr = p.stderr
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = stopGrace
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		err := cmd.Wait()
		if err != nil && p.stderr != nil {
			if tail := p.stderr.String(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
		}
		p.err = err
		if onExit != nil {
			onExit()
		}
		close(p.done)
	}()
	return p, nil
}

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Stop() error {
	p.stopOnce.Do(func() {
		if !p.Alive() {
			return
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = err
		}
		select {
		case <-p.done:
			return
		case <-time.After(stopGrace):
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = err
		}
		<-p.done
	})
	return p.stopErr
}

type stream struct {
	*process
	out io.Reader
}

func (s *stream) Output() io.Reader { return s.out }
