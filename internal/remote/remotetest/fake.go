// Package remotetest provides an in-memory Remote Control Channel for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
	"github.com/antonkrylov/hpcconnect/internal/remote"
)

// Handler answers a command. stdin is nil for Run.
type Handler func(command string, stdin []byte) (*remote.Result, error)

// Call is one recorded invocation.
type Call struct {
	Kind    string // run, pipe, stream, forward
	Command string
	Stdin   string
}

type route struct {
	match string
	fn    Handler
}

// Fake implements remote.Runner and remote.Forwarder. Routes are matched by
// substring in registration order; unmatched commands exit 127.
type Fake struct {
	mu      sync.Mutex
	routes  []route
	streams []streamRoute
	calls   []Call

	// ForwardFunc answers Forward; nil starts a live Process.
	ForwardFunc func(spec remote.ForwardSpec) (remote.Process, error)
	forwards    []*Process
}

type streamRoute struct {
	match string
	fn    func(command string) (*Process, error)
}

func New() *Fake {
	return &Fake{}
}

// On registers fn for commands containing match.
func (f *Fake) On(match string, fn Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, route{match: match, fn: fn})
	return f
}

// Reply registers a fixed successful reply.
func (f *Fake) Reply(match, stdout string) *Fake {
	return f.On(match, func(string, []byte) (*remote.Result, error) {
		return &remote.Result{Stdout: stdout}, nil
	})
}

// Sequence replies with outputs in order, repeating the last one.
func (f *Fake) Sequence(match string, outputs ...string) *Fake {
	var mu sync.Mutex
	i := 0
	return f.On(match, func(string, []byte) (*remote.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		out := outputs[i]
		if i < len(outputs)-1 {
			i++
		}
		return &remote.Result{Stdout: out}, nil
	})
}

// OnStream registers a stream factory for commands containing match.
func (f *Fake) OnStream(match string, fn func(command string) (*Process, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, streamRoute{match: match, fn: fn})
	return f
}

// TransportFailure is a ready-made transient error.
func TransportFailure(command string) error {
	return errkind.Newf(errkind.ErrTransport, "fake ssh", "%s: connection reset", command)
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) handler(command string) Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.routes {
		if strings.Contains(command, r.match) {
			return r.fn
		}
	}
	return nil
}

func (f *Fake) Run(ctx context.Context, command string) (*remote.Result, error) {
	return f.call(ctx, "run", command, nil)
}

func (f *Fake) Pipe(ctx context.Context, command string, stdin io.Reader) (*remote.Result, error) {
	var data []byte
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return f.call(ctx, "pipe", command, data)
}

func (f *Fake) call(ctx context.Context, kind, command string, stdin []byte) (*remote.Result, error) {
	f.record(Call{Kind: kind, Command: command, Stdin: string(stdin)})
	if err := ctx.Err(); err != nil {
		return nil, errkind.New(errkind.ErrTransport, "fake ssh", err)
	}
	h := f.handler(command)
	if h == nil {
		return &remote.Result{Stderr: "command not found", ExitCode: 127}, nil
	}
	return h(command, stdin)
}

func (f *Fake) Stream(ctx context.Context, command string) (remote.Stream, error) {
	f.record(Call{Kind: "stream", Command: command})
	f.mu.Lock()
	var fn func(string) (*Process, error)
	for _, r := range f.streams {
		if strings.Contains(command, r.match) {
			fn = r.fn
			break
		}
	}
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("fake: no stream for %q", command)
	}
	p, err := fn(command)
	if err != nil {
		return nil, err
	}
	p.bind(ctx)
	return p, nil
}

func (f *Fake) Forward(ctx context.Context, spec remote.ForwardSpec) (remote.Process, error) {
	f.record(Call{Kind: "forward", Command: fmt.Sprintf("-L 127.0.0.1:%d:%s:%d", spec.LocalPort, spec.TargetHost, spec.TargetPort)})
	if f.ForwardFunc != nil {
		return f.ForwardFunc(spec)
	}
	p := NewProcess()
	p.bind(ctx)
	f.mu.Lock()
	f.forwards = append(f.forwards, p)
	f.mu.Unlock()
	return p, nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many recorded commands contain match.
func (f *Fake) Count(match string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, match) {
			n++
		}
	}
	return n
}

// Forwards returns the processes started by Forward without a ForwardFunc.
func (f *Fake) Forwards() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Process(nil), f.forwards...)
}

// Process is a controllable remote.Stream.
type Process struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu    sync.Mutex
	done  chan struct{}
	err   error
	once  sync.Once
	stops int
}

// NewProcess returns a live process whose output is fed with Emit.
func NewProcess() *Process {
	pr, pw := io.Pipe()
	return &Process{pr: pr, pw: pw, done: make(chan struct{})}
}

// ExitedProcess returns a process that has already ended with err.
func ExitedProcess(err error) *Process {
	p := NewProcess()
	p.Exit(err)
	return p
}

func (p *Process) bind(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			p.Exit(ctx.Err())
		case <-p.done:
		}
	}()
}

// Emit writes lines to the output. It blocks until they are read.
func (p *Process) Emit(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(p.pw, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Exit ends the process with err. Only the first call has effect.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		_ = p.pw.Close()
		close(p.done)
	})
}

func (p *Process) Output() io.Reader     { return p.pr }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

var errStopped = errors.New("signal: terminated")

func (p *Process) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.Exit(errStopped)
	return nil
}

// Stops reports how many times Stop was called.
func (p *Process) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
