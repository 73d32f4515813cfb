// Package report renders operator-facing session progress. Diagnostics go to
// slog; everything here is meant to be read by a person.
package report

import (
	"fmt"
	"sync"
)

// Reporter receives session progress.
type Reporter interface {
	Progress(format string, args ...any)
	Transition(from, to string)
	QueuePosition(pos, total int)
	LogLine(line string)
	Warn(format string, args ...any)
	// Released reports the outcome of one cleanup step; err nil means the
	// resource is gone.
	Released(resource string, err error)
	Connected(url string)
	Failure(err error)
}

// Discard drops everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Progress(string, ...any)   {}
func (discard) Transition(string, string) {}
func (discard) QueuePosition(int, int)    {}
func (discard) LogLine(string)            {}
func (discard) Warn(string, ...any)       {}
func (discard) Released(string, error)    {}
func (discard) Connected(string)          {}
func (discard) Failure(error)             {}

// Event is one call recorded by Recorder.
type Event struct {
	Kind string
	Text string
	Err  error
}

// Recorder keeps every call, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Progress(format string, args ...any) {
	r.add(Event{Kind: "progress", Text: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Transition(from, to string) {
	r.add(Event{Kind: "transition", Text: from + ">" + to})
}

func (r *Recorder) QueuePosition(pos, total int) {
	r.add(Event{Kind: "queue", Text: fmt.Sprintf("%d/%d", pos, total)})
}

func (r *Recorder) LogLine(line string) {
	r.add(Event{Kind: "log", Text: line})
}

func (r *Recorder) Warn(format string, args ...any) {
	r.add(Event{Kind: "warn", Text: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Released(resource string, err error) {
	r.add(Event{Kind: "released", Text: resource, Err: err})
}

func (r *Recorder) Connected(url string) {
	r.add(Event{Kind: "connected", Text: url})
}

func (r *Recorder) Failure(err error) {
	r.add(Event{Kind: "failure", Err: err})
}

// Events returns a copy of the recorded calls.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Texts returns the Text of every event of kind, in order.
func (r *Recorder) Texts(kind string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Text)
		}
	}
	return out
}
