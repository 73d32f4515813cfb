// Package session drives one remote compute session from submission to
// teardown and guarantees its resources are released exactly once.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/hpcconnect/internal/service"
)

// State is a session lifecycle state. Non-terminal states only move forward.
type State int

const (
	Created State = iota
	Submitted
	Pending
	Running
	ServiceReady
	Connected
	Terminated
	Failed
)

var stateNames = [...]string{"Created", "Submitted", "Pending", "Running", "ServiceReady", "Connected", "Terminated", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == Terminated || s == Failed
}

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAlreadyAssigned   = errors.New("already assigned")
)

// Transition is one accepted state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Snapshot is a consistent copy of the session's mutable fields.
type Snapshot struct {
	ID       string
	Workload string
	JobID    string
	Node     string
	Address  service.Address
	State    State
	Seq      int
}

// Observer is told about every accepted transition, in order.
type Observer interface {
	OnTransition(snap Snapshot, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(snap Snapshot, from, to State)

func (f ObserverFunc) OnTransition(snap Snapshot, from, to State) { f(snap, from, to) }

// Session is mutated only by the Orchestrator that owns it.
type Session struct {
	ID                string
	WorkloadName      string
	RequestedDuration time.Duration
	RemoteWorkDir     string
	LocalPort         int
	StartedAt         time.Time

	mu        sync.Mutex
	state     State
	jobID     string
	node      string
	addr      service.Address
	history   []Transition
	observers []Observer
}

func New(workload string, duration time.Duration, remoteWorkDir string, localPort int) *Session {
	return &Session{
		ID:                uuid.NewString(),
		WorkloadName:      workload,
		RequestedDuration: duration,
		RemoteWorkDir:     remoteWorkDir,
		LocalPort:         localPort,
		StartedAt:         time.Now(),
	}
}

// Observe registers o for future transitions.
func (s *Session) Observe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) JobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobID
}

func (s *Session) Node() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

func (s *Session) Address() service.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// History returns accepted transitions in order.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:       s.ID,
		Workload: s.WorkloadName,
		JobID:    s.jobID,
		Node:     s.node,
		Address:  s.addr,
		State:    s.state,
		Seq:      len(s.history),
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Transition moves the session to to. Forward moves may skip states; Failed
// and Terminated are reachable from any non-terminal state and absorb.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := s.state
	if from.Terminal() || to <= from || to > Failed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.history = append(s.history, Transition{From: from, To: to, At: time.Now()})
	snap := s.snapshotLocked()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.OnTransition(snap, from, to)
	}
	return nil
}

// Advance transitions to to unless the session is already there or beyond.
func (s *Session) Advance(to State) error {
	cur := s.State()
	if !cur.Terminal() && cur >= to {
		return nil
	}
	return s.Transition(to)
}

func (s *Session) assign(field string, dst *string, v string) error {
	if v == "" {
		return fmt.Errorf("%s: empty value", field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if *dst != "" {
		return fmt.Errorf("%s: %w", field, ErrAlreadyAssigned)
	}
	*dst = v
	return nil
}

// AssignJobID records the scheduler job id. Write-once.
func (s *Session) AssignJobID(id string) error {
	return s.assign("job id", &s.jobID, id)
}

// AssignNode records the compute node. Write-once.
func (s *Session) AssignNode(node string) error {
	return s.assign("node", &s.node, node)
}

// AssignAddress records the service address. Write-once.
func (s *Session) AssignAddress(a service.Address) error {
	if a.Host == "" || a.Port == 0 {
		return fmt.Errorf("service address: empty value")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.addr.IsZero() {
		return fmt.Errorf("service address: %w", ErrAlreadyAssigned)
	}
	s.addr = a
	return nil
}
