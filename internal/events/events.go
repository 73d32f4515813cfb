// Package events mirrors session transitions to NATS JetStream so other
// tools can follow sessions without talking to the cluster.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/antonkrylov/hpcconnect/internal/session"
)

// Event is one session transition.
type Event struct {
	SessionID string    `json:"sessionId"`
	Workload  string    `json:"workload"`
	JobID     string    `json:"jobId,omitempty"`
	Seq       int       `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Node      string    `json:"node,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent builds the event for a transition.
func NewEvent(snap session.Snapshot, from, to session.State, at time.Time) Event {
	ev := Event{
		SessionID: snap.ID,
		Workload:  snap.Workload,
		JobID:     snap.JobID,
		Seq:       snap.Seq,
		From:      from.String(),
		To:        to.String(),
		Node:      snap.Node,
		At:        at.UTC(),
	}
	if !snap.Address.IsZero() {
		ev.Addr = snap.Address.String()
	}
	return ev
}

// MsgID deduplicates redelivered publishes of the same transition.
func (e Event) MsgID() string {
	return fmt.Sprintf("session:%s:%d", e.SessionID, e.Seq)
}

// Mirror publishes events to a file-backed JetStream stream.
type Mirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   Options
	logger *slog.Logger
}

// Connect dials NATS and makes sure the stream exists.
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Mirror, error) {
	opts.setDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("hpcconnect"), nats.Timeout(5 * time.Second)}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	m := &Mirror{conn: conn, js: js, opts: opts, logger: logger}
	if err := m.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", opts.Stream, err)
	}
	return m, nil
}

func (m *Mirror) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		MaxAge:     m.opts.MaxAge,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
}

func (m *Mirror) ensureStream(ctx context.Context) error {
	cfg := m.streamConfig()
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

// Publish sends ev and waits for the stream's ack.
func (m *Mirror) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = m.js.Publish(Subject(m.opts.SubjectPrefix, ev.SessionID), payload,
		nats.MsgId(ev.MsgID()),
		nats.AckWait(m.opts.PublishTimeout),
	)
	return err
}

// OnTransition mirrors a session transition. Failures are logged only.
func (m *Mirror) OnTransition(snap session.Snapshot, from, to session.State) {
	ev := NewEvent(snap, from, to, time.Now())
	if err := m.Publish(ev); err != nil {
		m.logger.Warn("session event not mirrored", "session", ev.SessionID, "to", ev.To, "err", err)
	}
}

// Close flushes pending publishes and disconnects.
func (m *Mirror) Close() {
	if m.conn != nil {
		_ = m.conn.Drain()
		m.conn.Close()
	}
}

// Subject is where events of sessionID are published.
func Subject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.sessions.%s", prefix, sessionID)
}

func (m *Mirror) wildcard() string {
	return m.opts.SubjectPrefix + ".sessions.*"
}

var _ session.Observer = (*Mirror)(nil)
