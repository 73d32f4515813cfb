// Package logstream relays a running job's output to the operator.
package logstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/hpcconnect/internal/remote"
	"github.com/antonkrylov/hpcconnect/internal/scheduler"
)

// stopWait bounds how long Stop waits for the relay to drain.
const stopWait = 5 * time.Second

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Streamer starts log relays.
type Streamer struct {
	Runner remote.Runner
	// StartMarker hides everything up to and including the first line that
	// contains it. Empty relays everything.
	StartMarker string
	// ArchiveDir, when set, receives a zstd copy of relayed lines.
	ArchiveDir string
	OnLine     func(line string)
	Logger     *slog.Logger
}

func (s *Streamer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return discardLogger
}

// TailCommand follows both job files from the beginning, waiting for them to
// appear.
func TailCommand(files scheduler.JobFiles) string {
	return fmt.Sprintf("tail -q -n +1 -F %s %s 2>/dev/null", remote.Quote(files.Output), remote.Quote(files.Error))
}

// Start begins relaying. The returned Task runs until ctx is done, the remote
// read ends, or Stop is called.
func (s *Streamer) Start(ctx context.Context, files scheduler.JobFiles) (*Task, error) {
	var archive *Archive
	if s.ArchiveDir != "" {
		a, err := OpenArchive(s.ArchiveDir, files.JobID)
		if err != nil {
			s.logger().Warn("log archive disabled", "job", files.JobID, "err", err)
		} else {
			archive = a
		}
	}
	stream, err := s.Runner.Stream(ctx, TailCommand(files))
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		return nil, fmt.Errorf("start log stream for job %s: %w", files.JobID, err)
	}
	t := &Task{
		stream:  stream,
		archive: archive,
		done:    make(chan struct{}),
		logger:  s.logger().With("job", files.JobID),
	}
	go t.relay(stream.Output(), s.StartMarker, s.OnLine)
	return t, nil
}

// Task is a running log relay.
type Task struct {
	stream  remote.Stream
	archive *Archive
	logger  *slog.Logger

	done  chan struct{}
	err   error
	lines atomic.Int64

	stopOnce sync.Once
	stopErr  error
}

func (t *Task) relay(r io.Reader, marker string, onLine func(string)) {
	defer close(t.done)
	started := marker == ""
	reader := bufio.NewReader(r)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 {
			line := bytes.TrimRight(data, "\r\n")
			switch {
			case started:
				t.emit(line, onLine)
			case bytes.Contains(line, []byte(marker)):
				started = true
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.err = err
			}
			break
		}
	}
	if t.err == nil {
		<-t.stream.Done()
		t.err = t.stream.Err()
	}
	if t.archive != nil {
		if err := t.archive.Close(); err != nil {
			t.logger.Warn("close log archive", "path", t.archive.Path, "err", err)
		}
	}
	t.logger.Debug("log relay ended", "lines", t.lines.Load(), "err", t.err)
}

func (t *Task) emit(line []byte, onLine func(string)) {
	t.lines.Add(1)
	if onLine != nil {
		onLine(string(line))
	}
	if t.archive != nil {
		if err := t.archive.WriteLine(line); err != nil {
			t.logger.Debug("archive write", "err", err)
		}
	}
}

func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Err is why the relay ended; nil while it runs.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Lines counts relayed lines.
func (t *Task) Lines() int64 { return t.lines.Load() }

// ArchivePath is the archive file, or "" when archiving is off.
func (t *Task) ArchivePath() string {
	if t.archive == nil {
		return ""
	}
	return t.archive.Path
}

// Stop ends the remote read and waits briefly for the relay to drain. Safe
// to call repeatedly.
func (t *Task) Stop() error {
	t.stopOnce.Do(func() {
		t.stopErr = t.stream.Stop()
		select {
		case <-t.done:
		case <-time.After(stopWait):
			t.logger.Warn("log relay did not drain")
		}
	})
	return t.stopErr
}
