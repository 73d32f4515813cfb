package logstream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Archive appends relayed lines to a zstd-compressed file.
type Archive struct {
	Path string

	mu     sync.Mutex
	f      *os.File
	enc    *zstd.Encoder
	closed bool
}

// ArchivePath is where the log of jobID is archived under dir.
func ArchivePath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".log.zst")
}

// OpenArchive creates (or truncates) the archive for jobID.
func OpenArchive(dir, jobID string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	path := ArchivePath(dir, jobID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &Archive{Path: path, f: f, enc: enc}, nil
}

// WriteLine appends line and a newline.
func (a *Archive) WriteLine(line []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return os.ErrClosed
	}
	if _, err := a.enc.Write(line); err != nil {
		return err
	}
	_, err := a.enc.Write([]byte{'\n'})
	return err
}

// Close flushes the frame and closes the file. Safe to call repeatedly.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	encErr := a.enc.Close()
	fileErr := a.f.Close()
	if encErr != nil {
		return encErr
	}
	return fileErr
}
