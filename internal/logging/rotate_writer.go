package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxSize    = 10 * 1024 * 1024
	defaultMaxBackups = 5
)

// rotateWriter appends to path and renames it to path.1 ... path.N once a
// write would grow it past maxSize.
type rotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotateWriter(path string, maxSize int64, maxBackups int) (*rotateWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	rw := &rotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotateWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rw.file = f
	rw.size = fi.Size()
	return nil
}

func (rw *rotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxSize {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

func (rw *rotateWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rw.file = nil
	for i := rw.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	_ = os.Rename(rw.path, rw.path+".1")
	return rw.open()
}

func (rw *rotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Sync()
	}
	return nil
}
