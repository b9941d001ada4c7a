// SPDX-License-Identifier: MIT

// Package logging provides the rotating file writer capturesupd plugs
// into its slog handler when --log-file is set, so a 24/7 daemon's own
// log output doesn't grow unbounded the way an unattended capture
// process's logs otherwise would.
//
// Reference: adapted from internal/stream/logrotate.go's RotatingWriter,
// unchanged in mechanism (size-triggered rotation, numbered backlog,
// optional gzip of rotated files) since the daemon's own logging has the
// same shape as the per-stream FFmpeg log this was originally written for.
package logging

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxSize is the default maximum log file size before rotation.
	DefaultMaxSize = 10 * 1024 * 1024

	// DefaultMaxFiles is the default number of rotated log files to keep.
	DefaultMaxFiles = 5
)

// RotatingWriter is an io.Writer that rotates the underlying log file
// once it exceeds a size limit, keeping a bounded, optionally
// gzip-compressed backlog of prior files.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// Option configures a RotatingWriter.
type Option func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) Option {
	return func(w *RotatingWriter) { w.maxSize = size }
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) Option {
	return func(w *RotatingWriter) { w.maxFiles = count }
}

// WithCompression enables gzip compression of rotated files.
func WithCompression(compress bool) Option {
	return func(w *RotatingWriter) { w.compress = compress }
}

// NewRotatingWriter opens (or creates) path for append and returns a
// writer that rotates it according to opts.
func NewRotatingWriter(path string, opts ...Option) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxSize,
		maxFiles: DefaultMaxFiles,
	}
	for _, opt := range opts {
		opt(w)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil { // #nosec G301 -- log directory, not secret-bearing
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer, rotating first if p would push the file
// past maxSize.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			// Prefer writing past maxSize over losing log lines.
			_ = err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Rotate forces an immediate rotation.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate()
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		w.file = nil
	}

	if err := w.shiftFiles(); err != nil {
		return err
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}

	if w.compress {
		go w.compressFile(rotated)
	}

	w.cleanup()

	return w.openFile()
}

func (w *RotatingWriter) cleanup() {
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		path := w.rotatedPath(i)
		_ = os.Remove(path)
		_ = os.Remove(path + ".gz")
	}
}

func (w *RotatingWriter) openFile() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644) // #nosec G302 -- daemon log, not secret-bearing
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) shiftFiles() error {
	for i := w.maxFiles - 1; i >= 1; i-- {
		oldPath := w.rotatedPath(i)
		newPath := w.rotatedPath(i + 1)
		for _, ext := range []string{"", ".gz"} {
			old := oldPath + ext
			next := newPath + ext
			if _, err := os.Stat(old); err == nil {
				if err := os.Rename(old, next); err != nil {
					return fmt.Errorf("shift log file %s -> %s: %w", old, next, err)
				}
			}
		}
	}
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

func (w *RotatingWriter) compressFile(path string) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is this writer's own rotated log file
	if err != nil {
		return
	}
	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath) // #nosec G304 -- derived from this writer's own log path
	if err != nil {
		return
	}
	defer func() { _ = gzFile.Close() }()

	gw := gzip.NewWriter(gzFile)
	if _, err := gw.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gw.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	_ = os.Remove(path)
}
