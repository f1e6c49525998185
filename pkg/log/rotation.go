// Log file rotation for the daemon log
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter is an io.Writer that starts a new file once the current
// one would exceed MaxSize. Old files are kept as name.1, name.2, ... with
// name.1 the most recent.
type RotatingWriter struct {
	mu         sync.Mutex
	filename   string
	maxSize    int64
	maxBackups int
	compress   bool
	size       int64
	file       *os.File
	rotations  int
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the size in bytes that triggers rotation. Default 10 MiB.
	MaxSize int64

	// MaxBackups is the number of old files kept. Default 5.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

const defaultMaxSize = 10 << 20

// NewRotatingWriter opens (or creates) the log file for appending.
func NewRotatingWriter(config RotationConfig) (*RotatingWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log: rotation filename is required")
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultMaxSize
	}
	if config.MaxBackups <= 0 {
		config.MaxBackups = 5
	}
	w := &RotatingWriter{
		filename:   config.Filename,
		maxSize:    config.MaxSize,
		maxBackups: config.MaxBackups,
		compress:   config.Compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) backupName(i int) string {
	name := fmt.Sprintf("%s.%d", w.filename, i)
	if w.compress {
		name += ".gz"
	}
	return name
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	w.file = nil

	os.Remove(w.backupName(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backupName(i)); err == nil {
			os.Rename(w.backupName(i), w.backupName(i+1))
		}
	}

	var err error
	if w.compress {
		err = gzipFile(w.filename, w.backupName(1))
	} else {
		err = os.Rename(w.filename, w.backupName(1))
	}
	if openErr := w.open(); openErr != nil {
		return openErr
	}
	w.rotations++
	return err
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Close closes the current file.
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

// Size returns the size of the current file.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Rotations returns how many times the file has been rotated.
func (w *RotatingWriter) Rotations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotations
}

// LogToFile sends the default logger's output to a rotating file, and also
// to stderr when console is true. The returned writer must be closed on exit.
func LogToFile(config RotationConfig, console bool) (*RotatingWriter, error) {
	w, err := NewRotatingWriter(config)
	if err != nil {
		return nil, err
	}
	if console {
		Default().SetWriter(io.MultiWriter(os.Stderr, w))
	} else {
		Default().SetWriter(w)
	}
	return w, nil
}
