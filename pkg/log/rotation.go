// Logfile rotation for the ERCF controller
//
// Size-based rotation with numbered backups (ercf.log, ercf.log.1, ...).
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFileWriter implements io.Writer with automatic file rotation.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// RotationConfig configures logfile rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the maximum size in bytes before rotation.
	// Default is 1 MB.
	MaxSize int64

	// MaxBackups is the number of numbered backups to retain.
	// Default is 5.
	MaxBackups int
}

// NewRotatingFileWriter creates a new rotating file writer.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}
	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    config.MaxSize,
		maxBackups: config.MaxBackups,
	}
	if w.maxSize <= 0 {
		w.maxSize = 1024 * 1024
	}
	if w.maxBackups <= 0 {
		w.maxBackups = 5
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) openFile() error {
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
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

func (w *RotatingFileWriter) backupName(i int) string {
	return fmt.Sprintf("%s.%d", w.filename, i)
}

// rotate shifts name.N-1 to name.N down to name to name.1.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close current file: %w", err)
	}
	w.file = nil

	os.Remove(w.backupName(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		src := w.backupName(i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, w.backupName(i+1)); err != nil {
				return fmt.Errorf("shift backup %d: %w", i, err)
			}
		}
	}
	if err := os.Rename(w.filename, w.backupName(1)); err != nil {
		w.openFile()
		return fmt.Errorf("rename log file: %w", err)
	}
	return w.openFile()
}

// Close closes the rotating file writer.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentSize returns the current file size.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// Filename returns the current log filename.
func (w *RotatingFileWriter) Filename() string {
	return w.filename
}

// AttachLogfile opens a rotating logfile next to dir and attaches it as
// the logfile sink of l at the given level.
func AttachLogfile(l *Logger, dir string, level LogLevel) (*RotatingFileWriter, error) {
	w, err := NewRotatingFileWriter(RotationConfig{
		Filename:   filepath.Join(dir, "ercf.log"),
		MaxSize:    1024 * 1024,
		MaxBackups: 5,
	})
	if err != nil {
		return nil, err
	}
	l.SetFileSink(w, level)
	return w, nil
}
