// Package logging builds the per-component loggers.
//
// Every component logs through a standard *log.Logger with a bracketed
// prefix:
//
//	[coordinator] 2026/01/02 15:04:05 Sync complete: 1 signals pushed, ...
//
// When a log file is configured, output goes to a size-rotated file and,
// optionally, to stderr as well.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log destination.
type Options struct {
	// File is the log file path. Empty logs to stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Stderr also writes to stderr when File is set.
	Stderr bool
}

// Sink is a shared log destination.
type Sink struct {
	w      io.Writer
	closer io.Closer
}

// Open creates the sink described by opts.
func Open(opts Options) (*Sink, error) {
	if opts.File == "" {
		return &Sink{w: os.Stderr}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, err
	}

	rotating := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	s := &Sink{w: rotating, closer: rotating}
	if opts.Stderr {
		s.w = io.MultiWriter(rotating, os.Stderr)
	}
	return s, nil
}

// Discard returns a sink that drops everything.
func Discard() *Sink {
	return &Sink{w: io.Discard}
}

// Logger returns a logger for component, e.g. Logger("daemon").
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close releases the log file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
