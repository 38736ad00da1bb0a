// Package logging sets up the orchestrator's structured logger (C9): slog
// with a lumberjack-rotated file backend, following the teacher's
// setupDaemonLogger convention.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating file logger.
type Options struct {
	Path       string // empty disables file rotation, logging to stderr only
	Level      slog.Level
	JSON       bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions mirrors the teacher's daemon log defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:       path,
		Level:      slog.LevelInfo,
		JSON:       false,
		MaxSizeMB:  50,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// New builds a *slog.Logger per opts, returning the lumberjack logger too
// so the caller can Close it during shutdown (flushing any buffered
// compression). If opts.Path is empty, logs go to stderr only.
func New(opts Options) (*slog.Logger, *lumberjack.Logger) {
	var w io.Writer = os.Stderr
	var rotator *lumberjack.Logger

	if opts.Path != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler), rotator
}

// Discard returns a logger that drops everything, for tests that need a
// non-nil *slog.Logger but don't care about its output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForCollector returns a child logger carrying a "collector" attribute, so
// every line the Child Launcher forwards is tagged with its source (§4.6).
func ForCollector(base *slog.Logger, collectorName string) *slog.Logger {
	return base.With("collector", collectorName)
}
