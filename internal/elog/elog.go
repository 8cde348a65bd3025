// Package elog is the engine's structured logging layer: log/slog with
// human-readable colored console output through github.com/lmittmann/tint,
// plus an optional plain-text file sink.
package elog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/lmittmann/tint"
)

// Config controls where and how verbosely the engine logs.
type Config struct {
	Level   slog.Level
	LogPath string // file sink; empty disables file logging
	NoColor bool
}

// Logger wraps *slog.Logger with a component-child-logger convenience.
type Logger struct {
	base *slog.Logger
	file *os.File
}

// New builds a Logger writing colorized output to stderr and, if
// Config.LogPath is set, plain lines to a log file opened in append mode.
func New(cfg Config) *Logger {
	var file *os.File

	if cfg.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0o755); err == nil {
			f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				file = f
			}
		}
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.Level,
		TimeFormat: time.Kitchen,
		NoColor:    cfg.NoColor,
	})

	var base *slog.Logger
	if file != nil {
		// File sink gets a plain text handler (no ANSI) fanned out alongside
		// the colorized console handler.
		plain := slog.NewTextHandler(file, &slog.HandlerOptions{Level: cfg.Level})
		base = slog.New(fanoutHandler{handler, plain})
	} else {
		base = slog.New(handler)
	}

	return &Logger{base: base, file: file}
}

// DefaultLogPath puts the log next to the executable on Windows and under
// the user cache dir everywhere else.
func DefaultLogPath(appName string) string {
	if runtime.GOOS == "windows" {
		exePath, err := os.Executable()
		if err == nil {
			return filepath.Join(filepath.Dir(exePath), "logs", appName+".log")
		}
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName+".log")
	}
	return filepath.Join(cacheDir, appName, appName+".log")
}

// With returns a child logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{base: l.base.With("component", component), file: l.file}
}

func (l *Logger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

// Slog exposes the underlying *slog.Logger for callers that want it
// directly (e.g. to pass into a library that accepts one).
func (l *Logger) Slog() *slog.Logger { return l.base }

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// fanoutHandler duplicates every record to multiple slog.Handler targets.
type fanoutHandler []slog.Handler

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make(fanoutHandler, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
