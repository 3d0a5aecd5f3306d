// Package logger configures the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
)

// Options controls where and how log records are written.
type Options struct {
	Output  io.Writer
	Verbose bool
	// Format is "json" or "text". Empty means text.
	Format string
}

// Init initializes the global structured logger.
func Init(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.Verbose,
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	l := slog.New(handler)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
	slog.SetDefault(l)
	return l
}

// OpenFile opens (or creates) a log file for appending, creating parent
// directories as needed.
func OpenFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Get returns the default logger.
func Get() *slog.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l == nil {
		return Init(Options{})
	}
	return l
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Info logs at Info level
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Error logs at Error level
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

// Warn logs at Warn level
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Debug logs at Debug level
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}
