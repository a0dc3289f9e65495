// Package logging provides the slog-backed logger used by prefork.
//
// Logger satisfies the capability set the configuration requires of a
// logger (Debug, Info, Warn, Error, Fatal, Close). Fatal logs at LevelFatal
// and does not exit.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelFatal sits above slog.LevelError.
const LevelFatal = slog.Level(12)

// Options selects level, sink and encoding.
type Options struct {
	// Level is debug|info|warn|error|fatal (default info).
	Level string
	// Output is stderr|stdout|file|discard (default stderr).
	Output string
	// Path is required for the file output.
	Path string
	// Format is json|text (default json).
	Format string
}

// Logger wraps a *slog.Logger and the sink it owns.
type Logger struct {
	l      *slog.Logger
	closer io.Closer
	once   sync.Once
}

// New opens the configured sink and returns a logger writing to it.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	w, closer, err := openSink(opts.Output, opts.Path)
	if err != nil {
		return nil, err
	}
	h, err := newHandler(w, opts.Format, lvl)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	return &Logger{l: slog.New(h), closer: closer}, nil
}

// stderrLevel is shared by every Stderr logger.
var stderrLevel slog.LevelVar

// SetStderrLevel changes the level of all loggers returned by Stderr,
// including those created earlier. The initial level is info.
func SetStderrLevel(lvl slog.Level) { stderrLevel.Set(lvl) }

// Stderr returns a JSON logger on standard error.
func Stderr() *Logger {
	return FromSlog(slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions(&stderrLevel))))
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return FromSlog(slog.New(slog.NewJSONHandler(io.Discard, handlerOptions(slog.LevelDebug))))
}

// FromSlog wraps an existing slog logger. Close is a no-op.
func FromSlog(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

// Slog exposes the underlying slog logger.
func (l *Logger) Slog() *slog.Logger { return l.l }

func (l *Logger) Debug(msg string, args ...any) { l.l.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.l.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.l.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.l.Error(msg, args...) }

func (l *Logger) Fatal(msg string, args ...any) {
	l.l.Log(context.Background(), LevelFatal, msg, args...)
}

// Close releases the sink if the logger owns one. It is idempotent.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		if l.closer != nil {
			err = l.closer.Close()
		}
	})
	return err
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (use: debug|info|warn|error|fatal)", level)
	}
}

func newHandler(w io.Writer, format string, lvl slog.Level) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.NewJSONHandler(w, handlerOptions(lvl)), nil
	case "text":
		return slog.NewTextHandler(w, handlerOptions(lvl)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use: json|text)", format)
	}
}

func handlerOptions(lvl slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok && l >= LevelFatal {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	}
}

func openSink(output, path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(output)) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "discard":
		return io.Discard, nil, nil
	case "file":
		p := strings.TrimSpace(path)
		if p == "" {
			return nil, nil, errors.New("log output file requires path")
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", p, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (use: stdout|stderr|file|discard)", output)
	}
}
