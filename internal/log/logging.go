// Package log builds the process slog.Logger and the raw payload logger.
//
// Without a log file, records below error go to stdout and errors go to
// stderr. With a log file, the console gets stderr only and the file gets
// every record.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace is a custom slog level below Debug for per-transfer output.
const LevelTrace slog.Level = -8

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LevelFor raises level by one step per -v: debug, then trace.
func LevelFor(level string, verbosity int) slog.Level {
	l := ParseLevel(level)
	switch {
	case verbosity >= 2:
		return LevelTrace
	case verbosity == 1 && l > slog.LevelDebug:
		return slog.LevelDebug
	}
	return l
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// below passes records strictly below max to h.
type below struct {
	max slog.Level
	h   slog.Handler
}

func (b below) Enabled(ctx context.Context, level slog.Level) bool {
	return level < b.max && b.h.Enabled(ctx, level)
}

func (b below) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= b.max {
		return nil
	}
	return b.h.Handle(ctx, r)
}

func (b below) WithAttrs(attrs []slog.Attr) slog.Handler {
	return below{max: b.max, h: b.h.WithAttrs(attrs)}
}

func (b below) WithGroup(name string) slog.Handler {
	return below{max: b.max, h: b.h.WithGroup(name)}
}

// SetupLogger builds the logger. The returned closers release the log file.
func SetupLogger(level slog.Level, logFile string) (*slog.Logger, []io.Closer, error) {
	var handlers fanout
	var closers []io.Closer

	if logFile == "" {
		handlers = append(handlers,
			below{max: slog.LevelError, h: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})},
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}),
		)
	} else {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, f)
		handlers = append(handlers,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
			slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}),
		)
	}
	return slog.New(handlers), closers, nil
}
