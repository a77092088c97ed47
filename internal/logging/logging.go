// Package logging provides CensorLab's structured logger and optional
// syslog forwarding, built on the standard library's log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is CensorLab's structured logger. It wraps slog.Logger so callers
// get leveled, attributed logging without depending on slog directly in
// every package.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that writes text-formatted records to w at the
// given minimum level. If w is nil, os.Stderr is used.
func New(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// Tee fans out log records to both a local handler and a syslog writer.
func Tee(local *Logger, syslog *SyslogWriter, level slog.Level) *Logger {
	if syslog == nil {
		return local
	}
	h := slog.NewTextHandler(syslog, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(multiHandler{local.Handler(), h})}
}

// With returns a Logger that annotates every record with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithFlow returns a Logger scoped to a specific flow, for correlating
// per-packet log lines with a 5-tuple in operator-facing output.
func (l *Logger) WithFlow(flowKey string) *Logger {
	return l.With("flow", flowKey)
}

type multiHandler struct {
	a, b slog.Handler
}

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return m.a.Enabled(ctx, level) || m.b.Enabled(ctx, level)
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if m.a.Enabled(ctx, r.Level) {
		err = m.a.Handle(ctx, r.Clone())
	}
	if m.b.Enabled(ctx, r.Level) {
		if err2 := m.b.Handle(ctx, r.Clone()); err2 != nil {
			err = err2
		}
	}
	return err
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return multiHandler{m.a.WithAttrs(attrs), m.b.WithAttrs(attrs)}
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	return multiHandler{m.a.WithGroup(name), m.b.WithGroup(name)}
}
