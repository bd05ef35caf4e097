// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging gives the gatekeeper a small structured-logging facade
// over log/slog, with stream and syslog backends.
package logging

import (
	"fmt"
	"io"
	"log/slog"
)

// Logger is the logging surface the rest of the gatekeeper depends on.
// It deliberately exposes only leveled, formatted calls; callers never
// touch slog.Logger or handlers directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a Logger that attaches the given key/value pairs to
	// every subsequent line, e.g. a connection's span id.
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debugf(format string, args ...any) {
	s.l.Debug(fmtOrNoop(format, args...))
}

func (s *slogLogger) Infof(format string, args ...any) {
	s.l.Info(fmtOrNoop(format, args...))
}

func (s *slogLogger) Warnf(format string, args ...any) {
	s.l.Warn(fmtOrNoop(format, args...))
}

func (s *slogLogger) Errorf(format string, args ...any) {
	s.l.Error(fmtOrNoop(format, args...))
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

func fmtOrNoop(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// NewStream builds a Logger writing one line per record to w, tagged
// with ident, at the given verbosity (slog.LevelDebug..slog.LevelError).
func NewStream(w io.Writer, ident string, verbosity slog.Level) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: verbosity})
	return &slogLogger{l: slog.New(h).With("ident", ident)}
}

// NewDiscard returns a Logger that drops everything, for tests.
func NewDiscard() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
