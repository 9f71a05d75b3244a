// Package logger provides structured slog loggers for runtime-wide and
// per-session logging. All logs are written in JSON format and rotated
// in place.
//
// Log files are organized as:
//
//	<logDir>/parley.log            runtime-level events
//	<logDir>/sessions/<id>.log     per-session stream and turn events
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 10
	maxBackups = 5
	maxAgeDays = 30
)

// NewSystemLogger creates a JSON slog.Logger that writes to <logDir>/parley.log.
// The directory is created if it does not exist.
func NewSystemLogger(logDir string, level slog.Level) (*slog.Logger, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}

	handler := slog.NewJSONHandler(rotatingFile(filepath.Join(logDir, "parley.log")), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

// NewSessionLogger creates a JSON slog.Logger that writes to
// <logDir>/sessions/<sessionID>.log.
// The sessions sub-directory is created if it does not exist.
func NewSessionLogger(logDir string, sessionID string, level slog.Level) (*slog.Logger, error) {
	sessionsDir := filepath.Join(logDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0750); err != nil {
		return nil, fmt.Errorf("creating sessions log directory %q: %w", sessionsDir, err)
	}

	handler := slog.NewJSONHandler(rotatingFile(filepath.Join(sessionsDir, sessionID+".log")), &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("session_id", sessionID), nil
}

// Tee returns a logger that forwards each record to l's own handler and to h,
// typically an OpenTelemetry log bridge. A nil h returns l unchanged.
func Tee(l *slog.Logger, h slog.Handler) *slog.Logger {
	if h == nil {
		return l
	}
	return slog.New(multiHandler{l.Handler(), h})
}

// rotatingFile opens a size-rotated log file with append semantics.
func rotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
}

// multiHandler fans a record out to every wrapped handler.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
