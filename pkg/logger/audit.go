package logger

import (
	"context"
	"log/slog"
	"time"
)

// auditStream tags every line of the connect-attempt audit trail.
const auditStream = "connect_attempts"

// AuditConfig controls where connect attempts are audited and how the file
// rotates.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AttemptEntry is one line of the connect-attempt audit trail.
type AttemptEntry struct {
	ID       string
	Mode     string
	Outcome  string
	Code     string
	ChainID  uint64
	Account  string
	Duration time.Duration
}

func (e AttemptEntry) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("attempt_id", e.ID),
		slog.String("mode", e.Mode),
		slog.String("outcome", e.Outcome),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", e.Code))
	}
	if e.ChainID != 0 {
		attrs = append(attrs, slog.Uint64("chain_id", e.ChainID), slog.String("account", e.Account))
	}
	return attrs
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	writer, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("stream", auditStream)), nil
}

// Audit returns the audit logger. Without a dedicated file it writes to the
// application logger.
func Audit() *slog.Logger {
	if auditLogger == nil {
		return L().With(slog.String("stream", auditStream))
	}
	return auditLogger
}

// AuditAttempt writes entry to l, or to the audit logger when l is nil.
// Failed attempts are recorded at warn level.
func AuditAttempt(ctx context.Context, l *slog.Logger, entry AttemptEntry) {
	if l == nil {
		l = Audit()
	}
	level := slog.LevelInfo
	if entry.Code != "" {
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, "connect_attempt", entry.attrs()...)
}
