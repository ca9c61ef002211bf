package onboarding

import (
	"context"
	"log/slog"
	"time"

	"soneium-onboard/internal/connection"
	xerrors "soneium-onboard/internal/errors"
	"soneium-onboard/internal/observability/alerting"
	"soneium-onboard/internal/observability/metrics"
	"soneium-onboard/internal/storage/mysql"
	"soneium-onboard/pkg/logger"
)

// AttemptRecord converts an attempt into its journal form.
func AttemptRecord(attempt connection.Attempt) mysql.AttemptRecord {
	record := mysql.AttemptRecord{
		ID:         attempt.ID,
		Mode:       string(attempt.Mode),
		Outcome:    mysql.OutcomeConnected,
		StartedAt:  attempt.StartedAt.UnixMilli(),
		DurationMS: attempt.Duration.Milliseconds(),
	}
	if attempt.Err != nil {
		record.Outcome = mysql.OutcomeFailed
		record.ErrorCode = string(xerrors.CodeOf(attempt.Err))
		record.ErrorMessage = attempt.Err.Error()
		return record
	}
	record.ChainID = attempt.ChainID
	record.Account = attempt.Account.Hex()
	return record
}

// JournalObserver persists every attempt.
type JournalObserver struct {
	Repo   mysql.AttemptRepository
	Logger *slog.Logger
}

// ObserveAttempt implements connection.Observer.
func (o *JournalObserver) ObserveAttempt(ctx context.Context, attempt connection.Attempt) {
	if o == nil || o.Repo == nil {
		return
	}
	if err := o.Repo.Save(ctx, AttemptRecord(attempt)); err != nil {
		loggerOr(o.Logger).Error("Failed to journal connect attempt",
			slog.String("attempt_id", attempt.ID), slog.String("error", err.Error()))
	}
}

// MetricsObserver counts attempts by mode and outcome.
type MetricsObserver struct {
	Collector *metrics.Collector
}

// ObserveAttempt implements connection.Observer.
func (o *MetricsObserver) ObserveAttempt(_ context.Context, attempt connection.Attempt) {
	if o == nil || o.Collector == nil {
		return
	}
	record := AttemptRecord(attempt)
	o.Collector.ObserveConnectAttempt(record.Mode, record.Outcome, record.ErrorCode, attempt.Duration)
}

// AdvisoryObserver turns advisory failures into user-facing notices.
type AdvisoryObserver struct {
	Dispatcher alerting.Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time
}

// ObserveAttempt implements connection.Observer.
func (o *AdvisoryObserver) ObserveAttempt(ctx context.Context, attempt connection.Attempt) {
	if o == nil || o.Dispatcher == nil {
		return
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	event, ok := alerting.EventFromError(attempt.ID, attempt.Err, now())
	if !ok {
		return
	}
	if err := o.Dispatcher.Notify(ctx, event); err != nil {
		loggerOr(o.Logger).Error("Failed to deliver advisory",
			slog.String("attempt_id", attempt.ID),
			slog.String("code", string(event.Code)),
			slog.String("error", xerrors.Wrap(xerrors.CodeNotifyFailure, err, "").Error()))
	}
}

// AuditObserver writes one audit line per attempt.
type AuditObserver struct {
	Logger *slog.Logger
}

// ObserveAttempt implements connection.Observer.
func (o *AuditObserver) ObserveAttempt(ctx context.Context, attempt connection.Attempt) {
	var log *slog.Logger
	if o != nil {
		log = o.Logger
	}
	record := AttemptRecord(attempt)
	logger.AuditAttempt(ctx, log, logger.AttemptEntry{
		ID:       record.ID,
		Mode:     record.Mode,
		Outcome:  record.Outcome,
		Code:     record.ErrorCode,
		ChainID:  record.ChainID,
		Account:  record.Account,
		Duration: attempt.Duration,
	})
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return logger.Named("onboarding")
}
