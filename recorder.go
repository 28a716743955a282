package voxmeter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// UsageRecorder is the write side of metering. It is called only after the
// provider delivered a result.
//
// Implementations log and meter their own failures; callers only see the
// returned error.
type UsageRecorder interface {
	Record(ctx context.Context, userID string, amount int64, action Action) error
}

// Recorder increments the ledger and appends usage history.
type Recorder struct {
	cfg      Config
	ledger   Ledger
	history  HistoryStore
	notifier Notifier
	meter    Meter
	logger   *slog.Logger
	now      func() time.Time
}

var _ UsageRecorder = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderNotifier sets the change notifier.
func WithRecorderNotifier(n Notifier) RecorderOption {
	return func(r *Recorder) { r.notifier = n }
}

// WithRecorderMeter sets the meter notified about write failures.
func WithRecorderMeter(m Meter) RecorderOption {
	return func(r *Recorder) { r.meter = m }
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

// WithRecorderClock overrides the time source used for history timestamps.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder writing to ledger and history.
func NewRecorder(cfg Config, ledger Ledger, history HistoryStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		cfg:     cfg,
		ledger:  ledger,
		history: history,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = noopNotifier{}
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Record charges amount to userID and appends a history entry. Both writes are
// always attempted; the returned error joins whatever failed. Callers must not
// fail a delivered response because of it.
func (r *Recorder) Record(ctx context.Context, userID string, amount int64, action Action) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	if amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidInput, amount)
	}

	var errs []error

	quota, err := r.ledger.AddUsage(ctx, userID, amount, r.cfg.TrialDefaults(userID))
	if err != nil {
		errs = append(errs, fmt.Errorf("voxmeter: add usage: %w", err))
	}

	entry := UsageEntry{
		ID:         uuid.New().String(),
		UserID:     userID,
		TokensUsed: amount,
		Action:     action,
		Timestamp:  r.now().UTC(),
	}
	if err := r.history.Append(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("voxmeter: append history: %w", err))
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		r.logger.ErrorContext(ctx, "usage_record_failed",
			"user", userID,
			"action", action,
			"amount", amount,
			"error", joined,
		)
		r.meter.OnRecordFailure(RecordFailureEvent{
			UserID: userID,
			Action: action,
			Amount: amount,
			Error:  joined,
		})
		return joined
	}

	if err := r.notifier.Publish(ctx, Change{
		UserID: userID,
		Kind:   ChangeUsageRecorded,
		Quota:  quota,
		At:     entry.Timestamp,
	}); err != nil {
		r.logger.WarnContext(ctx, "usage_notify_failed", "user", userID, "error", err)
	}

	return nil
}
