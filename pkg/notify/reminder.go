package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// IntervalSource supplies the configured reminder interval.
// *sysconfig.Store implements it.
type IntervalSource interface {
	ReminderIntervalHours(ctx context.Context, fallback int) (int, error)
}

// ReminderThrottle enforces the minimum interval between reminders sent by
// the same company on the same order
type ReminderThrottle struct {
	interval      IntervalSource
	fallbackHours int
	logger        *observability.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// NewReminderThrottle creates a throttle. fallbackHours applies when the
// interval is unset or cannot be read.
func NewReminderThrottle(interval IntervalSource, fallbackHours int, logger *observability.Logger, metrics *observability.Metrics) *ReminderThrottle {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ReminderThrottle{
		interval:      interval,
		fallbackHours: fallbackHours,
		logger:        logger.WithField("component", "reminder_throttle"),
		metrics:       metrics,
		now:           time.Now,
	}
}

// Check returns a *ThrottledError when the company already reminded about
// the order within the interval. companyID nil groups customers without a
// company together. Run it inside the same transaction as Record, after
// locking the order row, so two concurrent reminders cannot both pass.
func (t *ReminderThrottle) Check(ctx context.Context, q database.Querier, orderID int64, companyID *int64) error {
	hours := t.fallbackHours
	if t.interval != nil {
		h, err := t.interval.ReminderIntervalHours(ctx, t.fallbackHours)
		if err != nil {
			t.logger.WithError(err).Warn("Failed to read reminder interval, using fallback")
		}
		hours = h
	}
	if hours <= 0 {
		return nil
	}

	var last sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM order_reminders
		WHERE order_id = $1 AND company_id IS NOT DISTINCT FROM $2`,
		orderID, nullableID(companyID),
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to load last reminder for order %d: %w", orderID, err)
	}
	if !last.Valid {
		return nil
	}

	interval := time.Duration(hours) * time.Hour
	next := last.Time.Add(interval)
	now := t.now()
	if now.Before(next) {
		t.metrics.RecordReminderThrottled()
		return &ThrottledError{
			IntervalHours:    hours,
			LastReminderAt:   last.Time,
			NextReminderTime: next,
			RetryAfter:       next.Sub(now),
		}
	}
	return nil
}

// Record stores a reminder so later Checks see it
func (t *ReminderThrottle) Record(ctx context.Context, q database.Querier, orderID int64, companyID *int64, requestedBy int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO order_reminders (order_id, company_id, requested_by, created_at)
		VALUES ($1, $2, $3, $4)`,
		orderID, nullableID(companyID), requestedBy, t.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record reminder for order %d: %w", orderID, err)
	}
	return nil
}

func nullableID(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
