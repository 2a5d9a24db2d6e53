package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/digest-scheduler/internal/persistence"
)

const subscriptionColumns = `id, subject_id, interval_days, occurrences, days_mask, time_of_day, timezone,
	enabled, last_occurrence_at, next_occurrence_at, failed_attempts, retry_at, created_at, updated_at`

// dueAt is the instant a subscription becomes due: its retry time while a
// failed occurrence is backing off, otherwise its next occurrence.
const dueAt = `COALESCE(retry_at, next_occurrence_at)`

// SubscriptionRepository implements persistence.SubscriptionRepository using SQLite
type SubscriptionRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
	retry  *RetryHelper
}

// NewSubscriptionRepository creates a new SQLite subscription repository
func NewSubscriptionRepository(pool *ConnectionPool) *SubscriptionRepository {
	return &SubscriptionRepository{
		pool:   pool,
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
	}
}

// CreateSubscription inserts a new subscription
func (r *SubscriptionRepository) CreateSubscription(ctx context.Context, sub persistence.Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	query := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.pool.DB().ExecContext(ctx, query,
		sub.ID,
		sub.SubjectID,
		sub.IntervalDays,
		sub.Occurrences,
		nullableMask(sub.DaysMask),
		sub.TimeOfDay,
		sub.Timezone,
		sub.Enabled,
		formatNullableTime(sub.LastOccurrenceAt),
		formatTime(sub.NextOccurrenceAt),
		sub.FailedAttempts,
		formatNullableTime(sub.RetryAt),
		formatTime(sub.CreatedAt),
		formatTime(sub.UpdatedAt),
	)
	return r.mapper.MapError(err)
}

// UpdateSubscription replaces every mutable field of an existing subscription
func (r *SubscriptionRepository) UpdateSubscription(ctx context.Context, sub persistence.Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}

	query := `
		UPDATE subscriptions
		SET subject_id = ?, interval_days = ?, occurrences = ?, days_mask = ?, time_of_day = ?,
			timezone = ?, enabled = ?, last_occurrence_at = ?, next_occurrence_at = ?,
			failed_attempts = ?, retry_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.pool.DB().ExecContext(ctx, query,
		sub.SubjectID,
		sub.IntervalDays,
		sub.Occurrences,
		nullableMask(sub.DaysMask),
		sub.TimeOfDay,
		sub.Timezone,
		sub.Enabled,
		formatNullableTime(sub.LastOccurrenceAt),
		formatTime(sub.NextOccurrenceAt),
		sub.FailedAttempts,
		formatNullableTime(sub.RetryAt),
		formatTime(sub.UpdatedAt),
		sub.ID,
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return requireAffected(result)
}

// GetSubscription retrieves a subscription by ID
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, id string) (persistence.Subscription, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		return persistence.Subscription{}, r.mapper.MapError(err)
	}
	return sub, nil
}

// GetSubscriptionBySubject retrieves the subscription owned by subjectID
func (r *SubscriptionRepository) GetSubscriptionBySubject(ctx context.Context, subjectID string) (persistence.Subscription, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE subject_id = ?`, subjectID)
	sub, err := scanSubscription(row)
	if err != nil {
		return persistence.Subscription{}, r.mapper.MapError(err)
	}
	return sub, nil
}

// ListSubscriptions lists subscriptions ordered by creation time
func (r *SubscriptionRepository) ListSubscriptions(ctx context.Context, filter persistence.SubscriptionFilter) ([]persistence.Subscription, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.SubjectID != "" {
		conditions = append(conditions, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.EnabledOnly {
		conditions = append(conditions, "enabled = 1")
	}

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, sqlLimit(filter.Limit))

	return r.querySubscriptions(ctx, query, args...)
}

// DeleteSubscription deletes a subscription and, through the foreign key,
// its delivery history
func (r *SubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return persistence.ErrNotFound
	}
	result, err := r.pool.DB().ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return requireAffected(result)
}

// ListDueSubscriptions returns enabled subscriptions due at or before now,
// earliest first. A subscription backing off after a failed delivery is due
// at its retry time, so it does not hold a place at the head of the queue.
func (r *SubscriptionRepository) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]persistence.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE enabled = 1 AND ` + dueAt + ` <= ?
		ORDER BY ` + dueAt + ` ASC, id ASC
		LIMIT ?`
	return r.querySubscriptions(ctx, query, formatTime(now), sqlLimit(limit))
}

// AdvanceSubscription moves the occurrence cursor with a compare-and-swap on
// next_occurrence_at and clears any retry state
func (r *SubscriptionRepository) AdvanceSubscription(ctx context.Context, id string, expectedNext, firedAt, next time.Time) error {
	if !next.After(expectedNext) {
		return fmt.Errorf("%w: next occurrence must be after %s", persistence.ErrConstraintViolation, formatTime(expectedNext))
	}

	return r.compareAndSwap(ctx, id, expectedNext,
		`next_occurrence_at = ?, last_occurrence_at = ?, failed_attempts = 0, retry_at = NULL, updated_at = ?`,
		formatTime(next),
		formatTime(firedAt),
		formatTime(firedAt),
	)
}

// DeferSubscription counts a failed attempt at the current occurrence and
// makes the subscription due again at retryAt
func (r *SubscriptionRepository) DeferSubscription(ctx context.Context, id string, expectedNext, retryAt time.Time) error {
	if retryAt.Before(expectedNext) {
		return fmt.Errorf("%w: retry must not precede %s", persistence.ErrConstraintViolation, formatTime(expectedNext))
	}

	return r.compareAndSwap(ctx, id, expectedNext,
		`failed_attempts = failed_attempts + 1, retry_at = ?`,
		formatTime(retryAt),
	)
}

// compareAndSwap applies set to id only while next_occurrence_at still equals
// expectedNext. A missing row yields ErrNotFound and a moved cursor
// ErrConflict.
func (r *SubscriptionRepository) compareAndSwap(ctx context.Context, id string, expectedNext time.Time, set string, args ...any) error {
	query := `UPDATE subscriptions SET ` + set + ` WHERE id = ? AND next_occurrence_at = ?`
	args = append(args, id, formatTime(expectedNext))

	return r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if affected > 0 {
				return nil
			}

			var exists int
			err = tx.QueryRowContext(ctx, "SELECT 1 FROM subscriptions WHERE id = ?", id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return persistence.ErrNotFound
			}
			if err != nil {
				return err
			}
			return persistence.ErrConflict
		})
	})
}

func (r *SubscriptionRepository) querySubscriptions(ctx context.Context, query string, args ...any) ([]persistence.Subscription, error) {
	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	subs := make([]persistence.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return subs, nil
}

func scanSubscription(row rowScanner) (persistence.Subscription, error) {
	var (
		sub                              persistence.Subscription
		daysMask                         sql.NullInt64
		lastOccurrence, retryAt          sql.NullString
		nextOccurrence, created, updated string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.SubjectID,
		&sub.IntervalDays,
		&sub.Occurrences,
		&daysMask,
		&sub.TimeOfDay,
		&sub.Timezone,
		&sub.Enabled,
		&lastOccurrence,
		&nextOccurrence,
		&sub.FailedAttempts,
		&retryAt,
		&created,
		&updated,
	); err != nil {
		return persistence.Subscription{}, err
	}

	if daysMask.Valid {
		mask := int(daysMask.Int64)
		sub.DaysMask = &mask
	}

	var err error
	if sub.LastOccurrenceAt, err = parseNullableTime("last_occurrence_at", lastOccurrence); err != nil {
		return persistence.Subscription{}, err
	}
	if sub.NextOccurrenceAt, err = parseTime("next_occurrence_at", nextOccurrence); err != nil {
		return persistence.Subscription{}, err
	}
	if sub.RetryAt, err = parseNullableTime("retry_at", retryAt); err != nil {
		return persistence.Subscription{}, err
	}
	if sub.CreatedAt, err = parseTime("created_at", created); err != nil {
		return persistence.Subscription{}, err
	}
	if sub.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return persistence.Subscription{}, err
	}
	return sub, nil
}

func validateSubscription(sub persistence.Subscription) error {
	if sub.ID == "" || sub.SubjectID == "" {
		return persistence.ErrConstraintViolation
	}
	if sub.NextOccurrenceAt.IsZero() {
		return fmt.Errorf("%w: next occurrence is required", persistence.ErrConstraintViolation)
	}
	return nil
}

func nullableMask(mask *int) sql.NullInt64 {
	if mask == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*mask), Valid: true}
}

// sqlLimit converts a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}
