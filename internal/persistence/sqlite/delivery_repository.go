package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/digest-scheduler/internal/persistence"
)

// DeliveryRepository implements persistence.DeliveryRepository using SQLite
type DeliveryRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
}

// NewDeliveryRepository creates a new SQLite delivery repository
func NewDeliveryRepository(pool *ConnectionPool) *DeliveryRepository {
	return &DeliveryRepository{
		pool:   pool,
		mapper: NewErrorMapper(),
	}
}

// RecordDelivery stores the outcome of one occurrence. A failed attempt may be
// overwritten by a later attempt for the same occurrence; a delivered one may
// not, and recording it twice returns persistence.ErrDuplicate.
func (r *DeliveryRepository) RecordDelivery(ctx context.Context, delivery persistence.Delivery) error {
	if delivery.ID == "" || delivery.SubscriptionID == "" {
		return persistence.ErrConstraintViolation
	}

	var deliveryErr sql.NullString
	if delivery.Error != nil {
		deliveryErr = sql.NullString{String: *delivery.Error, Valid: true}
	}

	result, err := r.pool.DB().ExecContext(ctx, `
		INSERT INTO deliveries (id, subscription_id, scheduled_for, delivered_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, scheduled_for) DO UPDATE
		SET delivered_at = excluded.delivered_at, status = excluded.status, error = excluded.error
		WHERE deliveries.status <> 'delivered'
	`,
		delivery.ID,
		delivery.SubscriptionID,
		formatTime(delivery.ScheduledFor),
		formatTime(delivery.DeliveredAt),
		delivery.Status,
		deliveryErr,
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrDuplicate
	}
	return nil
}

// ListDeliveries returns the most recent deliveries of a subscription first
func (r *DeliveryRepository) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]persistence.Delivery, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `
		SELECT id, subscription_id, scheduled_for, delivered_at, status, error
		FROM deliveries
		WHERE subscription_id = ?
		ORDER BY scheduled_for DESC, id ASC
		LIMIT ?
	`, subscriptionID, sqlLimit(limit))
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	deliveries := make([]persistence.Delivery, 0)
	for rows.Next() {
		var (
			delivery                  persistence.Delivery
			scheduledFor, deliveredAt string
			deliveryErr               sql.NullString
		)
		if err := rows.Scan(
			&delivery.ID,
			&delivery.SubscriptionID,
			&scheduledFor,
			&deliveredAt,
			&delivery.Status,
			&deliveryErr,
		); err != nil {
			return nil, r.mapper.MapError(err)
		}
		if delivery.ScheduledFor, err = parseTime("scheduled_for", scheduledFor); err != nil {
			return nil, err
		}
		if delivery.DeliveredAt, err = parseTime("delivered_at", deliveredAt); err != nil {
			return nil, err
		}
		if deliveryErr.Valid {
			message := deliveryErr.String
			delivery.Error = &message
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return deliveries, nil
}
