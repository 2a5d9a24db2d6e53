package persistence

import (
	"context"
	"time"
)

// SubscriptionFilter narrows subscription listings.
type SubscriptionFilter struct {
	SubjectID   string
	EnabledOnly bool
	Limit       int
}

// SubscriptionRepository stores subscriptions and their occurrence cursor.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub Subscription) error
	UpdateSubscription(ctx context.Context, sub Subscription) error
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	GetSubscriptionBySubject(ctx context.Context, subjectID string) (Subscription, error)
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	// ListDueSubscriptions returns enabled subscriptions whose due time (the
	// retry time when one is set, otherwise the next occurrence) is at or
	// before now, earliest first.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	// AdvanceSubscription moves the occurrence cursor only while the stored
	// next occurrence still equals expectedNext. A lost race returns
	// ErrConflict.
	// It also clears the retry state.
	AdvanceSubscription(ctx context.Context, id string, expectedNext, firedAt, next time.Time) error
	// DeferSubscription records a failed attempt at expectedNext and pushes its
	// due time to retryAt, under the same compare-and-swap as
	// AdvanceSubscription.
	DeferSubscription(ctx context.Context, id string, expectedNext, retryAt time.Time) error
}

// DeliveryRepository keeps the audit trail of fired occurrences.
type DeliveryRepository interface {
	RecordDelivery(ctx context.Context, delivery Delivery) error
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error)
}
