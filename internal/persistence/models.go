package persistence

import "time"

// Subscription is a stored recurrence: one subject receiving a digest on the
// schedule described by the rule fields.
type Subscription struct {
	ID           string
	SubjectID    string
	IntervalDays int
	Occurrences  int
	// DaysMask uses the stored bit order (bit 0 Saturday through bit 6
	// Sunday). Nil means every day.
	DaysMask         *int
	TimeOfDay        string
	Timezone         string
	Enabled          bool
	LastOccurrenceAt *time.Time
	NextOccurrenceAt time.Time
	// FailedAttempts counts failed deliveries of NextOccurrenceAt. RetryAt,
	// when set, replaces NextOccurrenceAt as the due time.
	FailedAttempts int
	RetryAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Delivery statuses.
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// Delivery records one dispatched occurrence of a subscription.
type Delivery struct {
	ID             string
	SubscriptionID string
	ScheduledFor   time.Time
	DeliveredAt    time.Time
	Status         string
	Error          *string
}
