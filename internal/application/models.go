package application

import (
	"time"

	"github.com/example/digest-scheduler/internal/recurrence"
)

// Subscription is a subject's recurring digest together with its occurrence
// cursor.
type Subscription struct {
	ID               string
	SubjectID        string
	Rule             recurrence.Rule
	Timezone         string
	Enabled          bool
	LastOccurrenceAt *time.Time
	NextOccurrenceAt time.Time
	// FailedAttempts counts failed deliveries of NextOccurrenceAt; while it is
	// non-zero RetryAt holds when the occurrence is due again.
	FailedAttempts int
	RetryAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubscriptionInput captures caller provided subscription fields. Nil
// pointers and empty strings fall back to the preset, then to the recurrence
// defaults.
type SubscriptionInput struct {
	SubjectID    string
	Preset       string
	IntervalDays *int
	Occurrences  *int
	// DaysMask uses the wire bit order: bit 0 Saturday through bit 6 Sunday.
	DaysMask  *int
	TimeOfDay string
	Timezone  string
	Enabled   *bool
}

// ListSubscriptionsParams narrows subscription listings.
type ListSubscriptionsParams struct {
	SubjectID   string
	EnabledOnly bool
	Limit       int
}

// PreviewParams requests upcoming occurrences for an unsaved rule.
type PreviewParams struct {
	Input SubscriptionInput
	From  time.Time
	Count int
}

// Preview lists the computed occurrences for a rule.
type Preview struct {
	Rule        recurrence.Rule
	Timezone    string
	From        time.Time
	Occurrences []time.Time
}

// DeliveryStatus reports the outcome of one dispatched occurrence.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the audit entry for a dispatched occurrence.
type Delivery struct {
	ID             string
	SubscriptionID string
	ScheduledFor   time.Time
	DeliveredAt    time.Time
	Status         DeliveryStatus
	Error          string
}
