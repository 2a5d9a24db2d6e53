package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/digest-scheduler/internal/application"
	"github.com/example/digest-scheduler/internal/persistence"
	"github.com/example/digest-scheduler/internal/recurrence"
)

var (
	subscriptionCounter uint64
	deliveryCounter     uint64
)

// referenceTime is a Tuesday morning.
var referenceTime = time.Date(2023, time.January, 3, 10, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// ------------------------- Subscription fixtures -------------------------

// SubscriptionFixture represents a deterministic subscription that can be
// materialised for application or persistence tests.
type SubscriptionFixture struct {
	ID               string
	SubjectID        string
	IntervalDays     int
	Occurrences      int
	DaysMask         *int
	TimeOfDay        string
	Timezone         string
	Enabled          bool
	LastOccurrenceAt *time.Time
	NextOccurrenceAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionOption configures the generated subscription fixture.
type SubscriptionOption func(*SubscriptionFixture)

// NewSubscriptionFixture returns a daily 09:00 UTC subscription whose next
// occurrence is the day after ReferenceTime.
func NewSubscriptionFixture(opts ...SubscriptionOption) SubscriptionFixture {
	idx := atomic.AddUint64(&subscriptionCounter, 1)
	created := referenceTime.Add(-time.Duration(idx) * time.Minute)
	fixture := SubscriptionFixture{
		ID:               fmt.Sprintf("sub-%03d", idx),
		SubjectID:        fmt.Sprintf("subject-%03d", idx),
		IntervalDays:     1,
		Occurrences:      1,
		TimeOfDay:        "09:00",
		Timezone:         "UTC",
		Enabled:          true,
		NextOccurrenceAt: time.Date(2023, time.January, 4, 9, 0, 0, 0, time.UTC),
		CreatedAt:        created,
		UpdatedAt:        created,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithSubscriptionID overrides the generated subscription ID.
func WithSubscriptionID(id string) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.ID = id
	}
}

// WithSubject overrides the generated subject ID.
func WithSubject(subjectID string) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.SubjectID = subjectID
	}
}

// WithRule sets the interval length and occurrences per interval.
func WithRule(intervalDays, occurrences int) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.IntervalDays = intervalDays
		f.Occurrences = occurrences
	}
}

// WithDaysMask restricts the subscription to the wire encoded day mask.
func WithDaysMask(mask int) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		m := mask
		f.DaysMask = &m
	}
}

// WithoutDaysMask makes every day eligible.
func WithoutDaysMask() SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.DaysMask = nil
	}
}

// WithTimeOfDay overrides the HH:MM firing time.
func WithTimeOfDay(value string) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.TimeOfDay = value
	}
}

// WithTimezone overrides the IANA timezone.
func WithTimezone(name string) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.Timezone = name
	}
}

// WithEnabled toggles the enabled flag.
func WithEnabled(enabled bool) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.Enabled = enabled
	}
}

// WithNextOccurrence overrides the occurrence cursor.
func WithNextOccurrence(t time.Time) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.NextOccurrenceAt = t
	}
}

// WithLastOccurrence records a previous firing.
func WithLastOccurrence(t time.Time) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		last := t
		f.LastOccurrenceAt = &last
	}
}

// WithSubscriptionTimestamps overrides both timestamps.
func WithSubscriptionTimestamps(created, updated time.Time) SubscriptionOption {
	return func(f *SubscriptionFixture) {
		f.CreatedAt = created
		f.UpdatedAt = updated
	}
}

// Rule converts the fixture fields into a recurrence rule. Invalid day masks
// or times are dropped.
func (f SubscriptionFixture) Rule() recurrence.Rule {
	rule := recurrence.Rule{IntervalDays: f.IntervalDays, Occurrences: f.Occurrences}
	if f.DaysMask != nil {
		if days, err := recurrence.ParseDayMask(*f.DaysMask); err == nil {
			rule.DaysOfWeek = &days
		}
	}
	if tod, err := recurrence.ParseTimeOfDay(f.TimeOfDay); err == nil {
		rule.TimeOfDay = tod
	}
	return rule
}

// Application converts the fixture into its application model.
func (f SubscriptionFixture) Application() application.Subscription {
	return application.Subscription{
		ID:               f.ID,
		SubjectID:        f.SubjectID,
		Rule:             f.Rule(),
		Timezone:         f.Timezone,
		Enabled:          f.Enabled,
		LastOccurrenceAt: cloneTime(f.LastOccurrenceAt),
		NextOccurrenceAt: f.NextOccurrenceAt,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

// Persistence converts the fixture into its storage model.
func (f SubscriptionFixture) Persistence() persistence.Subscription {
	return persistence.Subscription{
		ID:               f.ID,
		SubjectID:        f.SubjectID,
		IntervalDays:     f.IntervalDays,
		Occurrences:      f.Occurrences,
		DaysMask:         cloneInt(f.DaysMask),
		TimeOfDay:        f.TimeOfDay,
		Timezone:         f.Timezone,
		Enabled:          f.Enabled,
		LastOccurrenceAt: cloneTime(f.LastOccurrenceAt),
		NextOccurrenceAt: f.NextOccurrenceAt,
		CreatedAt:        f.CreatedAt,
		UpdatedAt:        f.UpdatedAt,
	}
}

// Input converts the fixture into a create or update request.
func (f SubscriptionFixture) Input() application.SubscriptionInput {
	interval, occurrences, enabled := f.IntervalDays, f.Occurrences, f.Enabled
	return application.SubscriptionInput{
		SubjectID:    f.SubjectID,
		IntervalDays: &interval,
		Occurrences:  &occurrences,
		DaysMask:     cloneInt(f.DaysMask),
		TimeOfDay:    f.TimeOfDay,
		Timezone:     f.Timezone,
		Enabled:      &enabled,
	}
}

// --------------------------- Delivery fixtures ---------------------------

// DeliveryFixture represents a deterministic delivery audit entry.
type DeliveryFixture struct {
	ID             string
	SubscriptionID string
	ScheduledFor   time.Time
	DeliveredAt    time.Time
	Status         string
	Error          *string
}

// DeliveryOption configures the generated delivery fixture.
type DeliveryOption func(*DeliveryFixture)

// NewDeliveryFixture returns a successful delivery of the 09:00 occurrence on
// ReferenceTime's date.
func NewDeliveryFixture(opts ...DeliveryOption) DeliveryFixture {
	idx := atomic.AddUint64(&deliveryCounter, 1)
	scheduled := time.Date(2023, time.January, 3, 9, 0, 0, 0, time.UTC)
	fixture := DeliveryFixture{
		ID:           fmt.Sprintf("delivery-%03d", idx),
		ScheduledFor: scheduled,
		DeliveredAt:  scheduled.Add(time.Duration(idx) * time.Second),
		Status:       persistence.DeliveryStatusDelivered,
	}
	for _, opt := range opts {
		opt(&fixture)
	}
	return fixture
}

// WithDeliveryID overrides the generated delivery ID.
func WithDeliveryID(id string) DeliveryOption {
	return func(f *DeliveryFixture) {
		f.ID = id
	}
}

// WithDeliverySubscription links the delivery to a subscription.
func WithDeliverySubscription(subscriptionID string) DeliveryOption {
	return func(f *DeliveryFixture) {
		f.SubscriptionID = subscriptionID
	}
}

// WithDeliveryScheduledFor overrides the occurrence the delivery belongs to.
func WithDeliveryScheduledFor(t time.Time) DeliveryOption {
	return func(f *DeliveryFixture) {
		f.ScheduledFor = t
	}
}

// WithDeliveryFailed marks the delivery as failed with message.
func WithDeliveryFailed(message string) DeliveryOption {
	return func(f *DeliveryFixture) {
		msg := message
		f.Status = persistence.DeliveryStatusFailed
		f.Error = &msg
	}
}

// Persistence converts the fixture into its storage model.
func (f DeliveryFixture) Persistence() persistence.Delivery {
	return persistence.Delivery{
		ID:             f.ID,
		SubscriptionID: f.SubscriptionID,
		ScheduledFor:   f.ScheduledFor,
		DeliveredAt:    f.DeliveredAt,
		Status:         f.Status,
		Error:          cloneString(f.Error),
	}
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneInt(value *int) *int {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
