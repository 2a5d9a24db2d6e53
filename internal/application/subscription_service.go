package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/digest-scheduler/internal/persistence"
	"github.com/example/digest-scheduler/internal/recurrence"
)

const (
	defaultPreviewCount  = 5
	maxPreviewCount      = 100
	defaultDeliveryLimit = 50
	maxDeliveryLimit     = 500
)

// SubscriptionRepository captures the persistence operations needed by the service.
type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	UpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	GetSubscriptionBySubject(ctx context.Context, subjectID string) (Subscription, error)
	ListSubscriptions(ctx context.Context, params ListSubscriptionsParams) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
	AdvanceSubscription(ctx context.Context, id string, expectedNext, firedAt, next time.Time) error
	DeferSubscription(ctx context.Context, id string, expectedNext, retryAt time.Time) error
}

// DeliveryRepository stores the delivery audit trail.
type DeliveryRepository interface {
	RecordDelivery(ctx context.Context, delivery Delivery) (Delivery, error)
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error)
}

// SubscriptionSettings holds the scheduling parameters shared by every subscription.
type SubscriptionSettings struct {
	// WindowAnchor aligns interval windows to its calendar date. The zero
	// value aligns them to the Unix epoch.
	WindowAnchor time.Time
	// DefaultTimezone applies when input omits a timezone. Empty means UTC.
	DefaultTimezone string
}

// SubscriptionService validates recurrence rules, computes occurrence
// cursors, and persists subscriptions and deliveries.
type SubscriptionService struct {
	subscriptions SubscriptionRepository
	deliveries    DeliveryRepository
	settings      SubscriptionSettings
	idGenerator   func() string
	now           func() time.Time
	logger        *slog.Logger
}

// NewSubscriptionService constructs a subscription service with default settings.
func NewSubscriptionService(subscriptions SubscriptionRepository, deliveries DeliveryRepository, idGenerator func() string, now func() time.Time) *SubscriptionService {
	return NewSubscriptionServiceWithLogger(subscriptions, deliveries, SubscriptionSettings{}, idGenerator, now, nil)
}

// NewSubscriptionServiceWithLogger constructs a subscription service with explicit settings and logger.
func NewSubscriptionServiceWithLogger(subscriptions SubscriptionRepository, deliveries DeliveryRepository, settings SubscriptionSettings, idGenerator func() string, now func() time.Time, logger *slog.Logger) *SubscriptionService {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	if strings.TrimSpace(settings.DefaultTimezone) == "" {
		settings.DefaultTimezone = "UTC"
	}
	return &SubscriptionService{
		subscriptions: subscriptions,
		deliveries:    deliveries,
		settings:      settings,
		idGenerator:   idGenerator,
		now:           now,
		logger:        defaultLogger(logger),
	}
}

func (s *SubscriptionService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "SubscriptionService", operation, attrs...)
}

// CreateSubscription validates input, computes the first occurrence after the
// current time, and persists the subscription.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, input SubscriptionInput) (sub Subscription, err error) {
	if s == nil {
		err = fmt.Errorf("SubscriptionService is nil")
		return
	}

	logger := s.loggerWith(ctx, "CreateSubscription", "subject_id", strings.TrimSpace(input.SubjectID))
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create subscription", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("subscription_id", sub.ID).InfoContext(ctx, "subscription created",
			"next_occurrence_at", sub.NextOccurrenceAt)
	}()

	vErr := &ValidationError{}
	subjectID := strings.TrimSpace(input.SubjectID)
	if subjectID == "" {
		vErr.add("subject_id", "subject_id is required")
	}
	rule, ruleErr := resolveRule(input, recurrence.Rule{})
	vErr.merge(ruleErr)
	timezone, loc, tzErr := s.resolveTimezone(input.Timezone, "")
	vErr.merge(tzErr)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	if s.subscriptions != nil {
		_, lookupErr := s.subscriptions.GetSubscriptionBySubject(ctx, subjectID)
		switch {
		case lookupErr == nil:
			err = ErrAlreadyExists
			return
		case !errors.Is(mapSubscriptionRepoError(lookupErr), ErrNotFound):
			err = mapSubscriptionRepoError(lookupErr)
			return
		}
	}

	now := s.now()
	var next time.Time
	next, err = s.calculatorFor(loc).Next(rule, now)
	if err != nil {
		return
	}

	sub = Subscription{
		ID:               s.idGenerator(),
		SubjectID:        subjectID,
		Rule:             rule,
		Timezone:         timezone,
		Enabled:          input.Enabled == nil || *input.Enabled,
		NextOccurrenceAt: next,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if s.subscriptions == nil {
		return
	}

	var persisted Subscription
	persisted, err = s.subscriptions.CreateSubscription(ctx, sub)
	if err != nil {
		err = mapSubscriptionRepoError(err)
		return
	}
	sub = persisted
	return
}

// UpdateSubscription applies the supplied fields on top of the stored
// subscription. The occurrence cursor is recomputed from the current time when
// the schedule changes or the subscription is re-enabled; otherwise a pending
// occurrence is kept.
func (s *SubscriptionService) UpdateSubscription(ctx context.Context, id string, input SubscriptionInput) (sub Subscription, err error) {
	if s == nil {
		err = fmt.Errorf("SubscriptionService is nil")
		return
	}
	if s.subscriptions == nil {
		err = fmt.Errorf("subscription repository not configured")
		return
	}

	logger := s.loggerWith(ctx, "UpdateSubscription", "subscription_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update subscription", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "subscription updated", "next_occurrence_at", sub.NextOccurrenceAt)
	}()

	var existing Subscription
	existing, err = s.subscriptions.GetSubscription(ctx, id)
	if err != nil {
		err = mapSubscriptionRepoError(err)
		return
	}

	vErr := &ValidationError{}
	rule, ruleErr := resolveRule(input, existing.Rule)
	vErr.merge(ruleErr)
	timezone, loc, tzErr := s.resolveTimezone(input.Timezone, existing.Timezone)
	vErr.merge(tzErr)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	sub = existing
	if subjectID := strings.TrimSpace(input.SubjectID); subjectID != "" {
		sub.SubjectID = subjectID
	}
	if input.Enabled != nil {
		sub.Enabled = *input.Enabled
	}
	sub.Rule = rule
	sub.Timezone = timezone

	now := s.now()
	reschedule := !sameRule(existing.Rule, rule) || existing.Timezone != timezone || (sub.Enabled && !existing.Enabled)
	if reschedule {
		sub.NextOccurrenceAt, err = s.calculatorFor(loc).Next(rule, now)
		if err != nil {
			return
		}
		sub.FailedAttempts = 0
		sub.RetryAt = nil
	}
	sub.UpdatedAt = now

	var persisted Subscription
	persisted, err = s.subscriptions.UpdateSubscription(ctx, sub)
	if err != nil {
		err = mapSubscriptionRepoError(err)
		return
	}
	sub = persisted
	return
}

// GetSubscription retrieves a subscription by identifier.
func (s *SubscriptionService) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	if s == nil {
		return Subscription{}, fmt.Errorf("SubscriptionService is nil")
	}
	if s.subscriptions == nil {
		return Subscription{}, fmt.Errorf("subscription repository not configured")
	}
	sub, err := s.subscriptions.GetSubscription(ctx, id)
	if err != nil {
		return Subscription{}, mapSubscriptionRepoError(err)
	}
	return sub, nil
}

// ListSubscriptions returns subscriptions ordered by creation time.
func (s *SubscriptionService) ListSubscriptions(ctx context.Context, params ListSubscriptionsParams) ([]Subscription, error) {
	if s == nil {
		return nil, fmt.Errorf("SubscriptionService is nil")
	}
	if s.subscriptions == nil {
		return nil, fmt.Errorf("subscription repository not configured")
	}
	if params.Limit < 0 {
		return nil, &ValidationError{FieldErrors: map[string]string{"limit": "limit must not be negative"}}
	}
	params.SubjectID = strings.TrimSpace(params.SubjectID)
	subs, err := s.subscriptions.ListSubscriptions(ctx, params)
	if err != nil {
		return nil, mapSubscriptionRepoError(err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription and its delivery history.
func (s *SubscriptionService) DeleteSubscription(ctx context.Context, id string) (err error) {
	if s == nil {
		return fmt.Errorf("SubscriptionService is nil")
	}
	if s.subscriptions == nil {
		return fmt.Errorf("subscription repository not configured")
	}

	logger := s.loggerWith(ctx, "DeleteSubscription", "subscription_id", id)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete subscription", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.InfoContext(ctx, "subscription deleted")
	}()

	if err = s.subscriptions.DeleteSubscription(ctx, id); err != nil {
		err = mapSubscriptionRepoError(err)
	}
	return
}

// PreviewOccurrences computes upcoming occurrences for an unsaved rule without
// touching storage. From defaults to the current time.
func (s *SubscriptionService) PreviewOccurrences(ctx context.Context, params PreviewParams) (Preview, error) {
	if s == nil {
		return Preview{}, fmt.Errorf("SubscriptionService is nil")
	}

	vErr := &ValidationError{}
	count := params.Count
	switch {
	case count == 0:
		count = defaultPreviewCount
	case count < 0 || count > maxPreviewCount:
		vErr.add("count", fmt.Sprintf("count must be within 1..%d", maxPreviewCount))
	}
	rule, ruleErr := resolveRule(params.Input, recurrence.Rule{})
	vErr.merge(ruleErr)
	timezone, loc, tzErr := s.resolveTimezone(params.Input.Timezone, "")
	vErr.merge(tzErr)
	if vErr.HasErrors() {
		return Preview{}, vErr
	}

	from := params.From
	if from.IsZero() {
		from = s.now()
	}

	occurrences, err := s.calculatorFor(loc).Upcoming(rule, from, count)
	if err != nil {
		s.loggerWith(ctx, "PreviewOccurrences").WarnContext(ctx, "preview failed", "error", err, "error_kind", ErrorKind(err))
		return Preview{}, err
	}
	return Preview{Rule: rule, Timezone: timezone, From: from, Occurrences: occurrences}, nil
}

// DueSubscriptions lists enabled subscriptions whose due time is at or before
// now, earliest first. A subscription retrying a failed delivery is due at its
// retry time rather than its next occurrence.
func (s *SubscriptionService) DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]Subscription, error) {
	if s == nil {
		return nil, fmt.Errorf("SubscriptionService is nil")
	}
	if s.subscriptions == nil {
		return nil, fmt.Errorf("subscription repository not configured")
	}
	subs, err := s.subscriptions.ListDueSubscriptions(ctx, now, limit)
	if err != nil {
		return nil, mapSubscriptionRepoError(err)
	}
	return subs, nil
}

// AdvanceSubscription moves the cursor of a fired subscription to its next
// occurrence. Occurrences missed while the subscription was overdue are
// skipped, so the new cursor is after both the fired occurrence and firedAt.
// ErrConflict reports that another worker advanced the subscription first.
func (s *SubscriptionService) AdvanceSubscription(ctx context.Context, sub Subscription, firedAt time.Time) (advanced Subscription, err error) {
	if s == nil {
		err = fmt.Errorf("SubscriptionService is nil")
		return
	}
	if s.subscriptions == nil {
		err = fmt.Errorf("subscription repository not configured")
		return
	}

	logger := s.loggerWith(ctx, "AdvanceSubscription",
		"subscription_id", sub.ID,
		"scheduled_for", sub.NextOccurrenceAt,
	)
	defer func() {
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ErrConflict) {
				level = slog.LevelInfo
			}
			logger.Log(ctx, level, "subscription not advanced", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.DebugContext(ctx, "subscription advanced", "next_occurrence_at", advanced.NextOccurrenceAt)
	}()

	from := sub.NextOccurrenceAt
	if firedAt.After(from) {
		from = firedAt
	}

	_, loc, tzErr := s.resolveTimezone(sub.Timezone, "")
	if tzErr.HasErrors() {
		err = tzErr
		return
	}

	var next time.Time
	next, err = s.calculatorFor(loc).Next(sub.Rule, from)
	if err != nil {
		return
	}

	if err = s.subscriptions.AdvanceSubscription(ctx, sub.ID, sub.NextOccurrenceAt, firedAt, next); err != nil {
		err = mapSubscriptionRepoError(err)
		return
	}

	advanced = sub
	fired := firedAt
	advanced.LastOccurrenceAt = &fired
	advanced.NextOccurrenceAt = next
	advanced.FailedAttempts = 0
	advanced.RetryAt = nil
	advanced.UpdatedAt = firedAt
	return
}

// DeferSubscription counts a failed delivery of the current occurrence and
// makes the subscription due again at retryAt. The occurrence itself is kept.
// ErrConflict reports that another worker moved the cursor first.
func (s *SubscriptionService) DeferSubscription(ctx context.Context, sub Subscription, retryAt time.Time) (deferred Subscription, err error) {
	if s == nil {
		err = fmt.Errorf("SubscriptionService is nil")
		return
	}
	if s.subscriptions == nil {
		err = fmt.Errorf("subscription repository not configured")
		return
	}

	logger := s.loggerWith(ctx, "DeferSubscription",
		"subscription_id", sub.ID,
		"scheduled_for", sub.NextOccurrenceAt,
	)
	defer func() {
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, ErrConflict) {
				level = slog.LevelInfo
			}
			logger.Log(ctx, level, "subscription not deferred", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.DebugContext(ctx, "subscription deferred", "retry_at", retryAt, "failed_attempts", deferred.FailedAttempts)
	}()

	if retryAt.Before(sub.NextOccurrenceAt) {
		retryAt = sub.NextOccurrenceAt
	}
	if err = s.subscriptions.DeferSubscription(ctx, sub.ID, sub.NextOccurrenceAt, retryAt); err != nil {
		err = mapSubscriptionRepoError(err)
		return
	}

	deferred = sub
	retry := retryAt
	deferred.FailedAttempts++
	deferred.RetryAt = &retry
	return
}

// RecordDelivery stores the outcome of dispatching the subscription's current
// occurrence. A nil cause records a successful delivery. ErrAlreadyExists
// reports that the occurrence was already delivered.
func (s *SubscriptionService) RecordDelivery(ctx context.Context, sub Subscription, deliveredAt time.Time, cause error) (Delivery, error) {
	if s == nil {
		return Delivery{}, fmt.Errorf("SubscriptionService is nil")
	}

	delivery := Delivery{
		ID:             s.idGenerator(),
		SubscriptionID: sub.ID,
		ScheduledFor:   sub.NextOccurrenceAt,
		DeliveredAt:    deliveredAt,
		Status:         DeliveryDelivered,
	}
	if cause != nil {
		delivery.Status = DeliveryFailed
		delivery.Error = cause.Error()
	}

	if s.deliveries == nil {
		return delivery, nil
	}
	persisted, err := s.deliveries.RecordDelivery(ctx, delivery)
	if err != nil {
		return Delivery{}, mapSubscriptionRepoError(err)
	}
	return persisted, nil
}

// ListDeliveries returns the most recent deliveries of a subscription.
func (s *SubscriptionService) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]Delivery, error) {
	if s == nil {
		return nil, fmt.Errorf("SubscriptionService is nil")
	}
	if s.deliveries == nil || s.subscriptions == nil {
		return nil, fmt.Errorf("delivery repository not configured")
	}
	switch {
	case limit == 0:
		limit = defaultDeliveryLimit
	case limit < 0 || limit > maxDeliveryLimit:
		return nil, &ValidationError{FieldErrors: map[string]string{
			"limit": fmt.Sprintf("limit must be within 1..%d", maxDeliveryLimit),
		}}
	}

	if _, err := s.subscriptions.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, mapSubscriptionRepoError(err)
	}
	deliveries, err := s.deliveries.ListDeliveries(ctx, subscriptionID, limit)
	if err != nil {
		return nil, mapSubscriptionRepoError(err)
	}
	return deliveries, nil
}

func (s *SubscriptionService) calculatorFor(loc *time.Location) *recurrence.Calculator {
	return recurrence.NewCalculator(
		recurrence.WithAnchor(s.settings.WindowAnchor),
		recurrence.WithLocation(loc),
	)
}

// resolveTimezone picks the requested timezone, then fallback, then the
// service default.
func (s *SubscriptionService) resolveTimezone(requested, fallback string) (string, *time.Location, *ValidationError) {
	vErr := &ValidationError{}
	name := strings.TrimSpace(requested)
	if name == "" {
		name = fallback
	}
	if name == "" {
		name = s.settings.DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		vErr.add("timezone", fmt.Sprintf("unknown timezone %q", name))
		return "", nil, vErr
	}
	return name, loc, vErr
}

// resolveRule layers the preset and explicit input fields over base and
// validates the result.
func resolveRule(input SubscriptionInput, base recurrence.Rule) (recurrence.Rule, *ValidationError) {
	vErr := &ValidationError{}
	rule := base.Normalize()

	if name := strings.TrimSpace(input.Preset); name != "" {
		preset, ok := PresetRule(name)
		if !ok {
			vErr.add("preset", fmt.Sprintf("unknown preset %q, expected one of %s", name, strings.Join(PresetNames(), ", ")))
		} else {
			rule = preset
		}
	}

	if input.IntervalDays != nil {
		if *input.IntervalDays < 0 {
			vErr.add("interval_days", "interval_days must not be negative")
		} else {
			rule.IntervalDays = *input.IntervalDays
		}
	}
	if input.Occurrences != nil {
		if *input.Occurrences < 0 {
			vErr.add("occurrences", "occurrences must not be negative")
		} else {
			rule.Occurrences = *input.Occurrences
		}
	}
	if input.DaysMask != nil {
		days, err := recurrence.ParseDayMask(*input.DaysMask)
		if err != nil {
			if !vErr.addRuleError(err) {
				vErr.add("days_mask", err.Error())
			}
		} else {
			rule.DaysOfWeek = &days
		}
	}
	if strings.TrimSpace(input.TimeOfDay) != "" {
		tod, err := recurrence.ParseTimeOfDay(input.TimeOfDay)
		if err != nil {
			if !vErr.addRuleError(err) {
				vErr.add("time_of_day", err.Error())
			}
		} else {
			rule.TimeOfDay = tod
		}
	}
	if vErr.HasErrors() {
		return recurrence.Rule{}, vErr
	}

	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		vErr.addRuleError(err)
		return recurrence.Rule{}, vErr
	}
	return rule, vErr
}

func sameRule(a, b recurrence.Rule) bool {
	a, b = a.Normalize(), b.Normalize()
	return a.IntervalDays == b.IntervalDays &&
		a.Occurrences == b.Occurrences &&
		a.TimeOfDay == b.TimeOfDay &&
		daysOf(a) == daysOf(b)
}

func daysOf(rule recurrence.Rule) recurrence.DaySet {
	if rule.DaysOfWeek == nil {
		return recurrence.AllDays
	}
	return *rule.DaysOfWeek
}

func mapSubscriptionRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrForeignKeyViolation):
		return ErrNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrConflict):
		return ErrConflict
	default:
		return err
	}
}
