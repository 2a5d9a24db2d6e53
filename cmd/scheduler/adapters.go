package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/digest-scheduler/internal/application"
	"github.com/example/digest-scheduler/internal/persistence"
	"github.com/example/digest-scheduler/internal/recurrence"
)

type subscriptionRepositoryAdapter struct {
	repo persistence.SubscriptionRepository
}

func newSubscriptionRepositoryAdapter(repo persistence.SubscriptionRepository) *subscriptionRepositoryAdapter {
	return &subscriptionRepositoryAdapter{repo: repo}
}

func (a *subscriptionRepositoryAdapter) CreateSubscription(ctx context.Context, sub application.Subscription) (application.Subscription, error) {
	if err := a.repo.CreateSubscription(ctx, toPersistenceSubscription(sub)); err != nil {
		return application.Subscription{}, err
	}
	return a.GetSubscription(ctx, sub.ID)
}

func (a *subscriptionRepositoryAdapter) UpdateSubscription(ctx context.Context, sub application.Subscription) (application.Subscription, error) {
	if err := a.repo.UpdateSubscription(ctx, toPersistenceSubscription(sub)); err != nil {
		return application.Subscription{}, err
	}
	return a.GetSubscription(ctx, sub.ID)
}

func (a *subscriptionRepositoryAdapter) GetSubscription(ctx context.Context, id string) (application.Subscription, error) {
	stored, err := a.repo.GetSubscription(ctx, id)
	if err != nil {
		return application.Subscription{}, err
	}
	return toApplicationSubscription(stored)
}

func (a *subscriptionRepositoryAdapter) GetSubscriptionBySubject(ctx context.Context, subjectID string) (application.Subscription, error) {
	stored, err := a.repo.GetSubscriptionBySubject(ctx, subjectID)
	if err != nil {
		return application.Subscription{}, err
	}
	return toApplicationSubscription(stored)
}

func (a *subscriptionRepositoryAdapter) ListSubscriptions(ctx context.Context, params application.ListSubscriptionsParams) ([]application.Subscription, error) {
	models, err := a.repo.ListSubscriptions(ctx, persistence.SubscriptionFilter{
		SubjectID:   params.SubjectID,
		EnabledOnly: params.EnabledOnly,
		Limit:       params.Limit,
	})
	if err != nil {
		return nil, err
	}
	return toApplicationSubscriptions(models)
}

func (a *subscriptionRepositoryAdapter) DeleteSubscription(ctx context.Context, id string) error {
	return a.repo.DeleteSubscription(ctx, id)
}

func (a *subscriptionRepositoryAdapter) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]application.Subscription, error) {
	models, err := a.repo.ListDueSubscriptions(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return toApplicationSubscriptions(models)
}

func (a *subscriptionRepositoryAdapter) AdvanceSubscription(ctx context.Context, id string, expectedNext, firedAt, next time.Time) error {
	return a.repo.AdvanceSubscription(ctx, id, expectedNext, firedAt, next)
}

func (a *subscriptionRepositoryAdapter) DeferSubscription(ctx context.Context, id string, expectedNext, retryAt time.Time) error {
	return a.repo.DeferSubscription(ctx, id, expectedNext, retryAt)
}

type deliveryRepositoryAdapter struct {
	repo persistence.DeliveryRepository
}

func newDeliveryRepositoryAdapter(repo persistence.DeliveryRepository) *deliveryRepositoryAdapter {
	return &deliveryRepositoryAdapter{repo: repo}
}

func (a *deliveryRepositoryAdapter) RecordDelivery(ctx context.Context, delivery application.Delivery) (application.Delivery, error) {
	if err := a.repo.RecordDelivery(ctx, toPersistenceDelivery(delivery)); err != nil {
		return application.Delivery{}, err
	}
	return delivery, nil
}

func (a *deliveryRepositoryAdapter) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]application.Delivery, error) {
	models, err := a.repo.ListDeliveries(ctx, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}
	deliveries := make([]application.Delivery, 0, len(models))
	for _, model := range models {
		deliveries = append(deliveries, toApplicationDelivery(model))
	}
	return deliveries, nil
}

func toApplicationSubscriptions(models []persistence.Subscription) ([]application.Subscription, error) {
	if len(models) == 0 {
		return nil, nil
	}
	subs := make([]application.Subscription, 0, len(models))
	for _, model := range models {
		sub, err := toApplicationSubscription(model)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func toApplicationSubscription(model persistence.Subscription) (application.Subscription, error) {
	rule := recurrence.Rule{IntervalDays: model.IntervalDays, Occurrences: model.Occurrences}
	if model.DaysMask != nil {
		days, err := recurrence.ParseDayMask(*model.DaysMask)
		if err != nil {
			return application.Subscription{}, fmt.Errorf("subscription %s: stored day mask: %w", model.ID, err)
		}
		rule.DaysOfWeek = &days
	}
	tod, err := recurrence.ParseTimeOfDay(model.TimeOfDay)
	if err != nil {
		return application.Subscription{}, fmt.Errorf("subscription %s: stored time of day: %w", model.ID, err)
	}
	rule.TimeOfDay = tod

	return application.Subscription{
		ID:               model.ID,
		SubjectID:        model.SubjectID,
		Rule:             rule,
		Timezone:         model.Timezone,
		Enabled:          model.Enabled,
		LastOccurrenceAt: cloneTime(model.LastOccurrenceAt),
		NextOccurrenceAt: model.NextOccurrenceAt,
		FailedAttempts:   model.FailedAttempts,
		RetryAt:          cloneTime(model.RetryAt),
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}, nil
}

func toPersistenceSubscription(sub application.Subscription) persistence.Subscription {
	rule := sub.Rule.Normalize()
	var mask *int
	if rule.DaysOfWeek != nil {
		value := rule.DaysOfWeek.Mask()
		mask = &value
	}
	return persistence.Subscription{
		ID:               sub.ID,
		SubjectID:        sub.SubjectID,
		IntervalDays:     rule.IntervalDays,
		Occurrences:      rule.Occurrences,
		DaysMask:         mask,
		TimeOfDay:        rule.TimeOfDay.String(),
		Timezone:         sub.Timezone,
		Enabled:          sub.Enabled,
		LastOccurrenceAt: cloneTime(sub.LastOccurrenceAt),
		NextOccurrenceAt: sub.NextOccurrenceAt,
		FailedAttempts:   sub.FailedAttempts,
		RetryAt:          cloneTime(sub.RetryAt),
		CreatedAt:        sub.CreatedAt,
		UpdatedAt:        sub.UpdatedAt,
	}
}

func toApplicationDelivery(model persistence.Delivery) application.Delivery {
	message := ""
	if model.Error != nil {
		message = *model.Error
	}
	return application.Delivery{
		ID:             model.ID,
		SubscriptionID: model.SubscriptionID,
		ScheduledFor:   model.ScheduledFor,
		DeliveredAt:    model.DeliveredAt,
		Status:         application.DeliveryStatus(model.Status),
		Error:          message,
	}
}

func toPersistenceDelivery(delivery application.Delivery) persistence.Delivery {
	var message *string
	if delivery.Error != "" {
		value := delivery.Error
		message = &value
	}
	return persistence.Delivery{
		ID:             delivery.ID,
		SubscriptionID: delivery.SubscriptionID,
		ScheduledFor:   delivery.ScheduledFor,
		DeliveredAt:    delivery.DeliveredAt,
		Status:         string(delivery.Status),
		Error:          message,
	}
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
