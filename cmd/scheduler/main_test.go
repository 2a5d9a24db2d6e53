package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/example/digest-scheduler/internal/application"
	"github.com/example/digest-scheduler/internal/config"
	"github.com/example/digest-scheduler/internal/persistence"
	"github.com/example/digest-scheduler/internal/recurrence"
	"github.com/example/digest-scheduler/internal/scheduler"
	"github.com/example/digest-scheduler/internal/testfixtures"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	opts, err := parseFlags([]string{"--next", "--days-mask", "34", "--time", "14:00", "-n", "3"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags returned error: %v", err)
	}
	if !opts.next || !opts.daysMaskSet || opts.daysMask != 34 || opts.timeOfDay != "14:00" || opts.count != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.intervalDays != recurrence.DefaultIntervalDays || opts.occurrences != recurrence.DefaultOccurrences {
		t.Fatalf("expected default counts, got %+v", opts)
	}

	opts, err = parseFlags(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags returned error: %v", err)
	}
	if opts.daysMaskSet {
		t.Fatalf("expected days mask to be unset by default")
	}

	if _, err := parseFlags([]string{"--once", "--next"}, io.Discard); err == nil {
		t.Fatalf("expected --once with --next to be rejected")
	}
	if _, err := parseFlags([]string{"--bogus"}, io.Discard); err == nil {
		t.Fatalf("expected unknown flag to be rejected")
	}
}

func TestPrintUpcoming(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	reference := testfixtures.ReferenceTime()

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "monday and friday afternoons",
			args: []string{"--next", "--days-mask", "34", "--time", "14:00", "--count", "3"},
			want: []string{"2023-01-06T14:00:00Z Fri", "2023-01-09T14:00:00Z Mon", "2023-01-13T14:00:00Z Fri"},
		},
		{
			name: "weekly windows follow the epoch",
			args: []string{"--next", "--interval-days", "7"},
			want: []string{"2023-01-05T00:00:00Z Thu"},
		},
		{
			name: "explicit timezone and reference",
			args: []string{"--next", "--time", "09:00", "--timezone", "Asia/Tokyo", "--from", "2023-01-03T10:00:00Z"},
			want: []string{"2023-01-04T09:00:00+09:00 Wed"},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			opts, err := parseFlags(tc.args, io.Discard)
			if err != nil {
				t.Fatalf("parseFlags returned error: %v", err)
			}
			var out bytes.Buffer
			if err := printUpcoming(&out, cfg, opts, reference); err != nil {
				t.Fatalf("printUpcoming returned error: %v", err)
			}
			got := strings.Split(strings.TrimSpace(out.String()), "\n")
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("unexpected output:\n got %v\nwant %v", got, tc.want)
			}
		})
	}

	t.Run("rejects an empty day mask", func(t *testing.T) {
		t.Parallel()

		opts, err := parseFlags([]string{"--next", "--days-mask", "0"}, io.Discard)
		if err != nil {
			t.Fatalf("parseFlags returned error: %v", err)
		}
		err = printUpcoming(io.Discard, cfg, opts, reference)
		if !errors.Is(err, recurrence.ErrInvalidRule) {
			t.Fatalf("expected ErrInvalidRule, got %v", err)
		}
	})
}

func TestSubscriptionRepositoryAdapter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := testfixtures.NewSQLiteHarness(t)
	adapter := newSubscriptionRepositoryAdapter(harness.Subscriptions)

	sub := testfixtures.NewSubscriptionFixture(
		testfixtures.WithSubject("alice"),
		testfixtures.WithRule(7, 3),
		testfixtures.WithDaysMask(34),
		testfixtures.WithTimeOfDay("14:30"),
	).Application()

	created, err := adapter.CreateSubscription(ctx, sub)
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	if created.Rule.IntervalDays != 7 || created.Rule.Occurrences != 3 {
		t.Fatalf("unexpected rule counts: %+v", created.Rule)
	}
	if created.Rule.DaysOfWeek == nil || created.Rule.DaysOfWeek.Mask() != 34 {
		t.Fatalf("expected day mask 34, got %v", created.Rule.DaysOfWeek)
	}
	if !created.Rule.DaysOfWeek.Contains(time.Monday) || !created.Rule.DaysOfWeek.Contains(time.Friday) {
		t.Fatalf("expected monday and friday, got %v", created.Rule.DaysOfWeek)
	}
	if created.Rule.TimeOfDay != (recurrence.TimeOfDay{Hour: 14, Minute: 30}) {
		t.Fatalf("unexpected time of day %v", created.Rule.TimeOfDay)
	}

	bySubject, err := adapter.GetSubscriptionBySubject(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSubscriptionBySubject failed: %v", err)
	}
	if bySubject.ID != sub.ID {
		t.Fatalf("expected %s, got %s", sub.ID, bySubject.ID)
	}

	if _, err := adapter.GetSubscription(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected persistence.ErrNotFound, got %v", err)
	}

	everyDay := testfixtures.NewSubscriptionFixture(testfixtures.WithSubject("bob"), testfixtures.WithoutDaysMask()).Application()
	if _, err := adapter.CreateSubscription(ctx, everyDay); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	listed, err := adapter.ListSubscriptions(ctx, application.ListSubscriptionsParams{SubjectID: "bob"})
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Rule.DaysOfWeek != nil {
		t.Fatalf("expected a single every-day subscription, got %+v", listed)
	}
}

func TestDeliveryRepositoryAdapter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := testfixtures.NewSQLiteHarness(t)
	sub := testfixtures.NewSubscriptionFixture().Persistence()
	if err := harness.Subscriptions.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}

	adapter := newDeliveryRepositoryAdapter(harness.Deliveries)
	failed := application.Delivery{
		ID:             "delivery-1",
		SubscriptionID: sub.ID,
		ScheduledFor:   sub.NextOccurrenceAt,
		DeliveredAt:    sub.NextOccurrenceAt.Add(time.Minute),
		Status:         application.DeliveryFailed,
		Error:          "relay refused",
	}
	if _, err := adapter.RecordDelivery(ctx, failed); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}

	history, err := adapter.ListDeliveries(ctx, sub.ID, 10)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != application.DeliveryFailed || history[0].Error != "relay refused" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

// TestDispatchAgainstSQLite drives a subscription through the service and a
// dispatcher backed by real storage.
func TestDispatchAgainstSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := testfixtures.NewSQLiteHarness(t)

	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	factory := testfixtures.NewServiceFactory(testfixtures.WithClock(clock))
	service := factory.NewSubscriptionService(testfixtures.SubscriptionServiceDeps{
		Subscriptions: newSubscriptionRepositoryAdapter(harness.Subscriptions),
		Deliveries:    newDeliveryRepositoryAdapter(harness.Deliveries),
		Settings:      application.SubscriptionSettings{DefaultTimezone: "UTC"},
	})

	days := 34
	sub, err := service.CreateSubscription(ctx, application.SubscriptionInput{
		SubjectID: "alice",
		DaysMask:  &days,
		TimeOfDay: "14:00",
	})
	if err != nil {
		t.Fatalf("CreateSubscription failed: %v", err)
	}
	firstDue := time.Date(2023, time.January, 6, 14, 0, 0, 0, time.UTC)
	if !sub.NextOccurrenceAt.Equal(firstDue) {
		t.Fatalf("expected first occurrence %v, got %v", firstDue, sub.NextOccurrenceAt)
	}

	var delivered []scheduler.Occurrence
	handler := scheduler.HandlerFunc(func(_ context.Context, occurrence scheduler.Occurrence) error {
		delivered = append(delivered, occurrence)
		return nil
	})
	dispatcher, err := scheduler.NewDispatcher(service, handler, scheduler.Options{Now: clock.NowFunc()})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	result, err := dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Due != 0 {
		t.Fatalf("expected nothing due before the first occurrence, got %+v", result)
	}

	clock.Set(firstDue.Add(5 * time.Minute))
	result, err = dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Due != 1 || result.Dispatched != 1 {
		t.Fatalf("expected one dispatched occurrence, got %+v", result)
	}
	if len(delivered) != 1 || !delivered[0].ScheduledFor.Equal(firstDue) {
		t.Fatalf("unexpected deliveries: %+v", delivered)
	}

	stored, err := service.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	secondDue := time.Date(2023, time.January, 9, 14, 0, 0, 0, time.UTC)
	if !stored.NextOccurrenceAt.Equal(secondDue) {
		t.Fatalf("expected next occurrence %v, got %v", secondDue, stored.NextOccurrenceAt)
	}
	if stored.LastOccurrenceAt == nil || !stored.LastOccurrenceAt.Equal(firstDue.Add(5*time.Minute)) {
		t.Fatalf("unexpected last occurrence %v", stored.LastOccurrenceAt)
	}

	result, err = dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Due != 0 || len(delivered) != 1 {
		t.Fatalf("expected the occurrence to fire once, got %+v after %d deliveries", result, len(delivered))
	}

	history, err := service.ListDeliveries(ctx, sub.ID, 0)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != application.DeliveryDelivered {
		t.Fatalf("unexpected delivery history: %+v", history)
	}
}

// TestDispatchAgainstSQLite_FailingSubscriptionsYieldTheBatch keeps two
// subscriptions failing while a third becomes due behind them in a batch that
// only fits two.
func TestDispatchAgainstSQLite_FailingSubscriptionsYieldTheBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	harness := testfixtures.NewSQLiteHarness(t)

	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	factory := testfixtures.NewServiceFactory(testfixtures.WithClock(clock))
	service := factory.NewSubscriptionService(testfixtures.SubscriptionServiceDeps{
		Subscriptions: newSubscriptionRepositoryAdapter(harness.Subscriptions),
		Deliveries:    newDeliveryRepositoryAdapter(harness.Deliveries),
		Settings:      application.SubscriptionSettings{DefaultTimezone: "UTC"},
	})

	subs := make(map[string]application.Subscription)
	for subject, timeOfDay := range map[string]string{"alice": "09:00", "bob": "09:00", "carol": "10:00"} {
		sub, err := service.CreateSubscription(ctx, application.SubscriptionInput{SubjectID: subject, TimeOfDay: timeOfDay})
		if err != nil {
			t.Fatalf("CreateSubscription %s failed: %v", subject, err)
		}
		subs[subject] = sub
	}

	calls := make(map[string]int)
	handler := scheduler.HandlerFunc(func(_ context.Context, occurrence scheduler.Occurrence) error {
		calls[occurrence.SubjectID]++
		if occurrence.SubjectID == "carol" {
			return nil
		}
		return errors.New("mailbox unavailable")
	})
	dispatcher, err := scheduler.NewDispatcher(service, handler, scheduler.Options{
		BatchSize:    2,
		RetryBackoff: 5 * time.Minute,
		MaxAttempts:  5,
		Now:          clock.NowFunc(),
	})
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	// Everything is due; the two failing subscriptions sort first.
	clock.Set(time.Date(2023, time.January, 4, 10, 5, 0, 0, time.UTC))
	result, err := dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Due != 2 || result.Failed != 2 {
		t.Fatalf("expected the failing pair to fill the first batch, got %+v", result)
	}

	result, err = dispatcher.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.Due != 1 || result.Dispatched != 1 || calls["carol"] != 1 {
		t.Fatalf("expected carol to be dispatched while the others back off, got %+v with calls %v", result, calls)
	}

	for pass := 0; pass < 120; pass++ {
		clock.Advance(time.Minute)
		if _, err := dispatcher.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce failed: %v", err)
		}
	}

	// Attempts at 10:05, 10:10, 10:20, 10:40 and 11:20; the fifth failure
	// abandons the occurrence.
	if calls["alice"] != 5 || calls["bob"] != 5 || calls["carol"] != 1 {
		t.Fatalf("unexpected delivery attempts: %v", calls)
	}
	nextDay := time.Date(2023, time.January, 5, 9, 0, 0, 0, time.UTC)
	for _, subject := range []string{"alice", "bob"} {
		stored, err := service.GetSubscription(ctx, subs[subject].ID)
		if err != nil {
			t.Fatalf("GetSubscription %s failed: %v", subject, err)
		}
		if !stored.NextOccurrenceAt.Equal(nextDay) || stored.FailedAttempts != 0 || stored.RetryAt != nil {
			t.Fatalf("expected %s to move on to %v after giving up, got %+v", subject, nextDay, stored)
		}
	}

	history, err := service.ListDeliveries(ctx, subs["alice"].ID, 0)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != application.DeliveryFailed {
		t.Fatalf("expected a single failed delivery for the abandoned occurrence, got %+v", history)
	}
}
