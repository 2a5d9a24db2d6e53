package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/digest-scheduler/internal/application"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// sourceStub keeps subscriptions in memory and advances them by one day with
// compare-and-swap semantics.
type sourceStub struct {
	mu         sync.Mutex
	subs       map[string]application.Subscription
	deliveries map[string]application.DeliveryStatus
	recorded   []application.Delivery
	listErr    error
	advanceErr error
	deferred   []time.Time
}

func newSourceStub(subs ...application.Subscription) *sourceStub {
	s := &sourceStub{
		subs:       make(map[string]application.Subscription),
		deliveries: make(map[string]application.DeliveryStatus),
	}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

func (s *sourceStub) DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]application.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var due []application.Subscription
	for _, sub := range s.subs {
		dueAt := sub.NextOccurrenceAt
		if sub.RetryAt != nil {
			dueAt = *sub.RetryAt
		}
		if sub.Enabled && !dueAt.After(now) {
			due = append(due, sub)
		}
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *sourceStub) RecordDelivery(ctx context.Context, sub application.Subscription, deliveredAt time.Time, cause error) (application.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := lockKey(sub)
	if s.deliveries[key] == application.DeliveryDelivered {
		return application.Delivery{}, application.ErrAlreadyExists
	}
	delivery := application.Delivery{
		SubscriptionID: sub.ID,
		ScheduledFor:   sub.NextOccurrenceAt,
		DeliveredAt:    deliveredAt,
		Status:         application.DeliveryDelivered,
	}
	if cause != nil {
		delivery.Status = application.DeliveryFailed
		delivery.Error = cause.Error()
	}
	s.deliveries[key] = delivery.Status
	s.recorded = append(s.recorded, delivery)
	return delivery, nil
}

func (s *sourceStub) AdvanceSubscription(ctx context.Context, sub application.Subscription, firedAt time.Time) (application.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advanceErr != nil {
		return application.Subscription{}, s.advanceErr
	}
	stored, ok := s.subs[sub.ID]
	if !ok {
		return application.Subscription{}, application.ErrNotFound
	}
	if !stored.NextOccurrenceAt.Equal(sub.NextOccurrenceAt) {
		return application.Subscription{}, application.ErrConflict
	}
	stored.LastOccurrenceAt = &firedAt
	stored.NextOccurrenceAt = stored.NextOccurrenceAt.Add(24 * time.Hour)
	stored.FailedAttempts = 0
	stored.RetryAt = nil
	s.subs[sub.ID] = stored
	return stored, nil
}

func (s *sourceStub) DeferSubscription(ctx context.Context, sub application.Subscription, retryAt time.Time) (application.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.subs[sub.ID]
	if !ok {
		return application.Subscription{}, application.ErrNotFound
	}
	if !stored.NextOccurrenceAt.Equal(sub.NextOccurrenceAt) {
		return application.Subscription{}, application.ErrConflict
	}
	stored.FailedAttempts++
	stored.RetryAt = &retryAt
	s.subs[sub.ID] = stored
	s.deferred = append(s.deferred, retryAt)
	return stored, nil
}

func (s *sourceStub) get(id string) application.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

func (s *sourceStub) next(id string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id].NextOccurrenceAt
}

var passTime = time.Date(2023, time.January, 3, 10, 0, 0, 0, time.UTC)

func dueSubscription(id string) application.Subscription {
	return application.Subscription{
		ID:               id,
		SubjectID:        "subject-" + id,
		Enabled:          true,
		Timezone:         "UTC",
		NextOccurrenceAt: time.Date(2023, time.January, 3, 9, 0, 0, 0, time.UTC),
	}
}

func newTestDispatcher(t *testing.T, source Source, handler Handler, opts Options) *Dispatcher {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return passTime }
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	d, err := NewDispatcher(source, handler, opts)
	if err != nil {
		t.Fatalf("NewDispatcher returned error: %v", err)
	}
	return d
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	handler := HandlerFunc(func(context.Context, Occurrence) error { return nil })
	if _, err := NewDispatcher(nil, handler, Options{}); err == nil {
		t.Fatalf("expected missing source to be rejected")
	}
	if _, err := NewDispatcher(newSourceStub(), nil, Options{}); err == nil {
		t.Fatalf("expected missing handler to be rejected")
	}
	if _, err := NewDispatcher(newSourceStub(), handler, Options{PollSpec: "every minute"}); err == nil {
		t.Fatalf("expected invalid poll spec to be rejected")
	}

	d := newTestDispatcher(t, newSourceStub(), handler, Options{PollSpec: "*/5 * * * *"})
	if got, want := d.NextPoll(passTime), passTime.Add(5*time.Minute); !got.Equal(want) {
		t.Fatalf("expected next poll %s, got %s", want, got)
	}
}

func TestDispatcher_RunOnce(t *testing.T) {
	t.Parallel()

	t.Run("delivers, records, and advances due subscriptions", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub(dueSubscription("a"), dueSubscription("b"))
		reg := prometheus.NewRegistry()
		var delivered []Occurrence
		var mu sync.Mutex
		handler := HandlerFunc(func(ctx context.Context, occurrence Occurrence) error {
			mu.Lock()
			delivered = append(delivered, occurrence)
			mu.Unlock()
			return nil
		})
		d := newTestDispatcher(t, source, handler, Options{Metrics: NewMetrics(reg)})

		result, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if result != (PassResult{Due: 2, Dispatched: 2}) {
			t.Fatalf("unexpected pass result: %+v", result)
		}
		if len(delivered) != 2 || !delivered[0].FiredAt.Equal(passTime) {
			t.Fatalf("unexpected occurrences: %+v", delivered)
		}
		want := time.Date(2023, time.January, 4, 9, 0, 0, 0, time.UTC)
		if !source.next("a").Equal(want) || !source.next("b").Equal(want) {
			t.Fatalf("expected both subscriptions to advance to %s", want)
		}
		if got := counterValue(t, reg, "digest_dispatcher_dispatched_total", nil); got != 2 {
			t.Fatalf("expected dispatched counter 2, got %v", got)
		}
		if got := counterValue(t, reg, "digest_dispatcher_due_total", nil); got != 2 {
			t.Fatalf("expected due counter 2, got %v", got)
		}

		second, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if second.Due != 0 {
			t.Fatalf("expected nothing due on the second pass, got %+v", second)
		}
	})

	t.Run("keeps the cursor when delivery fails", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub(dueSubscription("a"))
		reg := prometheus.NewRegistry()
		handler := HandlerFunc(func(context.Context, Occurrence) error { return errors.New("relay refused") })
		d := newTestDispatcher(t, source, handler, Options{Metrics: NewMetrics(reg)})

		result, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if result.Failed != 1 || result.Dispatched != 0 {
			t.Fatalf("unexpected pass result: %+v", result)
		}
		if !source.next("a").Equal(dueSubscription("a").NextOccurrenceAt) {
			t.Fatalf("expected cursor to stay in place")
		}
		stored := source.get("a")
		if stored.FailedAttempts != 1 || stored.RetryAt == nil || !stored.RetryAt.Equal(passTime.Add(defaultRetryBackoff)) {
			t.Fatalf("expected the subscription to back off until %s, got %+v", passTime.Add(defaultRetryBackoff), stored)
		}
		if len(source.recorded) != 1 || source.recorded[0].Status != application.DeliveryFailed || source.recorded[0].Error != "relay refused" {
			t.Fatalf("expected failed delivery to be recorded, got %+v", source.recorded)
		}
		if got := counterValue(t, reg, "digest_dispatcher_failed_total", nil); got != 1 {
			t.Fatalf("expected failed counter 1, got %v", got)
		}
	})

	t.Run("doubles the retry delay and abandons after max attempts", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub(dueSubscription("a"))
		reg := prometheus.NewRegistry()
		var calls int32
		handler := HandlerFunc(func(context.Context, Occurrence) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("relay refused")
		})
		now := passTime
		d := newTestDispatcher(t, source, handler, Options{
			RetryBackoff:    time.Minute,
			MaxRetryBackoff: 3 * time.Minute,
			MaxAttempts:     4,
			Metrics:         NewMetrics(reg),
			Now:             func() time.Time { return now },
		})

		var delays []time.Duration
		for pass := 0; pass < 4; pass++ {
			firedAt := now
			result, err := d.RunOnce(context.Background())
			if err != nil {
				t.Fatalf("RunOnce returned error: %v", err)
			}
			if result.Failed != 1 {
				t.Fatalf("pass %d: expected one failure, got %+v", pass, result)
			}
			if early, err := d.RunOnce(context.Background()); err != nil || early.Due != 0 {
				t.Fatalf("pass %d: expected nothing due before the retry time, got %+v, %v", pass, early, err)
			}
			if retryAt := source.get("a").RetryAt; retryAt != nil {
				delays = append(delays, retryAt.Sub(firedAt))
				now = *retryAt
			}
		}

		want := []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute}
		if len(delays) != len(want) {
			t.Fatalf("expected delays %v, got %v", want, delays)
		}
		for i := range want {
			if delays[i] != want[i] {
				t.Fatalf("expected delays %v, got %v", want, delays)
			}
		}

		stored := source.get("a")
		next := dueSubscription("a").NextOccurrenceAt.Add(24 * time.Hour)
		if !stored.NextOccurrenceAt.Equal(next) || stored.FailedAttempts != 0 || stored.RetryAt != nil {
			t.Fatalf("expected the occurrence to be abandoned and the cursor moved to %s, got %+v", next, stored)
		}
		if got := atomic.LoadInt32(&calls); got != 4 {
			t.Fatalf("expected 4 delivery attempts, got %d", got)
		}
		if got := counterValue(t, reg, "digest_dispatcher_abandoned_total", nil); got != 1 {
			t.Fatalf("expected abandoned counter 1, got %v", got)
		}
	})

	t.Run("skips occurrences locked by another worker", func(t *testing.T) {
		t.Parallel()

		sub := dueSubscription("a")
		source := newSourceStub(sub)
		locker := NewLocalLocker(func() time.Time { return passTime })
		if _, err := locker.TryLock(context.Background(), lockKey(sub), time.Minute); err != nil {
			t.Fatalf("TryLock returned error: %v", err)
		}
		reg := prometheus.NewRegistry()
		var calls int32
		handler := HandlerFunc(func(context.Context, Occurrence) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		d := newTestDispatcher(t, source, handler, Options{Locker: locker, Metrics: NewMetrics(reg)})

		result, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if result.Skipped != 1 || atomic.LoadInt32(&calls) != 0 {
			t.Fatalf("expected locked occurrence to be skipped, got %+v with %d calls", result, calls)
		}
		if got := counterValue(t, reg, "digest_dispatcher_skipped_total", map[string]string{"reason": skipLocked}); got != 1 {
			t.Fatalf("expected skipped{reason=locked} 1, got %v", got)
		}
	})

	t.Run("treats a lost advance race as skipped", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub(dueSubscription("a"))
		source.advanceErr = application.ErrConflict
		handler := HandlerFunc(func(context.Context, Occurrence) error { return nil })
		d := newTestDispatcher(t, source, handler, Options{})

		result, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if result.Skipped != 1 {
			t.Fatalf("expected conflict to be skipped, got %+v", result)
		}
	})

	t.Run("returns listing errors", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub()
		source.listErr = errors.New("database is locked")
		d := newTestDispatcher(t, source, HandlerFunc(func(context.Context, Occurrence) error { return nil }), Options{})

		if _, err := d.RunOnce(context.Background()); err == nil {
			t.Fatalf("expected listing error to be returned")
		}
	})

	t.Run("honours the batch size", func(t *testing.T) {
		t.Parallel()

		source := newSourceStub(dueSubscription("a"), dueSubscription("b"), dueSubscription("c"))
		d := newTestDispatcher(t, source, HandlerFunc(func(context.Context, Occurrence) error { return nil }), Options{BatchSize: 2})

		result, err := d.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce returned error: %v", err)
		}
		if result.Due != 2 {
			t.Fatalf("expected 2 subscriptions per pass, got %+v", result)
		}
	})
}

func TestDispatcher_ConcurrentPassesFireOnce(t *testing.T) {
	t.Parallel()

	const workers = 8
	source := newSourceStub(dueSubscription("a"), dueSubscription("b"), dueSubscription("c"))
	locker := NewLocalLocker(func() time.Time { return passTime })

	var mu sync.Mutex
	calls := make(map[string]int)
	handler := HandlerFunc(func(ctx context.Context, occurrence Occurrence) error {
		mu.Lock()
		calls[occurrence.SubscriptionID]++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		d := newTestDispatcher(t, source, handler, Options{Locker: locker})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c"} {
		if calls[id] != 1 {
			t.Fatalf("expected subscription %s to fire once, fired %d times", id, calls[id])
		}
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	t.Parallel()

	source := newSourceStub(dueSubscription("a"))
	fired := make(chan Occurrence, 1)
	handler := HandlerFunc(func(ctx context.Context, occurrence Occurrence) error {
		select {
		case fired <- occurrence:
		default:
		}
		return nil
	})
	d := newTestDispatcher(t, source, handler, Options{PollSpec: "@every 1s"})

	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start returned error: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	select {
	case occurrence := <-fired:
		if occurrence.SubscriptionID != "a" {
			t.Fatalf("unexpected occurrence: %+v", occurrence)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not fire within 5s")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestLogHandler(t *testing.T) {
	t.Parallel()

	handler := LogHandler(discardLogger)
	if err := handler.Deliver(context.Background(), Occurrence{SubscriptionID: "a", ScheduledFor: passTime, FiredAt: passTime}); err != nil {
		t.Fatalf("LogHandler returned error: %v", err)
	}
}
