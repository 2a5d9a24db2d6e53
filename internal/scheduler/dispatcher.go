package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/example/digest-scheduler/internal/application"
)

var (
	// ErrAlreadyRunning is returned by Start on a running dispatcher.
	ErrAlreadyRunning = errors.New("scheduler: dispatcher already running")
)

const (
	defaultPollSpec        = "@every 1m"
	defaultBatchSize       = 100
	defaultLockTTL         = 30 * time.Second
	defaultRetryBackoff    = 5 * time.Minute
	defaultMaxRetryBackoff = time.Hour
	defaultMaxAttempts     = 5
)

// Occurrence is one firing of a subscription handed to a Handler.
type Occurrence struct {
	SubscriptionID string
	SubjectID      string
	ScheduledFor   time.Time
	FiredAt        time.Time
}

// Handler performs the external action for an occurrence, for example
// sending a digest.
type Handler interface {
	Deliver(ctx context.Context, occurrence Occurrence) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, occurrence Occurrence) error

// Deliver calls f.
func (f HandlerFunc) Deliver(ctx context.Context, occurrence Occurrence) error {
	return f(ctx, occurrence)
}

// LogHandler returns a Handler that only logs each occurrence.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(ctx context.Context, occurrence Occurrence) error {
		logger.InfoContext(ctx, "digest due",
			"subscription_id", occurrence.SubscriptionID,
			"subject_id", occurrence.SubjectID,
			"scheduled_for", occurrence.ScheduledFor,
			"lag", occurrence.FiredAt.Sub(occurrence.ScheduledFor),
		)
		return nil
	})
}

// Source is the subscription store the dispatcher drives.
// *application.SubscriptionService satisfies it.
type Source interface {
	DueSubscriptions(ctx context.Context, now time.Time, limit int) ([]application.Subscription, error)
	RecordDelivery(ctx context.Context, sub application.Subscription, deliveredAt time.Time, cause error) (application.Delivery, error)
	AdvanceSubscription(ctx context.Context, sub application.Subscription, firedAt time.Time) (application.Subscription, error)
	DeferSubscription(ctx context.Context, sub application.Subscription, retryAt time.Time) (application.Subscription, error)
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	// PollSpec is a standard cron expression or descriptor such as "@every 1m".
	PollSpec  string
	BatchSize int
	// Rate caps handler calls per second. Zero or negative disables the limit.
	Rate    float64
	Locker  Locker
	LockTTL time.Duration
	// RetryBackoff is the delay before the first retry of a failed delivery.
	// It doubles with every further failure up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	// MaxAttempts is the number of failed deliveries after which an
	// occurrence is abandoned and the subscription moves to its next one.
	MaxAttempts int
	Metrics     *Metrics
	Now         func() time.Time
	Logger      *slog.Logger
}

// PassResult summarises one dispatch pass.
type PassResult struct {
	Due        int
	Dispatched int
	Failed     int
	Skipped    int
}

// Dispatcher fires due subscriptions: it hands each occurrence to the
// handler, records the delivery, and advances the subscription's cursor.
// A failed delivery keeps the cursor in place and defers the subscription
// with exponential backoff; after MaxAttempts failures the occurrence is
// abandoned.
type Dispatcher struct {
	source          Source
	handler         Handler
	schedule        cron.Schedule
	pollSpec        string
	batchSize       int
	limiter         *rate.Limiter
	locker          Locker
	lockTTL         time.Duration
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration
	maxAttempts     int
	metrics         *Metrics
	now             func() time.Time
	logger          *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewDispatcher validates opts and constructs a Dispatcher.
func NewDispatcher(source Source, handler Handler, opts Options) (*Dispatcher, error) {
	if source == nil {
		return nil, fmt.Errorf("scheduler: source is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("scheduler: handler is required")
	}

	if opts.PollSpec == "" {
		opts.PollSpec = defaultPollSpec
	}
	schedule, err := cron.ParseStandard(opts.PollSpec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid poll spec %q: %w", opts.PollSpec, err)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = opts.RetryBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker(opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Rate > 0 {
		burst := int(opts.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return &Dispatcher{
		source:          source,
		handler:         handler,
		schedule:        schedule,
		pollSpec:        opts.PollSpec,
		batchSize:       opts.BatchSize,
		limiter:         limiter,
		locker:          opts.Locker,
		lockTTL:         opts.LockTTL,
		retryBackoff:    opts.RetryBackoff,
		maxRetryBackoff: opts.MaxRetryBackoff,
		maxAttempts:     opts.MaxAttempts,
		metrics:         opts.Metrics,
		now:             opts.Now,
		logger:          opts.Logger.With("component", "dispatcher"),
	}, nil
}

// NextPoll reports when the poll schedule fires next after t.
func (d *Dispatcher) NextPoll(t time.Time) time.Time {
	return d.schedule.Next(t)
}

// RunOnce performs a single dispatch pass over at most BatchSize due
// subscriptions. Per-subscription failures are counted, not returned; the
// error reports a failed listing or a canceled context.
func (d *Dispatcher) RunOnce(ctx context.Context) (PassResult, error) {
	started := time.Now()
	defer func() { d.metrics.observePass(time.Since(started)) }()

	var result PassResult
	due, err := d.source.DueSubscriptions(ctx, d.now(), d.batchSize)
	if err != nil {
		return result, fmt.Errorf("scheduler: list due subscriptions: %w", err)
	}
	result.Due = len(due)
	d.metrics.observeDue(len(due))

	for _, sub := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return result, err
		}
		switch d.dispatch(ctx, sub) {
		case outcomeDispatched:
			result.Dispatched++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	if result.Due > 0 {
		d.logger.InfoContext(ctx, "dispatch pass finished",
			"due", result.Due,
			"dispatched", result.Dispatched,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"duration", time.Since(started),
		)
	}
	return result, nil
}

type outcome int

const (
	outcomeDispatched outcome = iota
	outcomeFailed
	outcomeSkipped
)

func lockKey(sub application.Subscription) string {
	return sub.ID + ":" + strconv.FormatInt(sub.NextOccurrenceAt.Unix(), 10)
}

func (d *Dispatcher) dispatch(ctx context.Context, sub application.Subscription) outcome {
	logger := d.logger.With("subscription_id", sub.ID, "scheduled_for", sub.NextOccurrenceAt)

	unlock, err := d.locker.TryLock(ctx, lockKey(sub), d.lockTTL)
	if errors.Is(err, ErrLockHeld) {
		logger.DebugContext(ctx, "occurrence locked by another worker")
		d.metrics.observeSkipped(skipLocked)
		return outcomeSkipped
	}
	if err != nil {
		logger.ErrorContext(ctx, "failed to lock occurrence", "error", err)
		d.metrics.observeFailed()
		return outcomeFailed
	}
	// A handled occurrence keeps its lock until the TTL expires, so workers
	// holding a stale listing skip it.
	release := true
	defer func() {
		if !release {
			return
		}
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "failed to release occurrence lock", "error", err)
		}
	}()

	firedAt := d.now()
	deliverErr := d.handler.Deliver(ctx, Occurrence{
		SubscriptionID: sub.ID,
		SubjectID:      sub.SubjectID,
		ScheduledFor:   sub.NextOccurrenceAt,
		FiredAt:        firedAt,
	})

	_, recordErr := d.source.RecordDelivery(ctx, sub, firedAt, deliverErr)
	switch {
	case deliverErr != nil:
		if recordErr != nil {
			logger.ErrorContext(ctx, "failed to record failed delivery", "error", recordErr)
		}
		d.metrics.observeFailed()
		if d.retryLater(ctx, logger, sub, firedAt, deliverErr) {
			release = false
		}
		return outcomeFailed
	case errors.Is(recordErr, application.ErrAlreadyExists):
		// Delivered elsewhere, possibly not yet advanced.
		release = false
		logger.InfoContext(ctx, "occurrence already delivered")
		if _, err := d.source.AdvanceSubscription(ctx, sub, firedAt); err != nil && !errors.Is(err, application.ErrConflict) {
			logger.ErrorContext(ctx, "failed to advance subscription", "error", err)
		}
		d.metrics.observeSkipped(skipDuplicate)
		return outcomeSkipped
	case recordErr != nil:
		logger.ErrorContext(ctx, "failed to record delivery", "error", recordErr)
	}

	release = false
	advanced, err := d.source.AdvanceSubscription(ctx, sub, firedAt)
	switch {
	case errors.Is(err, application.ErrConflict):
		d.metrics.observeSkipped(skipConflict)
		return outcomeSkipped
	case err != nil:
		logger.ErrorContext(ctx, "failed to advance subscription", "error", err)
		d.metrics.observeFailed()
		return outcomeFailed
	}

	logger.DebugContext(ctx, "occurrence dispatched", "next_occurrence_at", advanced.NextOccurrenceAt)
	d.metrics.observeDispatched()
	return outcomeDispatched
}

// retryLater defers sub after a failed delivery, or abandons the occurrence
// once it has failed maxAttempts times. It reports whether the cursor moved
// past the occurrence.
func (d *Dispatcher) retryLater(ctx context.Context, logger *slog.Logger, sub application.Subscription, firedAt time.Time, cause error) bool {
	attempts := sub.FailedAttempts + 1
	if attempts >= d.maxAttempts {
		logger.WarnContext(ctx, "delivery failed, abandoning occurrence", "attempts", attempts, "error", cause)
		d.metrics.observeAbandoned()
		if _, err := d.source.AdvanceSubscription(ctx, sub, firedAt); err != nil && !errors.Is(err, application.ErrConflict) {
			logger.ErrorContext(ctx, "failed to advance subscription", "error", err)
		}
		return true
	}

	retryAt := firedAt.Add(d.backoff(attempts))
	logger.WarnContext(ctx, "delivery failed, will retry", "attempts", attempts, "retry_at", retryAt, "error", cause)
	if _, err := d.source.DeferSubscription(ctx, sub, retryAt); err != nil && !errors.Is(err, application.ErrConflict) {
		logger.ErrorContext(ctx, "failed to defer subscription", "error", err)
	}
	return false
}

// backoff returns the delay before retry number attempts, doubling from
// retryBackoff and capped at maxRetryBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.retryBackoff
	for i := 1; i < attempts && delay < d.maxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > d.maxRetryBackoff {
		delay = d.maxRetryBackoff
	}
	return delay
}

// Start runs dispatch passes on the poll schedule until ctx is canceled or
// Stop is called. Overlapping passes are skipped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{logger: d.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(d.schedule, cron.FuncJob(func() {
		if _, err := d.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			d.logger.ErrorContext(runCtx, "dispatch pass failed", "error", err)
		}
	}))
	c.Start()

	d.cron = c
	d.cancel = cancel
	d.logger.InfoContext(ctx, "dispatcher started", "poll_spec", d.pollSpec, "batch_size", d.batchSize)
	return nil
}

// Stop cancels the running pass and waits for it to return or for ctx to
// expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron, d.cancel = nil, nil
	d.mu.Unlock()

	if c == nil {
		return nil
	}
	cancel()
	select {
	case <-c.Stop().Done():
		d.logger.InfoContext(ctx, "dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
