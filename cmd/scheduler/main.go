package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/example/digest-scheduler/internal/application"
	"github.com/example/digest-scheduler/internal/config"
	httptransport "github.com/example/digest-scheduler/internal/http"
	"github.com/example/digest-scheduler/internal/logging"
	"github.com/example/digest-scheduler/internal/persistence/sqlite"
	"github.com/example/digest-scheduler/internal/recurrence"
	"github.com/example/digest-scheduler/internal/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
	logFormat  string
	once       bool

	next         bool
	intervalDays int
	occurrences  int
	daysMask     int
	daysMaskSet  bool
	timeOfDay    string
	timezone     string
	from         string
	count        int
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("scheduler", pflag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv("DIGEST_CONFIG_FILE"), "YAML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	fs.StringVar(&opts.logFormat, "log-format", "", "override the configured log format (json or text)")
	fs.BoolVar(&opts.once, "once", false, "run a single dispatch pass and exit")

	fs.BoolVar(&opts.next, "next", false, "print upcoming occurrences of the rule given by flags and exit")
	fs.IntVar(&opts.intervalDays, "interval-days", recurrence.DefaultIntervalDays, "window length in days")
	fs.IntVar(&opts.occurrences, "occurrences", recurrence.DefaultOccurrences, "occurrences per window")
	fs.IntVar(&opts.daysMask, "days-mask", 0, "eligible weekdays, bit 0 Saturday through bit 6 Sunday (default every day)")
	fs.StringVar(&opts.timeOfDay, "time", "", "time of day as HH:MM (default midnight)")
	fs.StringVar(&opts.timezone, "timezone", "", "IANA timezone (default from configuration)")
	fs.StringVar(&opts.from, "from", "", "RFC 3339 reference instant (default now)")
	fs.IntVarP(&opts.count, "count", "n", 1, "number of occurrences to print")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	opts.daysMaskSet = fs.Changed("days-mask")
	if opts.once && opts.next {
		return options{}, errors.New("--once and --next are mutually exclusive")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.next {
		return printUpcoming(stdout, cfg, opts, time.Now())
	}

	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	ctx = logging.ContextWithLogger(ctx, logger)

	storage, err := sqlite.Open(ctx, cfg.SQLiteDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := storage.Close(); cerr != nil {
			logger.Error("failed to close storage", "error", cerr)
		}
	}()
	if err := storage.Migrate(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	now := time.Now
	service := application.NewSubscriptionServiceWithLogger(
		newSubscriptionRepositoryAdapter(storage.Subscriptions),
		newDeliveryRepositoryAdapter(storage.Deliveries),
		application.SubscriptionSettings{WindowAnchor: cfg.WindowAnchor, DefaultTimezone: cfg.DefaultTimezone},
		uuid.NewString,
		now,
		logger,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	locker, closeLocker, err := newLocker(ctx, cfg, now)
	if err != nil {
		return err
	}
	defer closeLocker()

	dispatcher, err := scheduler.NewDispatcher(service, scheduler.LogHandler(logger), scheduler.Options{
		PollSpec:        cfg.PollSpec,
		BatchSize:       cfg.BatchSize,
		Rate:            cfg.DispatchRate,
		Locker:          locker,
		LockTTL:         cfg.LockTTL,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		MaxAttempts:     cfg.MaxAttempts,
		Metrics:         scheduler.NewMetrics(registry),
		Now:             now,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if opts.once {
		result, err := dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "due=%d dispatched=%d failed=%d skipped=%d\n", result.Due, result.Dispatched, result.Failed, result.Skipped)
		return nil
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Subscriptions: httptransport.NewSubscriptionHandler(service, logger),
		Health:        httptransport.NewHealthHandler(storage, logger),
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Middleware:    []func(http.Handler) http.Handler{httptransport.RequestLogger(logger)},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to shutdown server", "error", err)
		}
	}()

	logger.Info("digest scheduler listening", "addr", server.Addr, "next_poll", dispatcher.NextPoll(now()))
	serveErr := server.ListenAndServe()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Stop(stopCtx); err != nil {
		logger.Error("failed to stop dispatcher", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}

func newLocker(ctx context.Context, cfg config.Config, now func() time.Time) (scheduler.Locker, func(), error) {
	if cfg.LockBackend != config.LockBackendRedis {
		return scheduler.NewLocalLocker(now), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			slog.Default().Error("failed to close redis client", "error", err)
		}
	}
	return scheduler.NewRedisLocker(client, ""), closeFn, nil
}

// printUpcoming evaluates the rule described by the flags without touching
// storage.
func printUpcoming(w io.Writer, cfg config.Config, opts options, now time.Time) error {
	loc := cfg.Location()
	if opts.timezone != "" {
		var err error
		if loc, err = time.LoadLocation(opts.timezone); err != nil {
			return fmt.Errorf("unknown timezone %q: %w", opts.timezone, err)
		}
	}

	from := now
	if opts.from != "" {
		parsed, err := time.Parse(time.RFC3339, opts.from)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		from = parsed
	}

	tod, err := recurrence.ParseTimeOfDay(opts.timeOfDay)
	if err != nil {
		return err
	}
	rule := recurrence.Rule{IntervalDays: opts.intervalDays, Occurrences: opts.occurrences, TimeOfDay: tod}
	if opts.daysMaskSet {
		days, err := recurrence.ParseDayMask(opts.daysMask)
		if err != nil {
			return err
		}
		rule.DaysOfWeek = &days
	}
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}

	count := opts.count
	if count <= 0 {
		count = 1
	}
	calc := recurrence.NewCalculator(recurrence.WithAnchor(cfg.WindowAnchor), recurrence.WithLocation(loc))
	occurrences, err := calc.Upcoming(rule, from, count)
	if err != nil {
		return err
	}
	for _, occurrence := range occurrences {
		fmt.Fprintf(w, "%s %s\n", occurrence.Format(time.RFC3339), occurrence.Weekday().String()[:3])
	}
	return nil
}
