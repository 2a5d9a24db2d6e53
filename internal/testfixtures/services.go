package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/digest-scheduler/internal/application"
)

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("id"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("id")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// SubscriptionServiceDeps captures dependencies for constructing a subscription service.
type SubscriptionServiceDeps struct {
	Subscriptions application.SubscriptionRepository
	Deliveries    application.DeliveryRepository
	Settings      application.SubscriptionSettings
	IDGenerator   func() string
	Now           func() time.Time
	Logger        *slog.Logger
}

// NewSubscriptionService builds a subscription service using the supplied
// dependencies combined with the factory defaults.
func (f *ServiceFactory) NewSubscriptionService(deps SubscriptionServiceDeps) *application.SubscriptionService {
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = f.IDGenerator.NextFunc()
	}
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	return application.NewSubscriptionServiceWithLogger(
		deps.Subscriptions,
		deps.Deliveries,
		deps.Settings,
		idGen,
		now,
		deps.Logger,
	)
}
