package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Skip reasons reported on the skipped counter.
const (
	skipLocked    = "locked"
	skipConflict  = "conflict"
	skipDuplicate = "duplicate"
)

// Metrics holds the dispatcher collectors. A nil *Metrics records nothing.
type Metrics struct {
	due          prometheus.Counter
	dispatched   prometheus.Counter
	failed       prometheus.Counter
	abandoned    prometheus.Counter
	skipped      *prometheus.CounterVec
	passDuration prometheus.Histogram
}

// NewMetrics creates the dispatcher collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		due: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "due_total",
			Help:      "Subscriptions found due by dispatch passes.",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "dispatched_total",
			Help:      "Occurrences delivered and advanced.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "failed_total",
			Help:      "Occurrences whose delivery or advance failed.",
		}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "abandoned_total",
			Help:      "Occurrences given up after repeated delivery failures.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "skipped_total",
			Help:      "Occurrences left to another worker.",
		}, []string{"reason"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "digest",
			Subsystem: "dispatcher",
			Name:      "pass_duration_seconds",
			Help:      "Duration of dispatch passes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.due, m.dispatched, m.failed, m.abandoned, m.skipped, m.passDuration)
	}
	return m
}

func (m *Metrics) observeDue(n int) {
	if m != nil {
		m.due.Add(float64(n))
	}
}

func (m *Metrics) observeDispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

func (m *Metrics) observeAbandoned() {
	if m != nil {
		m.abandoned.Inc()
	}
}

func (m *Metrics) observeFailed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *Metrics) observeSkipped(reason string) {
	if m != nil {
		m.skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observePass(d time.Duration) {
	if m != nil {
		m.passDuration.Observe(d.Seconds())
	}
}
