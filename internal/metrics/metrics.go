// ABOUTME: Prometheus instruments for the relay: outcomes, topic lifecycle, duplicates, lock table
// ABOUTME: All collectors register on a caller-supplied registry so tests stay isolated

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "topic_relay"

// Relay outcomes
const (
	OutcomeOK        = "ok"
	OutcomeFallback  = "fallback"
	OutcomeForbidden = "forbidden"
	OutcomeRecovered = "recovered"
	OutcomeNotice    = "notice"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// Metrics holds every collector the relay exports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	relays        *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	topicsCreated prometheus.Counter
	topicFailures prometheus.Counter
	recoveries    prometheus.Counter
	duplicates    prometheus.Counter
	updates       *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry creates the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		relays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relays_total",
				Help:      "Relayed messages by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		relayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Time spent relaying one message, including topic creation and retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		topicsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topics_created_total",
			Help:      "Forum topics created for users",
		}),
		topicFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_create_failures_total",
			Help:      "Forum topic creations rejected by the gateway",
		}),
		recoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_recoveries_total",
			Help:      "Conversations moved to a new topic after the old one disappeared",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_updates_total",
			Help:      "Inbound updates dropped as redeliveries",
		}),
		updates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "updates_total",
				Help:      "Inbound updates by route",
			},
			[]string{"route"},
		),
	}
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRelay records one relay outcome and its duration.
func (m *Metrics) ObserveRelay(direction, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(direction, outcome).Inc()
	m.relayDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

// TopicCreated counts a successful topic creation.
func (m *Metrics) TopicCreated() {
	if m == nil {
		return
	}
	m.topicsCreated.Inc()
}

// TopicCreateFailed counts a rejected topic creation.
func (m *Metrics) TopicCreateFailed() {
	if m == nil {
		return
	}
	m.topicFailures.Inc()
}

// TopicRecovered counts a thread-missing recovery.
func (m *Metrics) TopicRecovered() {
	if m == nil {
		return
	}
	m.recoveries.Inc()
}

// DuplicateUpdate counts a dropped redelivery.
func (m *Metrics) DuplicateUpdate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Update counts an inbound update by route ("user", "operator", "ignored").
func (m *Metrics) Update(route string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(route).Inc()
}

// WatchLockTable exports the size reported by fn as a gauge.
func (m *Metrics) WatchLockTable(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "user_locks",
		Help:      "Entries in the per-user lock table",
	}, func() float64 {
		return float64(fn())
	})
}
