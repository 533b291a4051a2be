package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelx"

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	decisions      *prometheus.CounterVec
	backendErrors  *prometheus.CounterVec
	backendWrites  *prometheus.CounterVec
	eventsStored   prometheus.Counter
	cacheEvicted   prometheus.Counter
	collectorItems *prometheus.CounterVec
	toolFailures   *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_decisions_total",
				Help:      "Deduplication decisions by reason",
			},
			[]string{"reason"},
		),
		backendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Storage backend call failures",
			},
			[]string{"backend", "operation"},
		),
		backendWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_writes_total",
				Help:      "Successful event writes per storage backend",
			},
			[]string{"backend"},
		),
		eventsStored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_stored_total",
				Help:      "Events accepted by at least one storage backend",
			},
		),
		cacheEvicted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evicted_total",
				Help:      "Exact-match cache rows removed by retention cleanup",
			},
		),
		collectorItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_items_total",
				Help:      "Collected items by collector and outcome",
			},
			[]string{"collector", "outcome"},
		),
		toolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_failures_total",
				Help:      "Collector tool failures by tool and kind",
			},
			[]string{"tool", "kind"},
		),
	}
}

func (m *Metrics) Decision(reason string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) BackendError(backend, operation string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(backend, operation).Inc()
}

func (m *Metrics) BackendWrite(backend string) {
	if m == nil {
		return
	}
	m.backendWrites.WithLabelValues(backend).Inc()
}

func (m *Metrics) EventStored() {
	if m == nil {
		return
	}
	m.eventsStored.Inc()
}

func (m *Metrics) CacheEvicted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvicted.Add(float64(n))
}

func (m *Metrics) CollectorItem(collector, outcome string) {
	if m == nil {
		return
	}
	m.collectorItems.WithLabelValues(collector, outcome).Inc()
}

func (m *Metrics) ToolFailure(tool, kind string) {
	if m == nil {
		return
	}
	m.toolFailures.WithLabelValues(tool, kind).Inc()
}
