package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.Decision("exact_match")
	m.Decision("exact_match")
	m.BackendError("graph", "add_event")
	m.EventStored()
	m.CacheEvicted(3)
	m.CacheEvicted(-1)
	m.ToolFailure("weather_feed", "source_unavailable")

	if got := testutil.ToFloat64(m.decisions.WithLabelValues("exact_match")); got != 2 {
		t.Fatalf("expected 2 exact decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendErrors.WithLabelValues("graph", "add_event")); got != 1 {
		t.Fatalf("expected 1 graph error, got %v", got)
	}
	if got := testutil.ToFloat64(m.eventsStored); got != 1 {
		t.Fatalf("expected 1 stored event, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheEvicted); got != 3 {
		t.Fatalf("expected 3 evicted rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.toolFailures.WithLabelValues("weather_feed", "source_unavailable")); got != 1 {
		t.Fatalf("expected 1 tool failure, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Decision("unique")
	m.BackendError("cache", "add_entry")
	m.BackendWrite("cache")
	m.EventStored()
	m.CacheEvicted(1)
	m.CollectorItem("weather", "stored")
	m.ToolFailure("x", "y")
}
