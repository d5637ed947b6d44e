package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveFetchCounts(t *testing.T) {
	m := New()
	m.ObserveFetch("cache-first", "hit")
	m.ObserveFetch("cache-first", "hit")
	m.ObserveFetch("network-first", "fallback")

	if got := testutil.ToFloat64(m.fetches.WithLabelValues("cache-first", "hit")); got != 2 {
		t.Fatalf("expected 2 cache hits, got %v", got)
	}
	if got := testutil.ToFloat64(m.fetches.WithLabelValues("network-first", "fallback")); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
}

func TestObserveEventResult(t *testing.T) {
	m := New()
	m.ObserveEvent("install", nil)
	m.ObserveEvent("install", errors.New("boom"))
	if got := testutil.ToFloat64(m.events.WithLabelValues("install", "error")); got != 1 {
		t.Fatalf("expected 1 failed install, got %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("install", "ok")); got != 1 {
		t.Fatalf("expected 1 ok install, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveFetch("cache-first", "hit")
	m.ObserveEvent("activate", nil)
	m.AddPrecached(3)
	m.IncDeleted()
	if m.Registry() != nil {
		t.Fatalf("nil metrics should expose nil registry")
	}
}
