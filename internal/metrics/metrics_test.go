package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounterVecReusesRegisteredCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	opts := prometheus.CounterOpts{Name: "relay_test_total", Help: "test counter"}

	first := CounterVec(registry, opts, "outcome")
	second := CounterVec(registry, opts, "outcome")

	first.WithLabelValues("accepted").Inc()
	second.WithLabelValues("accepted").Inc()

	if got := testutil.ToFloat64(first.WithLabelValues("accepted")); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestCounterVecWithoutRegisterer(t *testing.T) {
	vec := CounterVec(nil, prometheus.CounterOpts{Name: "relay_unregistered_total", Help: "test"}, "event")
	vec.WithLabelValues("message").Inc()
	if got := testutil.ToFloat64(vec.WithLabelValues("message")); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}
}
