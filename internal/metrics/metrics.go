// Package metrics registers the Prometheus collectors shared by the sync components.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// CounterVec builds a counter vector and registers it with registerer when one is provided.
// A collector already registered under the same descriptor is reused.
func CounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if registerer == nil {
		return vec
	}
	if err := registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}
