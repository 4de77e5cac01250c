package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shiftpush",
			Name:      "dispatch_results_total",
			Help:      "Per-recipient push results by provider and status.",
		},
		[]string{"provider", "status"}, // status: "ok", "error"
	)

	TokensInvalidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shiftpush",
			Name:      "tokens_invalidated_total",
			Help:      "Device tokens marked invalid after a provider reported them unregistered.",
		},
		[]string{"provider"},
	)

	TokensRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shiftpush",
			Name:      "tokens_registered_total",
			Help:      "Device token registrations by platform.",
		},
		[]string{"platform"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shiftpush",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of HTTP requests to push providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)
)

// ObserveProvider records the duration of one vendor call started at start.
func ObserveProvider(provider, operation string, start time.Time) {
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}
