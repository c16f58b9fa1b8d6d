package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for delivery and sweep observability.
var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Outbound dispatch round-trip duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_retries_total",
			Help: "Sweeper retry attempts",
		},
	)

	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_sweeps_total",
			Help: "Sweep passes executed",
		},
	)
)

// MustRegister registers all collectors with the default registerer. Called
// once from each binary's main.
func MustRegister() {
	prometheus.MustRegister(DeliveriesTotal, DeliveryDuration, RetriesTotal, SweepsTotal)
}
