package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics holds Prometheus metrics for session store backends.
type StoreMetrics struct {
	OpsTotal         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	ConnectionErrors prometheus.Counter
	BreakerState     prometheus.Gauge
}

// NewStoreMetrics creates and registers store metrics on the given registry.
// backend is a constant label ("postgres" or "redis").
func NewStoreMetrics(reg prometheus.Registerer, backend string) *StoreMetrics {
	labels := prometheus.Labels{"backend": backend}
	m := &StoreMetrics{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operations_total",
			Help:        "Total store operations, by operation and status.",
			ConstLabels: labels,
		}, []string{"operation", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "operation_duration_seconds",
			Help:        "Store operation duration in seconds.",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "connection_errors_total",
			Help:        "Total store connection errors.",
			ConstLabels: labels,
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "circuit_breaker_state",
			Help:        "Store circuit breaker state (0=closed, 1=half-open, 2=open).",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.OpsTotal, m.OpDuration, m.ConnectionErrors, m.BreakerState)
	return m
}
