package metrics

import "github.com/prometheus/client_golang/prometheus"

// JanitorMetrics holds Prometheus metrics for the periodic session sweep.
type JanitorMetrics struct {
	Sweeps        prometheus.Counter
	SweepDuration prometheus.Histogram
	Expired       prometheus.Counter
	Pruned        prometheus.Counter
	Errors        *prometheus.CounterVec
}

// NewJanitorMetrics creates and registers janitor metrics on the given registry.
func NewJanitorMetrics(reg prometheus.Registerer) *JanitorMetrics {
	m := &JanitorMetrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "sweeps_total",
			Help:      "Total number of janitor sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a janitor sweep in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "login_timeouts_total",
			Help:      "Total number of sessions closed because login never completed.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "pruned_records_total",
			Help:      "Total number of closed session records deleted.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "errors_total",
			Help:      "Total janitor errors, by step.",
		}, []string{"step"}),
	}

	reg.MustRegister(m.Sweeps, m.SweepDuration, m.Expired, m.Pruned, m.Errors)
	return m
}
