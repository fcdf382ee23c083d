package metrics

import "github.com/prometheus/client_golang/prometheus"

// CallbackMetrics holds Prometheus metrics for disconnect callbacks.
type CallbackMetrics struct {
	Results      *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

// NewCallbackMetrics creates and registers callback metrics on the given registry.
func NewCallbackMetrics(reg prometheus.Registerer) *CallbackMetrics {
	m := &CallbackMetrics{
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "requests_total",
			Help:      "Total disconnect callbacks, by result (ok, error, rejected).",
		}, []string{"result"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "circuit_breaker_state",
			Help:      "Callback circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(m.Results, m.BreakerState)
	return m
}
