package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryMetrics holds Prometheus metrics for the in-memory session registry.
type RegistryMetrics struct {
	Handles   prometheus.Gauge
	QRLookups *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
}

// NewRegistryMetrics creates and registers registry metrics on the given registry.
func NewRegistryMetrics(reg prometheus.Registerer) *RegistryMetrics {
	m := &RegistryMetrics{
		Handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handles",
			Help:      "Number of remote session handles held by the registry.",
		}),
		QRLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "qr_lookups_total",
			Help:      "Total number of QR artifact lookups, by result (hit, miss, expired).",
		}, []string{"result"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rejected_total",
			Help:      "Total number of refused handle registrations, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.Handles, m.QRLookups, m.Rejected)
	return m
}
