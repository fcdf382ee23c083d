package metrics

import "github.com/prometheus/client_golang/prometheus"

// MessageMetrics holds Prometheus metrics for outbound message dispatch.
type MessageMetrics struct {
	RecipientsSent   *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
}

// NewMessageMetrics creates and registers dispatch metrics on the given registry.
func NewMessageMetrics(reg prometheus.Registerer) *MessageMetrics {
	m := &MessageMetrics{
		RecipientsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "recipients_total",
			Help:      "Total number of per-recipient sends, by result.",
		}, []string{"result"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "message",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of a dispatch across all of its recipients.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	reg.MustRegister(m.RecipientsSent, m.DispatchDuration)
	return m
}
