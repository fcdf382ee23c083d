package metrics

import "github.com/prometheus/client_golang/prometheus"

// BridgeMetrics holds Prometheus metrics for transport bridge connections.
type BridgeMetrics struct {
	ActiveConnections prometheus.Gauge
	DialErrors        prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	SendLatency       prometheus.Histogram
}

// NewBridgeMetrics creates and registers bridge metrics on the given registry.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "active_connections",
			Help:      "Number of open WebSocket connections to the transport bridge.",
		}),
		DialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "dial_errors_total",
			Help:      "Total number of failed bridge dials.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_received_total",
			Help:      "Total number of session events received from the bridge, by kind.",
		}, []string{"kind"}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "send_latency_seconds",
			Help:      "Time from send request to bridge acknowledgement.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.DialErrors, m.EventsReceived, m.SendLatency)
	return m
}
