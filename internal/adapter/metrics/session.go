package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds Prometheus metrics for the session lifecycle.
type SessionMetrics struct {
	LiveSessions        prometheus.Gauge
	Transitions         *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	PersistenceFailures *prometheus.CounterVec
	QREmitted           prometheus.Counter
	QRRenderFailures    prometheus.Counter
	Closed              *prometheus.CounterVec
}

// NewSessionMetrics creates and registers lifecycle metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "live",
			Help:      "Number of sessions with a live controller on this instance.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Total number of lifecycle state transitions, by target state.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts after recoverable disconnects.",
		}),
		ReconnectsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_exhausted_total",
			Help:      "Total number of sessions closed after running out of reconnect attempts.",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "persistence_failures_total",
			Help:      "Total number of failed session record writes, by operation.",
		}, []string{"operation"}),
		QREmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "qr_emitted_total",
			Help:      "Total number of QR login artifacts rendered and cached.",
		}),
		QRRenderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "qr_render_failures_total",
			Help:      "Total number of QR codes that could not be rendered.",
		}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total number of closed sessions, by close reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.LiveSessions, m.Transitions, m.ReconnectAttempts, m.ReconnectsExhausted,
		m.PersistenceFailures, m.QREmitted, m.QRRenderFailures, m.Closed)
	return m
}
