package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks websocket sessions and hub deliveries. A nil *Metrics is a no-op.
type Metrics struct {
	sessions      prometheus.Gauge
	subscriptions prometheus.Gauge
	deliveries    *prometheus.CounterVec
	relayed       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg (nil skips registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairchat",
			Subsystem: "ws",
			Name:      "sessions",
			Help:      "Open websocket sessions on this instance.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairchat",
			Subsystem: "ws",
			Name:      "subscriptions",
			Help:      "Channel subscriptions held by open sessions.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Envelopes offered to subscribers, by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "nats",
			Name:      "relayed_total",
			Help:      "Publications relayed through NATS, by direction.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Rejected websocket handshakes and frames, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.subscriptions, m.deliveries, m.relayed, m.rejected)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) subscribed(delta int) {
	if m != nil && delta != 0 {
		m.subscriptions.Add(float64(delta))
	}
}

func (m *Metrics) delivered(ok, dropped int) {
	if m == nil {
		return
	}
	if ok > 0 {
		m.deliveries.WithLabelValues("delivered").Add(float64(ok))
	}
	if dropped > 0 {
		m.deliveries.WithLabelValues("dropped").Add(float64(dropped))
	}
}

func (m *Metrics) relay(direction string) {
	if m != nil {
		m.relayed.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
