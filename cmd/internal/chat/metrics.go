package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts fanout and presence activity. A nil *Metrics is a no-op.
type Metrics struct {
	events      *prometheus.CounterVec
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics registers the chat collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "fanout",
			Name:      "published_total",
			Help:      "Events published to a channel, by event kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "fanout",
			Name:      "publish_failures_total",
			Help:      "Channel publishes that failed after the mutation committed.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Subsystem: "presence",
			Name:      "transitions_total",
			Help:      "Presence marks, by resulting state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.failures, m.transitions)
	}
	return m
}

func (m *Metrics) published(kind EventKind) {
	if m != nil {
		m.events.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) publishFailed(kind EventKind) {
	if m != nil {
		m.failures.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) presenceMarked(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.transitions.WithLabelValues(state).Inc()
}
