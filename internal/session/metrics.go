package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are optional; a nil *Metrics records nothing.
type Metrics struct {
	sends        *prometheus.CounterVec
	promotions   prometheus.Counter
	messageLoads prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Messages sent, by result.",
		}, []string{"result"}),
		promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_promotions_total",
			Help: "Temporary sessions promoted to server ids.",
		}),
		messageLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_message_loads_total",
			Help: "Message history fetches issued to the backend.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.promotions, m.messageLoads)
	}
	return m
}

func (m *Metrics) send(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) promotion() {
	if m != nil {
		m.promotions.Inc()
	}
}

func (m *Metrics) messageLoad() {
	if m != nil {
		m.messageLoads.Inc()
	}
}
