package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics is nil-safe; a nil *Metrics records nothing.
type Metrics struct {
	connections   prometheus.Gauge
	onlineUsers   prometheus.Gauge
	subscriptions prometheus.Gauge
	admitted      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbox_connections_active",
			Help: "Current number of live websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbox_users_online",
			Help: "Users holding at least one live connection.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbox_group_subscriptions_active",
			Help: "Runtime group subscriptions across all connections.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbox_connections_total",
			Help: "Connections admitted since start.",
		}),
	}
	reg.MustRegister(m.connections, m.onlineUsers, m.subscriptions, m.admitted)
	return m
}

func (m *Metrics) connectionOpened(firstForUser bool) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.admitted.Inc()
	if firstForUser {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) connectionClosed(lastForUser bool, subscriptions int) {
	if m == nil {
		return
	}
	m.connections.Dec()
	if lastForUser {
		m.onlineUsers.Dec()
	}
	if subscriptions > 0 {
		m.subscriptions.Sub(float64(subscriptions))
	}
}

func (m *Metrics) subscriptionsChanged(delta int) {
	if m == nil {
		return
	}
	m.subscriptions.Add(float64(delta))
}
