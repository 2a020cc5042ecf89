package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil-safe; a nil *Metrics records nothing.
type Metrics struct {
	sends      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	latency    prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbox_router_sends_total",
			Help: "Send requests by message kind and outcome.",
		}, []string{"kind", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbox_router_deliveries_total",
			Help: "Per-connection pushes by result.",
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatbox_router_send_seconds",
			Help:    "Time from send request to completed fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	reg.MustRegister(m.sends, m.deliveries, m.latency)
	return m
}

func (m *Metrics) observeSend(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(kind, outcome).Inc()
	m.latency.Observe(took.Seconds())
}

func (m *Metrics) observeDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "dropped"
	}
	m.deliveries.WithLabelValues(result).Inc()
}
