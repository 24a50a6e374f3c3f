package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections   prometheus.Gauge
	connectionTotal     prometheus.Counter
	activeSubscriptions prometheus.GaugeFunc
	frameErrors         *prometheus.CounterVec
	frameLatency        *prometheus.HistogramVec
	messagesRouted      prometheus.Counter
	deliveriesDropped   prometheus.Counter
}

// newRelayMetrics registers relay instrumentation. subscriptions reports the
// live subscription count; it is sampled at scrape time.
func newRelayMetrics(reg prometheus.Registerer, subscriptions func() float64) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_connections_active",
			Help: "Current number of live websocket connections.",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_connections_total",
			Help: "Total number of connections accepted since start.",
		}),
		activeSubscriptions: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "courier_subscriptions_active",
			Help: "Current number of live room subscriptions.",
		}, subscriptions),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_relay_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "courier_relay_latency_seconds",
			Help:    "Latency for handling inbound relay frames.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_messages_routed_total",
			Help: "Messages admitted and fanned out.",
		}),
		deliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_deliveries_dropped_total",
			Help: "Fan-out deliveries abandoned due to a saturated connection.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionTotal,
		m.activeSubscriptions,
		m.frameErrors,
		m.frameLatency,
		m.messagesRouted,
		m.deliveriesDropped,
	)
	return m
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "internal"
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

// MessageRouted satisfies the router's stats hook.
func (m *relayMetrics) MessageRouted(string) {
	if m == nil {
		return
	}
	m.messagesRouted.Inc()
}

// DeliveryDropped satisfies the router's stats hook.
func (m *relayMetrics) DeliveryDropped(string) {
	if m == nil {
		return
	}
	m.deliveriesDropped.Inc()
}
