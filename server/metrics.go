package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes Prometheus metrics for the server. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectedPeers   prometheus.Gauge
	messages         *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	queueDropped     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

// NewMetrics registers the server metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkbridge_connected_peers",
			Help: "Number of peers currently tracked by the registry",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbridge_messages_total",
			Help: "Inbound envelopes grouped by type",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkbridge_delivery_failures_total",
			Help: "Failed outbound delivery attempts",
		}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkbridge_queue_dropped_total",
			Help: "Outbound envelopes dropped from delivery queues grouped by reason",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linkbridge_queue_depth",
			Help: "Envelopes waiting in delivery queues across all peers",
		}),
	}
	m.registry.MustRegister(
		m.connectedPeers,
		m.messages,
		m.deliveryFailures,
		m.queueDropped,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) setConnectedPeers(n int) {
	if m != nil {
		m.connectedPeers.Set(float64(n))
	}
}

func (m *Metrics) observeMessage(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) observeDeliveryFailure() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) observeDropped(reason string) {
	if m != nil {
		m.queueDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) addQueueDepth(delta int) {
	if m != nil {
		m.queueDepth.Add(float64(delta))
	}
}
