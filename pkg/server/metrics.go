package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each server owns its
// registry, so several servers can run in one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	rooms               prometheus.Gauge
	connectionsTotal    *prometheus.CounterVec
	disconnectionsTotal prometheus.Counter
	envelopesReceived   *prometheus.CounterVec
	envelopesSent       *prometheus.CounterVec
	deliveryFailures    prometheus.Counter
	roomsReaped         prometheus.Counter
}

// NewMetrics creates and registers the server collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_active_sessions",
			Help: "Number of open client connections",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_rooms",
			Help: "Number of rooms",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		disconnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_disconnections_total",
			Help: "Closed connections",
		}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_envelopes_received_total",
			Help: "Envelopes received by type",
		}, []string{"type"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_envelopes_sent_total",
			Help: "Envelopes queued for delivery by type",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_delivery_failures_total",
			Help: "Deliveries dropped because the peer was closed or too slow",
		}),
		roomsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_rooms_reaped_total",
			Help: "Empty rooms removed by the reaper",
		}),
	}

	m.registry.MustRegister(
		m.activeSessions,
		m.rooms,
		m.connectionsTotal,
		m.disconnectionsTotal,
		m.envelopesReceived,
		m.envelopesSent,
		m.deliveryFailures,
		m.roomsReaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordDisconnection() {
	if m == nil {
		return
	}
	m.disconnectionsTotal.Inc()
}

func (m *Metrics) RecordEnvelopeReceived(typ string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) RecordEnvelopeSent(typ string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(typ).Inc()
}

func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) RecordRoomsReaped(n int) {
	if m == nil {
		return
	}
	m.roomsReaped.Add(float64(n))
}
