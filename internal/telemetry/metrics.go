// Package telemetry holds the prometheus collectors of the chat core.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "classchat"

type Metrics struct {
	connState      prometheus.Gauge
	reconnects     prometheus.Counter
	outboxDepth    prometheus.Gauge
	receiptsQueued prometheus.Gauge
	sends          *prometheus.CounterVec
	events         *prometheus.CounterVec
	unknownEvents  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after the first one.",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Messages waiting for a connection.",
		}),
		receiptsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "read_receipts_buffered",
			Help:      "Read receipts waiting for their message.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send outcomes.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound frames by event kind.",
		}, []string{"kind"}),
		unknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_unknown_total",
			Help:      "Inbound frames that were undecodable or of an unknown kind.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connState, m.reconnects, m.outboxDepth, m.receiptsQueued, m.sends, m.events, m.unknownEvents)
	}
	return m
}

func (m *Metrics) SetConnState(v int) {
	if m == nil {
		return
	}
	m.connState.Set(float64(v))
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Metrics) SetReceiptsBuffered(n int) {
	if m == nil {
		return
	}
	m.receiptsQueued.Set(float64(n))
}

// Send outcomes.
const (
	OutcomeSent      = "sent"
	OutcomeQueued    = "queued"
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

func (m *Metrics) IncSend(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncUnknown() {
	if m == nil {
		return
	}
	m.unknownEvents.Inc()
}
