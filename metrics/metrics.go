// Package metrics exposes router counters on a private prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshchat"

// Drop reasons recorded by EnvelopeDropped.
const (
	DropMalformed        = "malformed"
	DropMisaddressed     = "misaddressed"
	DropUnknownSender    = "unknown_sender"
	DropKeyMismatch      = "key_mismatch"
	DropInvalidSignature = "invalid_signature"
	DropDecryption       = "decryption"
	DropDuplicate        = "duplicate"
	DropStorage          = "storage"
)

type Metrics struct {
	registry *prometheus.Registry

	envelopesSent      *prometheus.CounterVec
	envelopesDropped   *prometheus.CounterVec
	messagesDelivered  prometheus.Counter
	messagesFailed     prometheus.Counter
	broadcastRelays    prometheus.Counter
	deliveriesInFlight prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes accepted by the transport, by envelope type.",
		}, []string{"type"}),
		envelopesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Inbound envelopes dropped on the receive path, by reason.",
		}, []string{"reason"}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Outbound messages acknowledged by their recipient.",
		}),
		messagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Outbound messages that exhausted their retries or were cancelled.",
		}),
		broadcastRelays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_relays_total",
			Help:      "Broadcast envelopes relayed to another peer.",
		}),
		deliveriesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_pending",
			Help:      "Outbound messages awaiting acknowledgement.",
		}),
	}
	m.registry.MustRegister(
		m.envelopesSent,
		m.envelopesDropped,
		m.messagesDelivered,
		m.messagesFailed,
		m.broadcastRelays,
		m.deliveriesInFlight,
	)
	return m
}

// Registry returns the registry holding all meshchat collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EnvelopeSent(envelopeType string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) EnvelopeDropped(reason string) {
	if m == nil {
		return
	}
	m.envelopesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) MessageDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

func (m *Metrics) MessageFailed() {
	if m == nil {
		return
	}
	m.messagesFailed.Inc()
}

func (m *Metrics) BroadcastRelayed() {
	if m == nil {
		return
	}
	m.broadcastRelays.Inc()
}

// SetPendingDeliveries records the current number of tracked deliveries.
func (m *Metrics) SetPendingDeliveries(n int) {
	if m == nil {
		return
	}
	m.deliveriesInFlight.Set(float64(n))
}
