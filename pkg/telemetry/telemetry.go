// Package telemetry exposes the engine's prometheus instrumentation. A nil
// *Metrics is valid everywhere and records nothing, so wiring metrics is
// optional for embedders.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine-level collectors. Construct with New; pass nil to
// component constructors to disable collection.
type Metrics struct {
	ConnectsTotal       prometheus.Counter
	ReconnectsTotal     prometheus.Counter
	ReconnectsExhausted prometheus.Counter
	FramesIn            prometheus.Counter
	FramesOut           prometheus.Counter
	ProtocolErrors      prometheus.Counter
	StoreMessages       prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil registerer
// leaves the collectors unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connects_total",
			Help:      "Successful transport connections.",
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts made after a transport failure.",
		}),
		ReconnectsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_exhausted_total",
			Help:      "Reconnect sequences that ran out of attempts.",
		}),
		FramesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_in_total",
			Help:      "Inbound frames dispatched.",
		}),
		FramesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_out_total",
			Help:      "Outbound frames published.",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "protocol_errors_total",
			Help:      "Malformed frames logged and dropped.",
		}),
		StoreMessages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "store_messages",
			Help:      "Messages currently held in the conversation store.",
		}),
	}
}

// The inc/set helpers below make a nil *Metrics safe to use.

func (m *Metrics) IncConnects() {
	if m != nil {
		m.ConnectsTotal.Inc()
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.ReconnectsTotal.Inc()
	}
}

func (m *Metrics) IncReconnectsExhausted() {
	if m != nil {
		m.ReconnectsExhausted.Inc()
	}
}

func (m *Metrics) IncFramesIn() {
	if m != nil {
		m.FramesIn.Inc()
	}
}

func (m *Metrics) IncFramesOut() {
	if m != nil {
		m.FramesOut.Inc()
	}
}

func (m *Metrics) IncProtocolErrors() {
	if m != nil {
		m.ProtocolErrors.Inc()
	}
}

func (m *Metrics) SetStoreMessages(n int) {
	if m != nil {
		m.StoreMessages.Set(float64(n))
	}
}
