package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one engine. A nil
// Registerer produces working but unregistered collectors, which is what
// tests use.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesMalformed prometheus.Counter
	reconnects      prometheus.Counter
	merged          *prometheus.CounterVec
	sends           *prometheus.CounterVec
	historyLoads    *prometheus.CounterVec
	connected       prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_received_total",
			Help:      "Inbound live channel frames by type.",
		}, []string{"type"}),
		framesMalformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_malformed_total",
			Help:      "Inbound frames dropped because they did not parse.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Live channel reconnect attempts.",
		}),
		merged: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_merged_total",
			Help:      "Live messages by merge outcome.",
		}, []string{"result"}),
		sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Local send attempts by outcome.",
		}, []string{"result"}),
		historyLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_loads_total",
			Help:      "History loads by outcome.",
		}, []string{"result"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the live channel is open.",
		}),
	}
}

// frame counts an inbound frame. Types the client does not handle share
// one label value so the backend cannot grow the series set.
func (m *Metrics) frame(typ string) {
	switch typ {
	case FrameNewMessage, FrameError:
	default:
		typ = "other"
	}

	m.framesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) malformed()             { m.framesMalformed.Inc() }
func (m *Metrics) reconnect()             { m.reconnects.Inc() }
func (m *Metrics) merge(result string)    { m.merged.WithLabelValues(result).Inc() }
func (m *Metrics) send(result string)     { m.sends.WithLabelValues(result).Inc() }
func (m *Metrics) historyLoad(res string) { m.historyLoads.WithLabelValues(res).Inc() }

func (m *Metrics) setConnected(v bool) {
	if v {
		m.connected.Set(1)
		return
	}

	m.connected.Set(0)
}
