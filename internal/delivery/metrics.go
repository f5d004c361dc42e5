package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/types"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	messagesSent      *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	publishDuration   prometheus.Histogram
	offlineQueueSize  prometheus.Gauge
	statusTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers the engine collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaydm",
				Name:      "messages_sent_total",
				Help:      "Outgoing messages by first publish outcome",
			},
			[]string{"outcome"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaydm",
				Name:      "messages_received_total",
				Help:      "Inbound events by routing decision",
			},
			[]string{"route"},
		),
		publishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "relaydm",
				Name:      "relay_publish_duration_seconds",
				Help:      "Time spent waiting for relays to acknowledge a publish",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		offlineQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaydm",
				Name:      "offline_queue_size",
				Help:      "Messages waiting in the retry queue",
			},
		),
		statusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaydm",
				Name:      "status_transitions_total",
				Help:      "Message status transitions by result",
			},
			[]string{"from", "to", "result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.messagesSent, m.messagesReceived, m.publishDuration, m.offlineQueueSize, m.statusTransitions)
	}
	return m
}

func (m *Metrics) sent(outcome string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(outcome).Inc()
}

func (m *Metrics) received(route string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(route).Inc()
}

func (m *Metrics) publishTook(d time.Duration) {
	if m == nil {
		return
	}
	m.publishDuration.Observe(d.Seconds())
}

func (m *Metrics) queueSize(n int) {
	if m == nil {
		return
	}
	m.offlineQueueSize.Set(float64(n))
}

func (m *Metrics) transition(from, to types.MessageStatus, applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "ignored"
	}
	m.statusTransitions.WithLabelValues(string(from), string(to), result).Inc()
}
