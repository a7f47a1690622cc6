// Package observability exports the core's operational signals as Prometheus
// metrics. Only aggregates travel through here: byte counters, session counts,
// breaker state, queue depth. No metric carries message content or session
// payloads.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	errs "mira/internal/errors"
	"mira/internal/session"
)

// Metrics holds the collectors for the assistant core.
type Metrics struct {
	GlobalBytes    prometheus.Gauge
	ActiveSessions prometheus.Gauge
	BreakerState   prometheus.Gauge
	QueueDepth     prometheus.Gauge

	MemoryAlerts      *prometheus.CounterVec
	FallbackReplies   prometheus.Counter
	SanitizedMessages prometheus.Counter
	QueueRejections   prometheus.Counter
}

// MustNewMetrics creates and registers all collectors with the given
// registerer, panicking on duplicate registration.
func MustNewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		GlobalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mira",
			Name:      "session_global_bytes",
			Help:      "Total bytes of message content held across all sessions.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mira",
			Name:      "sessions_active",
			Help:      "Number of live sessions in the arena.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mira",
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mira",
			Name:      "offline_queue_depth",
			Help:      "Pending messages in the offline queue.",
		}),
		MemoryAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mira",
			Name:      "memory_alerts_total",
			Help:      "Memory threshold alerts fired, by level.",
		}, []string{"level"}),
		FallbackReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mira",
			Name:      "fallback_replies_total",
			Help:      "Replies served from the fallback path instead of the provider.",
		}),
		SanitizedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mira",
			Name:      "sanitized_messages_total",
			Help:      "Messages that had content redacted before storage.",
		}),
		QueueRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mira",
			Name:      "offline_queue_rejections_total",
			Help:      "Enqueue attempts rejected because the offline queue was full.",
		}),
	}

	registerer.MustRegister(
		m.GlobalBytes,
		m.ActiveSessions,
		m.BreakerState,
		m.QueueDepth,
		m.MemoryAlerts,
		m.FallbackReplies,
		m.SanitizedMessages,
		m.QueueRejections,
	)
	return m
}

// ObserveStats updates the session gauges from a cross-session snapshot.
func (m *Metrics) ObserveStats(stats session.StoreStats) {
	m.GlobalBytes.Set(float64(stats.GlobalBytes))
	m.ActiveSessions.Set(float64(stats.ActiveSessions))
}

// ObserveBreaker maps the breaker state onto its gauge.
func (m *Metrics) ObserveBreaker(state errs.CircuitState) {
	m.BreakerState.Set(float64(state))
}

// ObserveQueueDepth records the current offline queue depth.
func (m *Metrics) ObserveQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// AlertObserver returns a monitor observer that counts threshold alerts by
// level. Wire it via monitor.Subscribe.
func (m *Metrics) AlertObserver() func(session.ThresholdCrossed) {
	return func(event session.ThresholdCrossed) {
		m.MemoryAlerts.WithLabelValues(event.Level.String()).Inc()
	}
}
