package server

import (
	"time"

	"github.com/mbocsi/devicelink/proto"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the runtime. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionsEvicted prometheus.Counter
	queueDrops      *prometheus.CounterVec
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	calls           *prometheus.CounterVec
	callDuration    prometheus.Histogram
	callsPending    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Passing nil
// skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Device sessions currently active.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Device sessions registered.",
		}),
		sessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Sessions evicted after missing heartbeats.",
		}),
		queueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "outbox",
			Name:      "dropped_total",
			Help:      "Outbound messages evicted because a device queue was full.",
		}, []string{"type"}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Envelopes received from devices.",
		}, []string{"type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Envelopes written to devices.",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "router",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked.",
		}, []string{"type"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "calls",
			Name:      "total",
			Help:      "Device calls by outcome.",
		}, []string{"outcome"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "calls",
			Name:      "duration_seconds",
			Help:      "Time from sending a command to its resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		callsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "calls",
			Name:      "pending",
			Help:      "Calls waiting for a device response.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessionsActive, m.sessionsTotal, m.sessionsEvicted, m.queueDrops,
			m.messagesIn, m.messagesOut, m.handlerErrors,
			m.calls, m.callDuration, m.callsPending,
		)
	}
	return m
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) sessionEvicted() {
	if m == nil {
		return
	}
	m.sessionsEvicted.Inc()
}

func (m *Metrics) queueDropped(t proto.MessageType) {
	if m == nil {
		return
	}
	m.queueDrops.WithLabelValues(typeLabel(t)).Inc()
}

func (m *Metrics) messageIn(t proto.MessageType) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(typeLabel(t)).Inc()
}

func (m *Metrics) messageOut(t proto.MessageType) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(typeLabel(t)).Inc()
}

func (m *Metrics) handlerFailed(t proto.MessageType) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(typeLabel(t)).Inc()
}

// CallStarted and CallFinished are reported by the correlation layer.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.callsPending.Inc()
}

func (m *Metrics) CallFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.callsPending.Dec()
	m.calls.WithLabelValues(outcome).Inc()
	m.callDuration.Observe(elapsed.Seconds())
}

// typeLabel keeps label values bounded: devices choose the type string, so
// anything outside the protocol is counted as "unknown".
func typeLabel(t proto.MessageType) string {
	if !t.Known() {
		return "unknown"
	}
	return string(t)
}
