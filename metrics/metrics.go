// Package metrics exposes Prometheus collectors for USP message traffic.
//
// The Record* and Observe* methods are safe on a nil *Metrics, so
// components can take an optional collector set without guarding each call.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "usp"

// Metrics groups the collectors recorded by the controller, the response
// processor and the agent responder.
type Metrics struct {
	sent           *prometheus.CounterVec
	received       *prometheus.CounterVec
	violations     *prometheus.CounterVec
	decodeFailures prometheus.Counter
	timeouts       prometheus.Counter
	uncorrelated   prometheus.Counter
	replies        prometheus.Counter
	roundTrip      *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the collector set registered on the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "sent_total",
				Help:      "USP messages sent, by msg_type.",
			},
			[]string{"type"},
		),
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Validated USP messages received, by msg_type.",
			},
			[]string{"type"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "failures_total",
				Help:      "Inbound payloads rejected by validation, by stage.",
			},
			[]string{"stage"},
		),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "decode_failures_total",
			Help:      "Inbound payloads that could not be decoded.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchanges",
			Name:      "timeouts_total",
			Help:      "Requests abandoned without a response.",
		}),
		uncorrelated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchanges",
			Name:      "uncorrelated_total",
			Help:      "Inbound messages whose msg_id matched no outstanding request.",
		}),
		replies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchanges",
			Name:      "error_replies_total",
			Help:      "Synthesized error replies sent back to peers.",
		}),
		roundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "exchanges",
				Name:      "round_trip_seconds",
				Help:      "Time from send to correlated response, by request msg_type.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.sent, m.received, m.violations, m.decodeFailures,
			m.timeouts, m.uncorrelated, m.replies, m.roundTrip)
	}
	return m
}

// RecordSent counts an outbound message.
func (m *Metrics) RecordSent(msgType string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(msgType).Inc()
}

// RecordReceived counts a validated inbound message.
func (m *Metrics) RecordReceived(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

// RecordViolation counts a validation failure at stage.
func (m *Metrics) RecordViolation(stage string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(stage).Inc()
}

// RecordDecodeFailure counts an undecodable payload.
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

// RecordTimeout counts an abandoned request.
func (m *Metrics) RecordTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

// RecordUncorrelated counts a dropped inbound message.
func (m *Metrics) RecordUncorrelated() {
	if m == nil {
		return
	}
	m.uncorrelated.Inc()
}

// RecordReply counts a synthesized error reply.
func (m *Metrics) RecordReply() {
	if m == nil {
		return
	}
	m.replies.Inc()
}

// ObserveRoundTrip records the latency of a completed exchange.
func (m *Metrics) ObserveRoundTrip(msgType string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.WithLabelValues(msgType).Observe(d.Seconds())
}

// SentCounter returns the sent counter for msgType.
func (m *Metrics) SentCounter(msgType string) prometheus.Counter {
	return m.sent.WithLabelValues(msgType)
}

// ReceivedCounter returns the received counter for msgType.
func (m *Metrics) ReceivedCounter(msgType string) prometheus.Counter {
	return m.received.WithLabelValues(msgType)
}

// ViolationCounter returns the validation failure counter for stage.
func (m *Metrics) ViolationCounter(stage string) prometheus.Counter {
	return m.violations.WithLabelValues(stage)
}

// DecodeFailureCounter returns the decode failure counter.
func (m *Metrics) DecodeFailureCounter() prometheus.Counter { return m.decodeFailures }

// TimeoutCounter returns the timeout counter.
func (m *Metrics) TimeoutCounter() prometheus.Counter { return m.timeouts }

// UncorrelatedCounter returns the uncorrelated message counter.
func (m *Metrics) UncorrelatedCounter() prometheus.Counter { return m.uncorrelated }

// ReplyCounter returns the synthesized reply counter.
func (m *Metrics) ReplyCounter() prometheus.Counter { return m.replies }
