package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routerd",
			Subsystem: "router",
			Name:      "sessions_active",
			Help:      "Sessions currently attached to a realm.",
		},
		[]string{"realm"},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "router",
			Name:      "sessions_total",
			Help:      "Sessions welcomed into a realm.",
		},
		[]string{"realm"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Protocol messages handled by the router.",
		},
		[]string{"direction", "type"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Routed calls by outcome.",
		},
		[]string{"realm", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routerd",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Time from call routing to outcome delivery.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"realm", "outcome"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerd",
			Subsystem: "pubsub",
			Name:      "events_delivered_total",
			Help:      "Events fanned out to subscribers.",
		},
		[]string{"realm"},
	)
)

// Call outcomes.
const (
	OutcomeResult    = "result"
	OutcomeError     = "error"
	OutcomeNoRoute   = "no_such_procedure"
	OutcomeAbandoned = "abandoned"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionsTotal, messages, calls, callDuration, events)
	})
}

func RecordSessionOpened(realm string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(realm).Inc()
	sessionsTotal.WithLabelValues(realm).Inc()
}

func RecordSessionClosed(realm string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(realm).Dec()
}

func RecordMessage(direction, messageType string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, messageType).Inc()
}

func RecordCall(realm, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(realm, outcome).Inc()
	callDuration.WithLabelValues(realm, outcome).Observe(duration.Seconds())
}

func RecordEvents(realm string, delivered int) {
	if delivered <= 0 {
		return
	}
	RegisterMetrics()
	events.WithLabelValues(realm).Add(float64(delivered))
}
