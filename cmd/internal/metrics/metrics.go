// Package metrics provides Prometheus instrumentation for the Parley server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// WSConnectionsActive tracks open websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_ws_connections_active",
			Help: "Number of open realtime websocket connections",
		},
	)

	// WSEventsTotal counts inbound realtime envelopes by type and outcome.
	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_ws_events_total",
			Help: "Inbound realtime envelopes",
		},
		[]string{"type", "outcome"},
	)

	// DispatchEventsTotal counts fan-out events enqueued to connections.
	DispatchEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_dispatch_events_total",
			Help: "Fan-out events enqueued to live connections",
		},
		[]string{"kind"},
	)

	// DispatchDroppedTotal counts fan-out events dropped (no subscriber or full queue).
	DispatchDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_dispatch_dropped_total",
			Help: "Fan-out events dropped",
		},
		[]string{"kind", "reason"},
	)

	// PresenceOnlineUsers tracks users in the published presence set.
	PresenceOnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_presence_online_users",
			Help: "Distinct users in the published presence set",
		},
	)

	// PresenceConnections tracks live registry connection entries.
	PresenceConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_presence_connections",
			Help: "Live presence connection entries",
		},
	)

	// PresenceGraceExpiredTotal counts grace timers that fired and took a user offline.
	PresenceGraceExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_presence_grace_expired_total",
			Help: "Grace periods that elapsed without a reconnect",
		},
	)

	// MessagesPersistedTotal counts persisted messages by outcome.
	MessagesPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_persisted_total",
			Help: "Message persistence attempts",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, seconds float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordDispatch records delivered and dropped fan-out events of one kind.
func RecordDispatch(kind string, sent, dropped int) {
	if sent > 0 {
		DispatchEventsTotal.WithLabelValues(kind).Add(float64(sent))
	}
	if dropped > 0 {
		DispatchDroppedTotal.WithLabelValues(kind, "queue_full").Add(float64(dropped))
	}
}

// RecordNoSubscriber records an event addressed to a channel with no live connection.
func RecordNoSubscriber(kind string) {
	DispatchDroppedTotal.WithLabelValues(kind, "no_subscriber").Inc()
}

// PresenceObserver reports registry state to Prometheus.
type PresenceObserver struct{}

// Observe sets the presence gauges.
func (PresenceObserver) Observe(onlineUsers, connections int) {
	PresenceOnlineUsers.Set(float64(onlineUsers))
	PresenceConnections.Set(float64(connections))
}

// GraceExpired increments the grace expiry counter.
func (PresenceObserver) GraceExpired() {
	PresenceGraceExpiredTotal.Inc()
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
