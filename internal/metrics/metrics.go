// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, counters for message and
// report throughput, and a histogram for message handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "togedog_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"}) // sent, censored, persist_failed, rejected, rate_limited

	// MessageLatency records send_message handling latency in seconds, from
	// receipt to the end of the room broadcast.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "togedog_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomsActive tracks rooms with at least one local member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "togedog_rooms_active",
		Help: "Current number of chat rooms with local members",
	})

	// ConnectionsRefused counts handshakes rejected before upgrade.
	ConnectionsRefused = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_connections_refused_total",
		Help: "WebSocket handshakes refused",
	}, []string{"reason"}) // unauthenticated, banned, rate_limited, capacity

	// HeartbeatEvictions counts connections dropped by the heartbeat.
	HeartbeatEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_heartbeat_evictions_total",
		Help: "Connections evicted by the heartbeat",
	}, []string{"reason"}) // timeout, ping_failed

	// RateLimitHits counts requests refused by a rate limit rule.
	RateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_rate_limit_hits_total",
		Help: "Requests refused by rate limiting",
	}, []string{"rule"})

	// ReportsTotal counts stored reports per kind.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_reports_total",
		Help: "Reports stored",
	}, []string{"kind"})

	// NoticesChecked counts reports flipped to checked per kind.
	NoticesChecked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "togedog_notices_checked_total",
		Help: "Reports marked as checked",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		RoomsActive,
		ConnectionsRefused,
		HeartbeatEvictions,
		RateLimitHits,
		ReportsTotal,
		NoticesChecked,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
