// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection, room and session counts, counters for
// message throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the current number of live rooms.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Current number of live chat rooms",
	})

	// SessionsActive tracks the current number of joined sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_active",
		Help: "Current number of active chat sessions",
	})

	// TypingActive tracks the current number of typing markers.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_typing_active",
		Help: "Current number of active typing indicators",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// kind: "user", "system", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"kind"}) // kind = "user", "system", "blocked"

	// ReapedTotal counts state removed by the background reapers, labeled by
	// what was reaped: "session" or "typing".
	ReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_reaped_total",
		Help: "Total number of stale entries removed by reapers",
	}, []string{"kind"}) // kind = "session", "typing"

	// RoomsDeletedTotal counts rooms removed after their grace period.
	RoomsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_rooms_deleted_total",
		Help: "Total number of empty rooms deleted after the grace period",
	})

	// MessageLatency records message processing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		SessionsActive,
		TypingActive,
		MessagesTotal,
		ReapedTotal,
		RoomsDeletedTotal,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
