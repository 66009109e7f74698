// Package metrics provides Prometheus instrumentation for the chat server. It
// exposes gauges for connection and room counts, counters for message and
// typing throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workdesk_chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat messages, labeled by type: "sent" (persisted),
	// "delivered" (written to a socket), "duplicate" (resend of a stored
	// message), "rejected" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workdesk_chat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// MessageLatency records send handling latency in seconds, from frame
	// receipt to room publish.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "workdesk_chat_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomSubscriptions tracks the current number of socket room memberships.
	RoomSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "workdesk_chat_room_subscriptions",
		Help: "Current number of joined chat rooms across sockets",
	})

	// TypingEvents counts typing_start and typing_stop events.
	TypingEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workdesk_chat_typing_events_total",
		Help: "Total number of typing events relayed",
	}, []string{"state"})

	// ReadReceipts counts mark_read operations from both WebSocket and REST.
	ReadReceipts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "workdesk_chat_read_receipts_total",
		Help: "Total number of read cursor updates",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		RoomSubscriptions,
		TypingEvents,
		ReadReceipts,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
