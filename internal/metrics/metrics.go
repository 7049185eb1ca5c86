// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and presence counts, counters for delivery and
// translation outcomes, and a histogram for end-to-end fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users with at least one open connection",
	})

	// StaleEvictions counts connections dropped after a failed write.
	StaleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_stale_evictions_total",
		Help: "Connections evicted from presence after a failed write",
	})

	// HeartbeatTimeouts counts connections closed for missing heartbeats.
	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_heartbeat_timeouts_total",
		Help: "Connections closed after no client activity within the heartbeat deadline",
	})

	// SendsTotal counts send operations by kind ("direct", "group") and
	// terminal state ("done", "rejected", "failed").
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sends_total",
		Help: "Send operations by kind and terminal state",
	}, []string{"kind", "state"})

	// DeliveriesTotal counts per-recipient deliveries by outcome status.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Per-recipient delivery outcomes",
	}, []string{"status"}) // live, pushed, no_channel, offline, failed

	// TranslationsTotal counts translator calls by result ("ok", "error").
	TranslationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_translations_total",
		Help: "Translation collaborator calls by result",
	}, []string{"result"})

	// FanoutLatency records the time from receiving a send to routing the
	// last recipient.
	FanoutLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_fanout_latency_seconds",
		Help:    "End-to-end send latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"kind"})

	// RateLimited counts sends rejected by the per-user rate limit.
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Sends rejected by the per-user rate limit",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		StaleEvictions,
		HeartbeatTimeouts,
		SendsTotal,
		DeliveriesTotal,
		TranslationsTotal,
		FanoutLatency,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
