// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arcs",
		Name:      "active_sessions",
		Help:      "Number of active relay sessions.",
	})

	// OpenConnections tracks live WebSocket connections of any role.
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arcs",
		Name:      "open_connections",
		Help:      "Number of open WebSocket connections.",
	})

	// FramesRouted counts video packets fanned out to controller queues.
	FramesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "frames_routed_total",
		Help:      "Video packets enqueued for controllers.",
	})

	// FramesDropped counts packets discarded by drop-oldest backpressure.
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "frames_dropped_total",
		Help:      "Video packets dropped from full controller queues.",
	})

	// BytesRouted counts video payload bytes received from device-legs.
	BytesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "frame_bytes_total",
		Help:      "Video packet bytes received from devices.",
	})

	// CommandsForwarded counts control commands relayed to devices.
	CommandsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "commands_forwarded_total",
		Help:      "Control commands forwarded to device-legs.",
	})

	// CommandsRateLimited counts control commands rejected by the limiter.
	CommandsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "commands_rate_limited_total",
		Help:      "Control commands rejected by rate limiting.",
	})

	// AuthFailures counts failed device authentications.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "auth_failures_total",
		Help:      "Failed device authentication attempts.",
	})

	// InvalidPackets counts binary packets rejected by the frame codec.
	InvalidPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcs",
		Name:      "invalid_packets_total",
		Help:      "Binary packets rejected for bad framing or checksum.",
	})
)
