package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReadingsTotal counts readings by ingest outcome: accepted, stale or invalid.
	ReadingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_guard_readings_total",
			Help: "Telemetry readings by ingest outcome.",
		},
		[]string{"outcome", "source"}, // source: http/mqtt
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_guard_alerts_total",
			Help: "Alert candidates by admission outcome (admitted, suppressed, lost).",
		},
		[]string{"outcome", "type"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_guard_commands_total",
			Help: "Commands that reached a terminal status.",
		},
		[]string{"status", "type"},
	)

	// CommandLatency measures submit to terminal status.
	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vehicle_guard_command_latency_seconds",
			Help:    "Time from command submission to terminal status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	BroadcastDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_guard_broadcast_dropped_total",
			Help: "Events dropped or sessions closed because a subscriber fell behind.",
		},
		[]string{"reason"}, // reason: snapshot/disconnect
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vehicle_guard_active_sessions",
			Help: "Currently subscribed broadcast sessions.",
		},
	)

	// PersistenceLag is the number of state snapshots the batch writer could not queue.
	PersistenceLag = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vehicle_guard_state_persist_skipped_total",
			Help: "State snapshots not queued for durable persistence.",
		},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vehicle_guard_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		},
		[]string{"category"},
	)

	DeviceConnectivity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vehicle_guard_device_channel_up",
			Help: "Device channel connectivity (1=connected, 0=disconnected).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReadingsTotal,
		AlertsTotal,
		CommandsTotal,
		CommandLatency,
		BroadcastDropped,
		ActiveSessions,
		PersistenceLag,
		RateLimited,
		DeviceConnectivity,
	)
}
