// Package metrics provides Prometheus metrics for the memory substrate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "memsubstrate"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 10.0,
}

// =============================================================================
// Write Path
// =============================================================================

var (
	// Operations counts governed operations by outcome.
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Governed operations by operation, tier and outcome",
		},
		[]string{"operation", "tier", "outcome"},
	)

	// DegradedWrites counts writes persisted without an embedding.
	DegradedWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_writes_total",
			Help:      "Writes persisted without an embedding",
		},
		[]string{"tier"},
	)

	// EmbedLatency tracks embedding collaborator latency.
	EmbedLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embed_latency_seconds",
			Help:      "Embedding call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"outcome"},
	)
)

// =============================================================================
// Read Path
// =============================================================================

var (
	// SearchLatency tracks end-to-end search latency.
	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_seconds",
			Help:      "Search latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"mode"},
	)

	// DroppedTouches counts access updates dropped because the queue was full.
	DroppedTouches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_touches_dropped_total",
			Help:      "Access tracking updates dropped on a full queue",
		},
	)
)

// =============================================================================
// Maintenance
// =============================================================================

var (
	// MaintenanceRecords counts records affected by maintenance jobs.
	MaintenanceRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_records_total",
			Help:      "Records affected by maintenance jobs",
		},
		[]string{"job", "tier"},
	)

	// MaintenanceConflicts counts optimistic-concurrency conflicts.
	MaintenanceConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_conflicts_total",
			Help:      "Version conflicts seen by maintenance jobs",
		},
		[]string{"job", "result"},
	)

	// MaintenanceDuration tracks job run time.
	MaintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_duration_seconds",
			Help:      "Maintenance job run time in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"job"},
	)

	// TierRecords reports the record count per tier at the last stats call.
	TierRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_records",
			Help:      "Records per tier",
		},
		[]string{"tier"},
	)
)

// =============================================================================
// Notify
// =============================================================================

var (
	// NotifyEvents counts outbound world-model events by result.
	NotifyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_events_total",
			Help:      "World-model notifications by result",
		},
		[]string{"result"},
	)
)
