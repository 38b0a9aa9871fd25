// Package metrics registers the collector's Prometheus instrumentation,
// following the teacher's promauto package-level-var convention.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CollectorCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_cycle_duration_seconds",
			Help:    "Duration of one collector cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collector", "server"},
	)

	CollectorCycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_cycle_errors_total",
			Help: "Total number of failed collector cycles",
		},
		[]string{"collector"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_cache_hits_total",
			Help: "Total number of snapshot cache hits",
		},
		[]string{"kind"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_cache_misses_total",
			Help: "Total number of snapshot cache misses",
		},
		[]string{"kind"},
	)

	UpstreamCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_calls_total",
			Help: "Total number of upstream HTTP calls by result",
		},
		[]string{"endpoint", "result"},
	)

	EventBusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_published_total",
			Help: "Total number of frames published to the event bus",
		},
		[]string{"domain", "kind"},
	)

	RealtimeUpdaterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_updater_queue_depth",
			Help: "Current number of pending requests in the realtime updater queue",
		},
	)

	RealtimeUpdaterRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_updater_retries_total",
			Help: "Total number of transient-error retries in the realtime updater",
		},
	)

	JourneysDeletedByCleanup = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cleanup_journeys_deleted_total",
			Help: "Total number of journeys deleted by the daily cleanup task",
		},
	)

	JourneysCancelledStale = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cancellation_journeys_marked_total",
			Help: "Total number of journeys marked cancelled by the never-spawned check",
		},
	)
)

// RecordCycle records one collector cycle's duration and outcome.
func RecordCycle(collector, server string, duration time.Duration, err error) {
	CollectorCycleDuration.WithLabelValues(collector, server).Observe(duration.Seconds())
	if err != nil {
		CollectorCycleErrors.WithLabelValues(collector).Inc()
	}
}

// RecordCacheLookup records a cache hit or miss for a given frame kind.
func RecordCacheLookup(kind string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(kind).Inc()
		return
	}
	CacheMisses.WithLabelValues(kind).Inc()
}

// RecordUpstreamCall records an upstream HTTP call outcome.
func RecordUpstreamCall(endpoint, result string) {
	UpstreamCallsTotal.WithLabelValues(endpoint, result).Inc()
}
