package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "areareport_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "areareport_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Repository metrics
	RepositoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "areareport_repository_operations_total",
			Help: "Repository operations by outcome",
		},
		[]string{"operation", "outcome"}, // outcome: "ok" or "error"
	)

	RepositoryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "areareport_repository_latency_seconds",
			Help:    "Repository operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	RecordsInserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "areareport_records_inserted_total",
			Help: "Message records committed to the store",
		},
	)

	FanOutBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "areareport_fanout_batches_total",
			Help: "Partition batches issued by fan-out inserts",
		},
		[]string{"outcome"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "areareport_record_cache_lookups_total",
			Help: "Record cache lookups",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "areareport_events_published_total",
			Help: "Region events published to the event bus",
		},
		[]string{"outcome"},
	)
)
