// Package metrics defines the Prometheus metrics exported by the
// pagination and purge core, and the HTTP server they are scraped from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "synapse"

// PurgeMetrics holds metrics for history purges.
type PurgeMetrics struct {
	// Started counts purges that were accepted and dispatched.
	Started prometheus.Counter

	// Completed counts purges that finished successfully.
	Completed prometheus.Counter

	// Failed counts purges that ended in a storage failure.
	Failed prometheus.Counter

	// InProgress tracks the number of purges currently running.
	InProgress prometheus.Gauge
}

// NewPurgeMetrics creates and registers purge metrics with the default
// registry.
func NewPurgeMetrics() *PurgeMetrics {
	return NewPurgeMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPurgeMetricsWithRegistry creates purge metrics registered with the
// given registry. Useful for testing to avoid conflicts with the default
// registry.
func NewPurgeMetricsWithRegistry(reg prometheus.Registerer) *PurgeMetrics {
	factory := promauto.With(reg)
	return &PurgeMetrics{
		Started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purge",
			Name:      "started_total",
			Help:      "Number of history purges dispatched.",
		}),
		Completed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purge",
			Name:      "completed_total",
			Help:      "Number of history purges that completed successfully.",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purge",
			Name:      "failed_total",
			Help:      "Number of history purges that failed.",
		}),
		InProgress: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "purge",
			Name:      "in_progress",
			Help:      "Number of history purges currently running.",
		}),
	}
}

// RetentionMetrics holds metrics for the retention purge worker.
type RetentionMetrics struct {
	// JobRuns counts completed retention job runs.
	JobRuns prometheus.Counter

	// RoomsPurged counts rooms for which a retention purge was scheduled.
	RoomsPurged prometheus.Counter

	// RoomsSkipped counts rooms skipped during a run, either because a
	// purge was already in flight or no event fell after the cutoff.
	RoomsSkipped prometheus.Counter
}

// NewRetentionMetrics creates and registers retention metrics with the
// default registry.
func NewRetentionMetrics() *RetentionMetrics {
	return NewRetentionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRetentionMetricsWithRegistry creates retention metrics registered with
// the given registry.
func NewRetentionMetricsWithRegistry(reg prometheus.Registerer) *RetentionMetrics {
	factory := promauto.With(reg)
	return &RetentionMetrics{
		JobRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "job_runs_total",
			Help:      "Number of retention job runs completed.",
		}),
		RoomsPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "rooms_purged_total",
			Help:      "Number of rooms for which a retention purge was scheduled.",
		}),
		RoomsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "rooms_skipped_total",
			Help:      "Number of rooms skipped during retention runs.",
		}),
	}
}

// PaginationMetrics holds metrics for the /messages read path.
type PaginationMetrics struct {
	// Requests counts pagination requests served.
	Requests prometheus.Counter

	// Backfills counts pagination requests that invoked the federation
	// backfill collaborator.
	Backfills prometheus.Counter

	// PageSize observes the number of events returned per page after
	// filtering.
	PageSize prometheus.Histogram
}

// NewPaginationMetrics creates and registers pagination metrics with the
// default registry.
func NewPaginationMetrics() *PaginationMetrics {
	return NewPaginationMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewPaginationMetricsWithRegistry creates pagination metrics registered
// with the given registry.
func NewPaginationMetricsWithRegistry(reg prometheus.Registerer) *PaginationMetrics {
	factory := promauto.With(reg)
	return &PaginationMetrics{
		Requests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pagination",
			Name:      "requests_total",
			Help:      "Number of pagination requests served.",
		}),
		Backfills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pagination",
			Name:      "backfills_total",
			Help:      "Number of pagination requests that triggered a federation backfill.",
		}),
		PageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pagination",
			Name:      "page_size_events",
			Help:      "Events returned per pagination page after filtering.",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 250, 500, 1000},
		}),
	}
}
