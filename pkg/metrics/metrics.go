// Package metrics provides Prometheus metrics for extraction runs.
// Counters cover the page-fetch loop and run outcomes; the histogram tracks
// per-page latency so rate-limit backoff shows up in the tail.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesFetched counts result pages retrieved per object
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcepull_pages_fetched_total",
			Help: "Total number of query result pages fetched",
		},
		[]string{"object"},
	)

	// RowsFetched counts rows retrieved per object
	RowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcepull_rows_fetched_total",
			Help: "Total number of rows fetched",
		},
		[]string{"object"},
	)

	// RetriesTotal counts page-fetch retries by error category
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcepull_retries_total",
			Help: "Total number of retried page fetches",
		},
		[]string{"object", "error_type"},
	)

	// RunsTotal counts completed runs by outcome
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forcepull_runs_total",
			Help: "Total number of extraction runs",
		},
		[]string{"object", "mode", "outcome"},
	)

	// PageFetchSeconds tracks the latency of individual page fetches
	PageFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forcepull_page_fetch_seconds",
			Help:    "Latency of individual query page fetches",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"object"},
	)
)
