// Package metrics holds the Prometheus collectors shared by the sync
// engine, the folder store, the connection pool and the job queue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BlockLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_block_loads_total",
			Help: "Blocks paged in from the backend.",
		},
		[]string{
			"kind", // header, body
		},
	)
	FolderFlushes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_folder_flushes_total",
			Help: "Folder checkpoints written to the backend.",
		},
	)
	SyncSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_step_duration_seconds",
			Help:    "Duration of one date-range sync step by result.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{
			"result", // ok, bisect, error
		},
	)
	SyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_messages_total",
			Help: "Messages reconciled by sync steps.",
		},
		[]string{
			"change", // new, updated, deleted
		},
	)
	PoolConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_pool_connections",
			Help: "Open server connections across all pools.",
		},
	)
	PoolWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_pool_waits_total",
			Help: "Connection requests that had to wait for a lease.",
		},
	)
	JobPhases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_job_phases_total",
			Help: "Job phases run by operation type, phase and result.",
		},
		[]string{
			"type",   // modtags, move, delete, append
			"phase",  // local_do, local_undo, do, undo
			"result", // ok, error
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
