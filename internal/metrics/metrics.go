// Package metrics provides Prometheus metrics for todosync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync engine operations (load, save, append, sync)
	syncOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "todosync_sync_operations_total",
			Help: "Total number of sync engine operations by outcome",
		},
		[]string{"op", "outcome"},
	)

	pendingChanges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todosync_pending_changes",
			Help: "1 while the local cache holds edits not yet pushed",
		},
	)

	conflictRenames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todosync_conflict_renames_total",
			Help: "Writes the remote store redirected to a conflict copy",
		},
	)

	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todosync_online",
			Help: "1 while the remote is considered reachable",
		},
	)

	// Operation queue
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todosync_queue_depth",
			Help: "Operations waiting on the sync queue",
		},
	)

	queueOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "todosync_queue_operation_duration_seconds",
			Help:    "Time spent executing queued operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	queuePanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "todosync_queue_panics_total",
			Help: "Queued operations that panicked",
		},
	)

	// Change watcher
	longPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "todosync_longpoll_total",
			Help: "Long-poll results by outcome",
		},
		[]string{"result"},
	)

	watcherBackoff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "todosync_watcher_backoff_seconds",
			Help: "Backoff the change watcher applies before its next poll",
		},
	)

	// Remote store calls
	remoteOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "todosync_remote_operation_duration_seconds",
			Help:    "Remote store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	remoteOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "todosync_remote_operations_total",
			Help: "Remote store calls by outcome",
		},
		[]string{"backend", "op", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSyncOp records a sync engine operation outcome such as "ok",
// "offline", "cache" or "error".
func RecordSyncOp(op, outcome string) {
	syncOpsTotal.WithLabelValues(op, outcome).Inc()
}

// SetPendingChanges mirrors the cache's pending flag.
func SetPendingChanges(pending bool) {
	pendingChanges.Set(boolToFloat(pending))
}

// RecordConflictRename counts a redirected write.
func RecordConflictRename() {
	conflictRenames.Inc()
}

// SetOnline mirrors the connectivity state.
func SetOnline(up bool) {
	online.Set(boolToFloat(up))
}

// SetQueueDepth records the number of waiting operations.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordQueueOp records how long a queued operation ran.
func RecordQueueOp(op string, duration time.Duration) {
	queueOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordQueuePanic counts a recovered panic.
func RecordQueuePanic() {
	queuePanics.Inc()
}

// RecordLongPoll records a long-poll outcome: "changed", "idle",
// "echo" or an error kind.
func RecordLongPoll(result string) {
	longPollsTotal.WithLabelValues(result).Inc()
}

// SetWatcherBackoff records the watcher's current backoff.
func SetWatcherBackoff(d time.Duration) {
	watcherBackoff.Set(d.Seconds())
}

// RecordRemoteOp records a remote store call.
func RecordRemoteOp(backend, op string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	remoteOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	remoteOpsTotal.WithLabelValues(backend, op, status).Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
