package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the capture pipeline. Scraped from the ops
// server's /metrics endpoint.
var (
	// Upstream frame handling
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_frames_total",
		Help: "Upstream frames by contract result; ok includes frames later shed on a full queue",
	}, []string{"result"})

	reconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_reconnects_total",
		Help: "Reconnection attempts by upstream endpoint",
	}, []string{"endpoint"})

	hotswapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobcap_hotswaps_total",
		Help: "Completed scheduled connection replacements",
	})

	medianLatencyMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lobcap_median_latency_ms",
		Help: "Current median one-way latency estimate per symbol",
	}, []string{"symbol"})

	bookOrderViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_book_order_violations_total",
		Help: "Snapshots whose ladder broke price monotonicity",
	}, []string{"symbol", "side"})

	// Queue path
	snapshotsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_snapshots_enqueued_total",
		Help: "Snapshots accepted onto per-symbol queues",
	}, []string{"symbol"})

	snapshotsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_snapshots_dropped_total",
		Help: "Snapshots dropped because the symbol queue was full",
	}, []string{"symbol"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lobcap_queue_depth",
		Help: "Current per-symbol queue backlog",
	}, []string{"symbol"})

	// Writer path
	snapshotsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_snapshots_written_total",
		Help: "Snapshot lines appended to bucket files",
	}, []string{"symbol"})

	writeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_write_errors_total",
		Help: "Failed bucket file appends",
	}, []string{"symbol"})

	rotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_rotations_total",
		Help: "Bucket rotations (close + compress + reopen)",
	}, []string{"symbol"})

	compressFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_compress_failures_total",
		Help: "Rotations whose zip step failed, leaving the .jsonl in place",
	}, []string{"symbol"})

	flushInterval = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lobcap_flush_interval_seconds",
		Help: "Seconds between the last two flushes per symbol",
	}, []string{"symbol"})

	// Merge path
	mergesSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobcap_merges_submitted_total",
		Help: "Day-merge jobs handed to the merge pool",
	}, []string{"symbol"})

	mergeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobcap_merge_failures_total",
		Help: "Day-merge jobs that finished with an error",
	})

	mergeQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobcap_merge_queue_depth",
		Help: "Merge jobs waiting in the pool queue",
	})

	mergeTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobcap_merge_tasks_dropped_total",
		Help: "Merge jobs dropped because the pool queue was full",
	})

	// Relay
	relayPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobcap_relay_published_total",
		Help: "Snapshots published to the live relay subject",
	})

	relayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobcap_relay_failures_total",
		Help: "Relay publishes that failed and were skipped",
	})

	// Process
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobcap_memory_bytes",
		Help: "Resident memory of the capture process",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobcap_memory_limit_bytes",
		Help: "Memory limit in bytes (from cgroup)",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobcap_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobcap_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(framesTotal)
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(hotswapsTotal)
	prometheus.MustRegister(medianLatencyMs)
	prometheus.MustRegister(bookOrderViolations)

	prometheus.MustRegister(snapshotsEnqueued)
	prometheus.MustRegister(snapshotsDropped)
	prometheus.MustRegister(queueDepth)

	prometheus.MustRegister(snapshotsWritten)
	prometheus.MustRegister(writeErrors)
	prometheus.MustRegister(rotationsTotal)
	prometheus.MustRegister(compressFailures)
	prometheus.MustRegister(flushInterval)

	prometheus.MustRegister(mergesSubmitted)
	prometheus.MustRegister(mergeFailures)
	prometheus.MustRegister(mergeQueueDepth)
	prometheus.MustRegister(mergeTasksDropped)

	prometheus.MustRegister(relayPublished)
	prometheus.MustRegister(relayFailures)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Frame handling results for the lobcap_frames_total counter.
const (
	FrameOK            = "ok"
	FrameUnknownSymbol = "unknown_symbol"
	FrameMalformed     = "malformed"
	FrameNoUpdateID    = "no_update_id"
	FrameGated         = "gated"
	FrameNoLatency     = "no_latency"
)

// Ladder sides for order-violation counting.
const (
	SideBids = "bids"
	SideAsks = "asks"
)

// RecordFrame counts one upstream frame under its handling result.
func RecordFrame(result string) {
	framesTotal.WithLabelValues(result).Inc()
}

// RecordReconnect counts a reconnection attempt against an endpoint.
func RecordReconnect(endpoint string) {
	reconnectsTotal.WithLabelValues(endpoint).Inc()
}

// RecordHotSwap counts a completed connection replacement.
func RecordHotSwap() {
	hotswapsTotal.Inc()
}

// SetMedianLatency publishes the current median estimate for a symbol.
func SetMedianLatency(symbol string, ms float64) {
	medianLatencyMs.WithLabelValues(symbol).Set(ms)
}

// RecordBookViolation counts a ladder that broke price monotonicity.
func RecordBookViolation(symbol, side string) {
	bookOrderViolations.WithLabelValues(symbol, side).Inc()
}

// RecordEnqueue counts a snapshot accepted onto a symbol queue.
func RecordEnqueue(symbol string) {
	snapshotsEnqueued.WithLabelValues(symbol).Inc()
}

// RecordQueueDrop counts a snapshot discarded on a full symbol queue.
func RecordQueueDrop(symbol string) {
	snapshotsDropped.WithLabelValues(symbol).Inc()
}

// SetQueueDepth publishes a symbol queue's backlog.
func SetQueueDepth(symbol string, depth int) {
	queueDepth.WithLabelValues(symbol).Set(float64(depth))
}

// RecordWrite counts an appended snapshot line.
func RecordWrite(symbol string) {
	snapshotsWritten.WithLabelValues(symbol).Inc()
}

// RecordWriteError counts a failed append.
func RecordWriteError(symbol string) {
	writeErrors.WithLabelValues(symbol).Inc()
}

// RecordRotation counts a bucket rotation.
func RecordRotation(symbol string) {
	rotationsTotal.WithLabelValues(symbol).Inc()
}

// RecordCompressFailure counts a rotation whose zip step failed.
func RecordCompressFailure(symbol string) {
	compressFailures.WithLabelValues(symbol).Inc()
}

// SetFlushInterval publishes the gap between the last two flushes.
func SetFlushInterval(symbol string, seconds float64) {
	flushInterval.WithLabelValues(symbol).Set(seconds)
}

// RecordMergeSubmitted counts a day-merge job handed to the pool.
func RecordMergeSubmitted(symbol string) {
	mergesSubmitted.WithLabelValues(symbol).Inc()
}

// RecordMergeFailure counts a merge job that errored.
func RecordMergeFailure() {
	mergeFailures.Inc()
}

// SetMergeQueueDepth publishes the merge pool backlog.
func SetMergeQueueDepth(depth int) {
	mergeQueueDepth.Set(float64(depth))
}

// RecordMergeTaskDropped counts a merge job rejected by a full pool.
func RecordMergeTaskDropped() {
	mergeTasksDropped.Inc()
}

// RecordRelayPublished counts a snapshot published to the relay.
func RecordRelayPublished() {
	relayPublished.Inc()
}

// RecordRelayFailure counts a failed relay publish.
func RecordRelayFailure() {
	relayFailures.Inc()
}

// SetMemoryUsage publishes the process's resident memory.
func SetMemoryUsage(bytes float64) {
	memoryUsageBytes.Set(bytes)
}

// SetMemoryLimit publishes the detected cgroup memory limit.
func SetMemoryLimit(bytes float64) {
	memoryLimitBytes.Set(bytes)
}

// SetCPUUsage publishes the process's CPU percentage.
func SetCPUUsage(percent float64) {
	cpuUsagePercent.Set(percent)
}

// SetGoroutines publishes the goroutine count.
func SetGoroutines(n int) {
	goroutinesActive.Set(float64(n))
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
