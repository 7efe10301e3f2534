package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"backend", "operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"backend", "operation"},
	)

	DBSizeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_db_size_bytes",
			Help: "Size of SQLite database files in bytes",
		},
		[]string{"file"}, // "main", "wal", "shm"
	)
)

// Job queue metrics
var (
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_jobs_submitted_total",
			Help: "Total number of submissions, split by whether a new job was created",
		},
		[]string{"result"}, // "created", "duplicate", "rejected"
	)

	JobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_job_transitions_total",
			Help: "Total number of job status transitions by target status",
		},
		[]string{"status"},
	)

	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_jobs",
			Help: "Number of persisted jobs by status",
		},
		[]string{"status"},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_jobs_running",
			Help: "Number of jobs currently held by the dispatcher",
		},
	)

	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_job_retries_total",
			Help: "Total number of job requeues",
		},
		[]string{"trigger"}, // "automatic", "manual"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_job_duration_seconds",
			Help:    "Wall-clock duration of a job attempt",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600, 7200},
		},
		[]string{"outcome"},
	)
)

// Analyzer metrics
var (
	AnalysisTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_analysis_total",
			Help: "Total number of file analyses by decision",
		},
		[]string{"decision"}, // "accepted", "skipped", or a rejection reason
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_analysis_duration_seconds",
			Help:    "Duration of a single file analysis including the probe",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// Transcoder metrics
var (
	TranscodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_transcodes_total",
			Help: "Total number of encode runs",
		},
		[]string{"quality", "strategy", "status"},
	)

	TranscodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_transcode_duration_seconds",
			Help:    "Encode duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600, 7200},
		},
		[]string{"quality", "strategy"},
	)

	TranscodesInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_transcodes_in_progress",
			Help: "Number of encoder subprocesses currently running",
		},
	)

	TranscodeBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_transcode_bytes_saved_total",
			Help: "Total bytes saved by recorded results",
		},
	)

	ValidationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_validation_failures_total",
			Help: "Total number of rejected encoder outputs by failed check",
		},
		[]string{"check"},
	)

	GPUFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_gpu_fallbacks_total",
			Help: "Total number of encodes that degraded from GPU to CPU",
		},
	)
)

// Storage metrics
var (
	StorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_storage_bytes",
			Help: "Byte totals from the latest storage analytics snapshot",
		},
		[]string{"kind"}, // "original", "transcoded", "saved"
	)

	StorageDirectoryBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_storage_directory_bytes",
			Help: "Size of managed directories from the latest snapshot",
		},
		[]string{"directory"},
	)

	AnalyticsCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_analytics_cache_hits_total",
			Help: "Total number of analytics requests served from cache",
		},
	)

	AnalyticsCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_analytics_cache_misses_total",
			Help: "Total number of analytics recomputations",
		},
	)

	AnalyticsRecomputeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_analytics_recompute_duration_seconds",
			Help:    "Duration of a storage analytics recomputation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Cleanup metrics
var (
	CleanupRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_cleanup_runs_total",
			Help: "Total number of cleanup runs",
		},
	)

	CleanupFilesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_cleanup_files_removed_total",
			Help: "Total number of files or rows removed by cleanup pass",
		},
		[]string{"pass"},
	)

	CleanupBytesFreed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_cleanup_bytes_freed_total",
			Help: "Total bytes freed by cleanup pass",
		},
		[]string{"pass"},
	)

	CleanupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_cleanup_errors_total",
			Help: "Total number of cleanup errors by pass",
		},
		[]string{"pass"},
	)

	CleanupLastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_cleanup_last_run_timestamp",
			Help: "Timestamp of the last cleanup run",
		},
	)

	CleanupLastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_cleanup_last_run_duration_seconds",
			Help: "Duration of the last cleanup run in seconds",
		},
	)

	CleanupIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_cleanup_running",
			Help: "Whether a cleanup run is in progress (1 = running, 0 = idle)",
		},
	)
)

// Event and progress metrics
var (
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_events_published_total",
			Help: "Total number of events published by bus",
		},
		[]string{"bus"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_events_dropped_total",
			Help: "Total number of events dropped because a subscriber was full",
		},
		[]string{"bus"},
	)

	EventSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_event_subscribers",
			Help: "Number of active subscribers by bus",
		},
		[]string{"bus"},
	)

	ProgressTrackedJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_progress_tracked_jobs",
			Help: "Number of jobs held in the progress tracker",
		},
	)

	ProgressPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_optimizer_progress_publish_errors_total",
			Help: "Total number of failed external progress publications",
		},
	)
)

// Filesystem metrics
var (
	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_filesystem_operation_duration_seconds",
			Help:    "Duration of filesystem operations by volume",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"volume", "operation"},
	)

	FilesystemOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_filesystem_operation_errors_total",
			Help: "Total number of failed filesystem operations by volume",
		},
		[]string{"volume", "operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_filesystem_retry_attempts_total",
			Help: "Total number of filesystem retry attempts",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_filesystem_retry_success_total",
			Help: "Total number of operations that succeeded after retrying",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_filesystem_retry_failures_total",
			Help: "Total number of operations that failed after all retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_optimizer_filesystem_stale_errors_total",
			Help: "Total number of ESTALE errors encountered",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_optimizer_filesystem_retry_duration_seconds",
			Help:    "Total time spent in retried filesystem operations",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation", "volume"},
	)
)

// Application info metric
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_optimizer_app_info",
			Help: "Application information",
		},
		[]string{"version", "commit", "go_version", "db_backend"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion, backend string) {
	AppInfo.WithLabelValues(version, commit, goVersion, backend).Set(1)
}

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_memory_usage_ratio",
			Help: "Go heap usage as a fraction of the configured limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_optimizer_memory_dispatch_paused",
			Help: "Whether dispatch is held back by memory pressure (1 = paused)",
		},
	)
)
