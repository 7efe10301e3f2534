// Package metrics provides Prometheus instrumentation for the transcoding engine.
//
// All metrics are prefixed with "media_optimizer_" and registered through
// promauto at package initialisation, so importing the package is enough to
// expose them on the /metrics endpoint.
//
// # Metric Categories
//
// ## Jobs
//
//   - JobsSubmittedTotal: submissions by result (created, duplicate, rejected)
//   - JobTransitionsTotal: status transitions by target status
//   - JobsByStatus: persisted jobs per status, refreshed by the Collector
//   - JobsRunning: jobs currently held by the dispatcher
//   - JobRetriesTotal: requeues by trigger (automatic, manual)
//   - JobDuration: wall-clock attempt duration by outcome
//
// ## Analysis and transcoding
//
//   - AnalysisTotal, AnalysisDuration
//   - TranscodesTotal, TranscodeDuration, TranscodesInProgress
//   - TranscodeBytesSaved, ValidationFailuresTotal, GPUFallbacksTotal
//
// ## Storage and cleanup
//
//   - StorageBytes, StorageDirectoryBytes: values of the latest analytics snapshot
//   - AnalyticsCacheHits, AnalyticsCacheMisses, AnalyticsRecomputeDuration
//   - CleanupRunsTotal, CleanupFilesRemoved, CleanupBytesFreed, CleanupErrors
//   - CleanupLastRunTimestamp, CleanupLastRunDuration, CleanupIsRunning
//
// ## Infrastructure
//
//   - HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight
//   - DBQueryTotal, DBQueryDuration (by backend and operation), DBSizeBytes
//   - EventsPublished, EventsDropped, EventSubscribers
//   - Filesystem* operation and ESTALE retry metrics, recorded through the
//     filesystem.Observer returned by NewFilesystemObserver
//
// # Collector
//
// The Collector polls a StatsProvider on an interval and copies queue depth
// and tracker size into gauges. It also samples the SQLite file sizes when a
// database path is configured.
//
// # Initialization
//
// InitializeMetrics pre-creates the known label combinations so dashboards do
// not show gaps before the first event of each kind.
package metrics
