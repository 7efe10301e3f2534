package metrics

// Label sets shared with the packages that record them.
var (
	JobStatuses      = []string{"queued", "analyzing", "transcoding", "completed", "failed", "cancelled"}
	Qualities        = []string{"1080p", "720p", "480p"}
	Strategies       = []string{"gpu", "vp9", "cpu"}
	ValidationChecks = []string{"missing", "too_small", "inflation", "insufficient_compression", "integrity"}
	CleanupPasses    = []string{"corrupted", "orphans", "temp", "database", "history"}
)

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, file := range []string{"main", "wal", "shm"} {
		DBSizeBytes.WithLabelValues(file)
	}

	for _, status := range JobStatuses {
		JobTransitionsTotal.WithLabelValues(status)
		JobsByStatus.WithLabelValues(status)
	}
	for _, result := range []string{"created", "duplicate", "rejected"} {
		JobsSubmittedTotal.WithLabelValues(result)
	}
	for _, trigger := range []string{"automatic", "manual"} {
		JobRetriesTotal.WithLabelValues(trigger)
	}
	for _, outcome := range []string{"completed", "failed", "requeued", "cancelled"} {
		JobDuration.WithLabelValues(outcome)
	}

	for _, q := range Qualities {
		for _, s := range Strategies {
			TranscodesTotal.WithLabelValues(q, s, "success")
			TranscodesTotal.WithLabelValues(q, s, "error")
			TranscodeDuration.WithLabelValues(q, s)
		}
	}
	for _, check := range ValidationChecks {
		ValidationFailuresTotal.WithLabelValues(check)
	}

	for _, kind := range []string{"original", "transcoded", "saved"} {
		StorageBytes.WithLabelValues(kind)
	}
	for _, dir := range []string{"output", "temp", "chunks"} {
		StorageDirectoryBytes.WithLabelValues(dir)
	}

	for _, pass := range CleanupPasses {
		CleanupFilesRemoved.WithLabelValues(pass)
		CleanupBytesFreed.WithLabelValues(pass)
		CleanupErrors.WithLabelValues(pass)
	}

	volumes := []string{"media", "output", "temp", "chunks", "database", "unknown"}
	for _, vol := range volumes {
		for _, op := range []string{"stat", "open", "remove"} {
			FilesystemOperationDuration.WithLabelValues(vol, op)
			FilesystemOperationErrors.WithLabelValues(vol, op)
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
			FilesystemRetryDuration.WithLabelValues(op, vol)
		}
	}

	for _, op := range []string{"create_job", "get_job", "update_job", "list_jobs", "count_jobs",
		"next_queued_job", "delete_jobs", "requeue_interrupted", "create_result", "list_results",
		"delete_result", "save_analytics", "latest_analytics", "delete_analytics", "compression_stats"} {
		for _, backend := range []string{"sqlite", "mysql"} {
			DBQueryTotal.WithLabelValues(backend, op, "success")
			DBQueryTotal.WithLabelValues(backend, op, "error")
			DBQueryDuration.WithLabelValues(backend, op)
		}
	}
}
