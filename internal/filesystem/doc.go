/*
Package filesystem wraps the handful of filesystem calls the engine makes on
its managed trees (stat, open, remove) with retry logic for NFS stale file
handle errors.

Output and temp directories are frequently network mounts. A stale handle
(ESTALE, errno 116) during a cleanup sweep or an analytics walk should not be
reported as a missing file, so these calls retry with exponential backoff
before giving up:

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())

	freed, err := filesystem.RemoveWithRetry(path, filesystem.DefaultRetryConfig())

Only ESTALE triggers a retry. Every other error is returned immediately.

# Volumes and metrics

A VolumeResolver maps paths to the volume labels used in metrics ("media",
"output", "temp", "chunks"). Metrics are recorded through an Observer set with
SetObserver; the Prometheus implementation is metrics.NewFilesystemObserver.
With no observer configured nothing is recorded, which keeps tests free of
global registry state.
*/
package filesystem
