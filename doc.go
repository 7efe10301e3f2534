// Command media-optimizer runs the media transcoding service.
//
// It accepts transcode jobs for video files over a small JSON API, decides
// per quality level whether re-encoding is worth it, encodes with ffmpeg
// (hardware accelerated when available), validates every output and keeps
// only those that are smaller than their source.
//
// # Application Lifecycle
//
//  1. Memory Configuration: sets GOMEMLIMIT from the environment or cgroup
//     limits, leaving headroom for ffmpeg child processes
//  2. Configuration Loading: defaults, environment and an optional YAML file
//  3. Engine Initialization:
//     - Database: sqlite file or MySQL, selected by DB_BACKEND
//     - Transcoder: ffmpeg/ffprobe discovery and GPU detection
//     - Progress Tracker: live job progress, optionally mirrored to Redis
//     - Job Manager: requeues jobs interrupted by the last shutdown
//     - Cleanup Service: periodic sweeps of outputs, temp files and old rows
//  4. HTTP Server Setup: routes, middleware and the optional metrics server
//  5. Graceful Shutdown: handles SIGINT/SIGTERM
//
// # HTTP Server
//
//  1. API Server (default port 8080): job submission and control, queue
//     status, analysis, storage analytics, cleanup, accelerator checks and a
//     server-sent progress stream at /api/events
//  2. Metrics Server (default port 9090, optional): /metrics and /health
//
// # Graceful Shutdown
//
//  1. Stop accepting HTTP requests and end open event streams
//  2. Stop the metrics collector
//  3. Stop dispatching, cancel running encodes and requeue their jobs
//  4. Stop the cleanup service and memory monitor
//  5. Close the progress feed and database
//
// # Environment Variables
//
//   - MEDIA_DIR, OUTPUT_DIR, TEMP_DIR, CHUNK_DIR, DATABASE_DIR
//   - DB_BACKEND, MYSQL_DSN
//   - PORT, METRICS_PORT, METRICS_ENABLED
//   - FFMPEG_PATH, FFPROBE_PATH, GPU_ACCEL
//   - MAX_CONCURRENT_JOBS, MAX_ATTEMPTS, RETRY_BACKOFF, DEFAULT_QUALITIES
//   - REDIS_ADDR, REDIS_CHANNEL
//   - LOG_LEVEL, CONFIG_FILE, GOMEMLIMIT
//
// See [media-optimizer/internal/startup] for the full list and defaults.
package main
