package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"media-optimizer/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMySQL  = "mysql"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActiveJob is returned when another job for the same input
	// path is still queued, analyzing or transcoding.
	ErrDuplicateActiveJob = errors.New("an active job already exists for this input path")
	// ErrConflict is returned by UpdateJob when the row is no longer in one
	// of the expected statuses.
	ErrConflict = errors.New("job status changed concurrently")
)

// Store is the Job/Result/Analytics contract shared by every backend.
type Store interface {
	// Backend returns the backend name ("sqlite" or "mysql").
	Backend() string
	Close() error

	// CreateJob inserts a job. Returns ErrDuplicateActiveJob when another
	// active job exists for the same input path.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	FindActiveJobByPath(ctx context.Context, inputPath string) (*Job, error)
	// UpdateJob writes every mutable column of job. When from is non-empty
	// the write only happens if the stored status is one of from, otherwise
	// ErrConflict is returned.
	UpdateJob(ctx context.Context, job *Job, from ...JobStatus) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)
	// NextQueuedJob returns the highest priority, oldest queued job whose
	// available time is not after now. Returns ErrNotFound when none is ready.
	NextQueuedJob(ctx context.Context, now time.Time) (*Job, error)
	// NextAvailableAt returns the earliest available time among queued jobs.
	NextAvailableAt(ctx context.Context) (time.Time, bool, error)
	// DeleteJobs removes jobs in any of statuses last updated before the
	// cutoff (zero cutoff matches all), together with their results.
	DeleteJobs(ctx context.Context, statuses []JobStatus, before time.Time) (int64, error)
	// DeleteJobsWithoutResults is DeleteJobs restricted to jobs that have no
	// results left.
	DeleteJobsWithoutResults(ctx context.Context, statuses []JobStatus, before time.Time) (int64, error)
	// RequeueInterrupted moves analyzing/transcoding rows back to queued.
	RequeueInterrupted(ctx context.Context) (int64, error)

	CreateResult(ctx context.Context, result *Result) error
	ListResults(ctx context.Context, filter ResultFilter) ([]*Result, error)
	DeleteResult(ctx context.Context, id int64) error
	CompressionStats(ctx context.Context) (*CompressionStats, error)

	// SaveAnalytics appends a snapshot row.
	SaveAnalytics(ctx context.Context, record *AnalyticsRecord) error
	// LatestAnalytics returns the most recent row for name.
	LatestAnalytics(ctx context.Context, name string) (*AnalyticsRecord, error)
	DeleteAnalyticsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// GetMetadata returns ErrNotFound when the key has never been set.
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	SQLitePath string
	MySQLDSN   string
}

// Open builds the store for opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		s, err := NewSQLite(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMySQL:
		s, err := NewMySQL(ctx, opts.MySQLDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", opts.Backend)
	}
}

// recordQuery records database query metrics
func recordQuery(backend, operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(backend, operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(backend, operation).Observe(duration)
}

func statusStrings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
