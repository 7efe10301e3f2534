package handlers

import (
	"context"
	"time"

	"media-optimizer/internal/analyzer"
	"media-optimizer/internal/cleanup"
	"media-optimizer/internal/database"
	"media-optimizer/internal/engine"
	"media-optimizer/internal/events"
	"media-optimizer/internal/jobs"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/progress"
	"media-optimizer/internal/storage"
	"media-optimizer/internal/transcoder"
)

// Service is the set of engine operations the API serves. *engine.Engine
// implements it.
type Service interface {
	SubmitJob(ctx context.Context, inputPath string, opts jobs.SubmitOptions) (*database.Job, bool, error)
	GetJobStatus(ctx context.Context, id string) (*engine.JobStatus, error)
	ListJobs(ctx context.Context, filter database.JobFilter) ([]*database.Job, error)
	CancelJob(ctx context.Context, id string) (*database.Job, error)
	RetryJob(ctx context.Context, id string) (*database.Job, error)
	GetQueueStatus(ctx context.Context, limit int) (*jobs.QueueStatus, error)
	ClearQueue(ctx context.Context) (jobs.ClearResult, error)

	AnalyzeFile(ctx context.Context, path string, qualities []string) (*analyzer.Analysis, error)
	AnalyzeBatch(ctx context.Context, paths []string, qualities []string) ([]*analyzer.Analysis, error)

	StorageAnalytics(ctx context.Context, refresh bool) (*storage.Snapshot, error)
	CompressionStats(ctx context.Context) (*database.CompressionStats, error)
	ForceCleanup(ctx context.Context) (*cleanup.Report, error)
	CleanupStats(ctx context.Context) cleanup.Stats
	TestAccelerator(ctx context.Context) (transcoder.AcceleratorReport, error)
	Accelerator() engine.AcceleratorState

	Subscribe(buffer int) *events.Subscription[progress.Update]
	ProgressStats() progress.Stats
	Ping(ctx context.Context) error
	Backend() string
	GetStats() metrics.Stats
}

var _ Service = (*engine.Engine)(nil)

type Handlers struct {
	svc       Service
	startedAt time.Time
	// heartbeat is the idle interval between keep-alive comments on the
	// event stream.
	heartbeat time.Duration
}

func New(svc Service) *Handlers {
	return &Handlers{
		svc:       svc,
		startedAt: time.Now(),
		heartbeat: 15 * time.Second,
	}
}
