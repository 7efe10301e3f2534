package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"media-optimizer/internal/analyzer"
	"media-optimizer/internal/cleanup"
	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
	"media-optimizer/internal/jobs"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/memory"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/progress"
	"media-optimizer/internal/startup"
	"media-optimizer/internal/storage"
	"media-optimizer/internal/transcoder"
)

const statsTimeout = 5 * time.Second

// Engine owns every component of the transcoding subsystem.
type Engine struct {
	cfg *startup.Config

	store     database.Store
	ownsStore bool
	bus       *events.Bus[events.JobEvent]
	encoder   Encoder
	analyzer  Analyzer
	storage   *storage.Manager
	tracker   *progress.Tracker
	jobs      *jobs.Manager
	cleanup   *cleanup.Service
	monitor   *memory.Monitor

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Components lets callers supply parts of the engine. Nil fields are built
// from the configuration.
type Components struct {
	Store    database.Store
	Encoder  Encoder
	Prober   transcoder.Prober
	Analyzer Analyzer
	Sink     progress.Sink
	Pauser   jobs.Pauser
}

// New opens the configured store, probes the hardware encoders and wires
// every component.
func New(ctx context.Context, cfg *startup.Config) (*Engine, error) {
	start := time.Now()
	store, err := database.Open(ctx, database.Options{
		Backend:    cfg.DBBackend,
		SQLitePath: cfg.DatabasePath,
		MySQLDSN:   cfg.MySQLDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DBBackend, err)
	}
	startup.LogDatabaseInit(store.Backend(), time.Since(start))

	accel, err := transcoder.ParseGPUAccel(cfg.GPUAccel)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	startup.LogTranscoderInit(cfg.FFmpegPath, cfg.FFprobePath)
	trans := transcoder.New(ctx, transcoder.Config{
		FFmpegPath:            cfg.FFmpegPath,
		FFprobePath:           cfg.FFprobePath,
		GPUAccel:              accel,
		PreventInflation:      cfg.PreventInflation,
		MinCompressionPercent: cfg.MinCompressionPercent,
	})

	comp := Components{Store: store, Encoder: trans, Prober: trans}

	if cfg.RedisAddr != "" {
		sink, err := progress.NewRedisSink(ctx, progress.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.RedisChannel,
		})
		if err != nil {
			logging.Warn("Redis progress publisher disabled: %v", err)
		} else {
			logging.Info("Publishing progress to redis channel %s", sink.Channel())
			comp.Sink = sink
		}
	}

	monitor := memory.NewMonitor(memory.DefaultConfig())
	comp.Pauser = monitor

	e := Build(cfg, comp)
	e.ownsStore = true
	e.monitor = monitor
	return e, nil
}

// Build wires an engine from cfg and the supplied components.
func Build(cfg *startup.Config, comp Components) *Engine {
	e := &Engine{
		cfg:     cfg,
		store:   comp.Store,
		bus:     events.New[events.JobEvent]("jobs"),
		encoder: comp.Encoder,
	}

	e.analyzer = comp.Analyzer
	if e.analyzer == nil {
		e.analyzer = analyzer.New(analyzer.Config{
			MinFileSize:       cfg.MinFileSize,
			MinSavingsPercent: cfg.MinSavingsPercent,
			PreventInflation:  cfg.PreventInflation,
			MaxGrowthPercent:  cfg.MaxGrowthPercent,
		}, comp.Prober, comp.Store)
	}

	e.storage = storage.New(storage.Config{
		MediaDir:      cfg.MediaDir,
		OutputDir:     cfg.OutputDir,
		TempDir:       cfg.TempDir,
		ChunkDir:      cfg.ChunkDir,
		Layout:        storage.Layout(cfg.OutputLayout),
		AnalyticsTTL:  cfg.AnalyticsTTL,
		CorruptedSize: cfg.CorruptedThreshold,
	}, comp.Store)

	e.tracker = progress.New(progress.Config{
		Retention:   cfg.ProgressRetention,
		HistorySize: cfg.ProgressHistory,
		Sink:        comp.Sink,
	})

	e.jobs = jobs.New(jobs.Config{
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MaxAttempts:       cfg.MaxAttempts,
		RetryBackoff:      cfg.RetryBackoff,
		DefaultQualities:  cfg.DefaultQualities,
		Qualities:         transcoder.Qualities(),
	}, comp.Store, &pipeline{
		store:    comp.Store,
		analyzer: e.analyzer,
		encoder:  comp.Encoder,
		storage:  e.storage,
	}, e.bus)
	if comp.Pauser != nil {
		e.jobs.SetPauser(comp.Pauser)
	}

	var verifier cleanup.Verifier
	if comp.Encoder != nil {
		verifier = comp.Encoder
	}
	e.cleanup = cleanup.New(cleanup.Config{
		OutputDir:          cfg.OutputDir,
		TempDir:            cfg.TempDir,
		ChunkDir:           cfg.ChunkDir,
		Interval:           cfg.CleanupInterval,
		CorruptedThreshold: cfg.CorruptedThreshold,
		IntegrityCheck:     cfg.IntegrityCheck,
		TempMaxAge:         cfg.TempMaxAge,
		OrphanMinAge:       cfg.OrphanMinAge,
		JobRetention:       cfg.JobRetention,
		AnalyticsRetention: cfg.AnalyticsRetention,
		PruneCompleted:     cfg.PruneCompleted,
	}, comp.Store, verifier)
	e.cleanup.SetInFlight(e.jobs.Running)
	e.cleanup.SetOnComplete(func(r *cleanup.Report) {
		if r.FilesCleaned > 0 || r.RowsRemoved > 0 {
			e.storage.Invalidate()
		}
	})

	return e
}

// Start launches progress tracking, the dispatcher and the cleanup timer.
// Jobs left running by a previous process are requeued first.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.stopped {
		return errors.New("engine has been stopped")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.Run(runCtx, e.bus)
	}()

	if e.monitor != nil {
		e.monitor.Start()
	}
	if err := e.jobs.Start(ctx); err != nil {
		cancel()
		e.wg.Wait()
		return fmt.Errorf("failed to start job manager: %w", err)
	}
	e.cleanup.Start(ctx)

	e.cancel = cancel
	e.started = true
	startup.LogEngineStarted(e.cfg.MaxConcurrentJobs, e.cfg.CleanupInterval)
	return nil
}

// Stop halts dispatch, returns running jobs to the queue and releases
// every resource. The store is closed only if New opened it.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true

	var errs error
	if e.started {
		startup.LogShutdownStep("Stopping job manager")
		errs = multierr.Append(errs, e.jobs.Stop(ctx))
		if e.encoder != nil {
			e.encoder.Cleanup()
		}
		startup.LogShutdownStepComplete("Job manager stopped")

		startup.LogShutdownStep("Stopping cleanup service")
		e.cleanup.Stop()
		startup.LogShutdownStepComplete("Cleanup service stopped")

		if e.monitor != nil {
			e.monitor.Stop()
		}
		e.cancel()
		e.wg.Wait()
		e.started = false
	}

	e.bus.Close()
	errs = multierr.Append(errs, e.tracker.Close())
	if e.ownsStore {
		errs = multierr.Append(errs, e.store.Close())
	}
	return errs
}

// SubmitJob queues inputPath, or returns the job already active for it.
func (e *Engine) SubmitJob(ctx context.Context, inputPath string, opts jobs.SubmitOptions) (*database.Job, bool, error) {
	return e.jobs.Submit(ctx, inputPath, opts)
}

// CancelJob cancels a queued or running job and stops its encoder.
func (e *Engine) CancelJob(ctx context.Context, id string) (*database.Job, error) {
	job, err := e.jobs.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.encoder != nil {
		e.encoder.Cancel(id)
	}
	return job, nil
}

// RetryJob requeues a failed or cancelled job.
func (e *Engine) RetryJob(ctx context.Context, id string) (*database.Job, error) {
	return e.jobs.Retry(ctx, id)
}

// ClearQueue cancels running jobs and deletes queued ones.
func (e *Engine) ClearQueue(ctx context.Context) (jobs.ClearResult, error) {
	running := e.jobs.Running()
	res, err := e.jobs.ClearQueue(ctx)
	if e.encoder != nil {
		for _, id := range running {
			e.encoder.Cancel(id)
		}
	}
	return res, err
}

// JobStatus is a job together with its live progress and outputs.
type JobStatus struct {
	Job      *database.Job         `json:"job"`
	Progress *progress.Record      `json:"progress,omitempty"`
	Results  []*database.Result    `json:"results"`
	History  []progress.Transition `json:"history,omitempty"`
}

// GetJobStatus returns the job row, its progress record if still tracked,
// and its Results.
func (e *Engine) GetJobStatus(ctx context.Context, id string) (*JobStatus, error) {
	job, err := e.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ListResults(ctx, database.ResultFilter{JobID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to list results for job %s: %w", id, err)
	}
	status := &JobStatus{Job: job, Results: results}
	if rec, ok := e.tracker.Get(id); ok {
		status.Progress = &rec
		status.History = rec.History
	}
	if status.Results == nil {
		status.Results = []*database.Result{}
	}
	return status, nil
}

// ListJobs lists job rows.
func (e *Engine) ListJobs(ctx context.Context, filter database.JobFilter) ([]*database.Job, error) {
	return e.jobs.ListJobs(ctx, filter)
}

// GetQueueStatus summarizes the queue; limit caps the listed jobs.
func (e *Engine) GetQueueStatus(ctx context.Context, limit int) (*jobs.QueueStatus, error) {
	return e.jobs.QueueStatus(ctx, limit)
}

// AnalyzeFile reports what a job for path would produce without queueing it.
func (e *Engine) AnalyzeFile(ctx context.Context, path string, qualities []string) (*analyzer.Analysis, error) {
	return e.analyzer.Analyze(ctx, path, analyzer.Options{Qualities: qualities})
}

// AnalyzeBatch analyzes paths concurrently, in input order.
func (e *Engine) AnalyzeBatch(ctx context.Context, paths []string, qualities []string) ([]*analyzer.Analysis, error) {
	return e.analyzer.AnalyzeBatch(ctx, paths, analyzer.Options{Qualities: qualities})
}

// StorageAnalytics returns the cached snapshot, or recomputes it when
// refresh is set.
func (e *Engine) StorageAnalytics(ctx context.Context, refresh bool) (*storage.Snapshot, error) {
	if refresh {
		return e.storage.Refresh(ctx)
	}
	return e.storage.Cached(ctx)
}

// CompressionStats aggregates every Result.
func (e *Engine) CompressionStats(ctx context.Context) (*database.CompressionStats, error) {
	return e.store.CompressionStats(ctx)
}

// ForceCleanup runs every cleanup pass now. It fails with
// cleanup.ErrAlreadyRunning while a run is in progress.
func (e *Engine) ForceCleanup(ctx context.Context) (*cleanup.Report, error) {
	return e.cleanup.Run(ctx)
}

// CleanupStats returns lifetime cleanup totals.
func (e *Engine) CleanupStats(ctx context.Context) cleanup.Stats {
	return e.cleanup.Stats(ctx)
}

// TestAccelerator checks the hardware encoder with a synthetic encode.
func (e *Engine) TestAccelerator(ctx context.Context) (transcoder.AcceleratorReport, error) {
	if e.encoder == nil {
		return transcoder.AcceleratorReport{}, errors.New("no encoder configured")
	}
	return e.encoder.TestAccelerator(ctx), nil
}

// AcceleratorState is the hardware encoding mode resolved at startup.
type AcceleratorState struct {
	Mode      transcoder.GPUAccel `json:"mode"`
	Available bool                `json:"available"`
	Encoder   string              `json:"encoder,omitempty"`
}

// Accelerator reports whether encodes currently use the GPU.
func (e *Engine) Accelerator() AcceleratorState {
	if e.encoder == nil {
		return AcceleratorState{Mode: transcoder.GPUAccelNone}
	}
	mode, available, encoder := e.encoder.GPUStatus()
	return AcceleratorState{Mode: mode, Available: available, Encoder: encoder}
}

// Subscribe returns a feed of progress updates. Slow readers lose updates
// rather than stall the pipeline.
func (e *Engine) Subscribe(buffer int) *events.Subscription[progress.Update] {
	return e.tracker.Subscribe(buffer)
}

// ProgressStats returns the tracker's rolling counters.
func (e *Engine) ProgressStats() progress.Stats {
	return e.tracker.Stats()
}

// Ping checks that the store answers.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.store.CountJobsByStatus(ctx)
	return err
}

// Backend names the database backend.
func (e *Engine) Backend() string {
	return e.store.Backend()
}

// DatabasePath is the sqlite file, or empty for other backends.
func (e *Engine) DatabasePath() string {
	if p, ok := e.store.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

// GetStats implements metrics.StatsProvider.
func (e *Engine) GetStats() metrics.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats := metrics.Stats{
		JobsByStatus: make(map[string]int),
		Running:      e.jobs.RunningCount(),
		Tracked:      e.tracker.Stats().Tracked,
	}
	counts, err := e.store.CountJobsByStatus(ctx)
	if err != nil {
		logging.Warn("Failed to count jobs for metrics: %v", err)
		return stats
	}
	for status, n := range counts {
		stats.JobsByStatus[string(status)] = n
	}
	return stats
}
