package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"media-optimizer/internal/database"
	"media-optimizer/internal/filesystem"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// ErrAlreadyRunning is returned by Run while another run is in progress.
var ErrAlreadyRunning = errors.New("cleanup is already running")

// Pass names, also used as metric labels.
const (
	PassCorrupted = "corrupted"
	PassOrphans   = "orphans"
	PassTemp      = "temp"
	PassDatabase  = "database"
	PassHistory   = "history"
)

// Defaults applied by New.
const (
	DefaultInterval           = time.Hour
	DefaultCorruptedThreshold = 1024
	DefaultTempMaxAge         = time.Hour
	DefaultOrphanMinAge       = 5 * time.Minute
	DefaultJobRetention       = 7 * 24 * time.Hour
	DefaultAnalyticsRetention = 30 * 24 * time.Hour
)

// statsKey is the metadata key holding lifetime totals.
const statsKey = "cleanup_stats"

// Store is the slice of the database the service needs.
type Store interface {
	ListResults(ctx context.Context, filter database.ResultFilter) ([]*database.Result, error)
	DeleteResult(ctx context.Context, id int64) error
	DeleteJobs(ctx context.Context, statuses []database.JobStatus, before time.Time) (int64, error)
	DeleteJobsWithoutResults(ctx context.Context, statuses []database.JobStatus, before time.Time) (int64, error)
	DeleteAnalyticsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
}

// Verifier re-probes an output file.
type Verifier interface {
	Verify(ctx context.Context, path string) error
}

// Config configures a Service.
type Config struct {
	OutputDir string
	TempDir   string
	ChunkDir  string

	Interval           time.Duration
	CorruptedThreshold int64
	// IntegrityCheck re-probes every output at or above the threshold.
	IntegrityCheck     bool
	TempMaxAge         time.Duration
	OrphanMinAge       time.Duration
	JobRetention       time.Duration
	AnalyticsRetention time.Duration
	// PruneCompleted extends job retention to completed jobs. Their results
	// go with them and the outputs become orphans.
	PruneCompleted bool
}

// PassReport is the outcome of one pass.
type PassReport struct {
	Name         string        `json:"name"`
	FilesRemoved int           `json:"filesRemoved"`
	RowsRemoved  int64         `json:"rowsRemoved"`
	BytesFreed   int64         `json:"bytesFreed"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt    time.Time     `json:"startedAt"`
	Duration     time.Duration `json:"duration"`
	Passes       []PassReport  `json:"passes"`
	FilesCleaned int           `json:"filesCleaned"`
	RowsRemoved  int64         `json:"rowsRemoved"`
	BytesFreed   int64         `json:"bytesFreed"`
	Errors       int           `json:"errors"`
}

// Stats are lifetime totals across runs.
type Stats struct {
	Runs         int64     `json:"runs"`
	FilesCleaned int64     `json:"filesCleaned"`
	RowsRemoved  int64     `json:"rowsRemoved"`
	BytesFreed   int64     `json:"bytesFreed"`
	Errors       int64     `json:"errors"`
	LastRun      *Report   `json:"lastRun,omitempty"`
	Running      bool      `json:"running"`
	NextRun      time.Time `json:"nextRun,omitempty"`
}

// Service runs cleanup passes on a timer and on demand.
type Service struct {
	cfg      Config
	store    Store
	verifier Verifier
	inFlight func() []string
	retry    filesystem.RetryConfig
	now      func() time.Time

	onComplete func(*Report)

	mu          sync.Mutex
	running     bool
	started     bool
	stats       Stats
	statsLoaded bool
	nextRun     time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Service. verifier may be nil to skip integrity probing.
func New(cfg Config, store Store, verifier Verifier) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CorruptedThreshold <= 0 {
		cfg.CorruptedThreshold = DefaultCorruptedThreshold
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = DefaultTempMaxAge
	}
	if cfg.OrphanMinAge <= 0 {
		cfg.OrphanMinAge = DefaultOrphanMinAge
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if cfg.AnalyticsRetention <= 0 {
		cfg.AnalyticsRetention = DefaultAnalyticsRetention
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		inFlight: func() []string { return nil },
		retry:    filesystem.DefaultRetryConfig(),
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetInFlight sets the source of job ids whose staging directories must
// not be touched.
func (s *Service) SetInFlight(fn func() []string) {
	if fn != nil {
		s.inFlight = fn
	}
}

// SetOnComplete sets a callback invoked after every run.
func (s *Service) SetOnComplete(fn func(*Report)) {
	s.onComplete = fn
}

// Start loads lifetime stats and begins periodic runs.
func (s *Service) Start(ctx context.Context) {
	s.loadStats(ctx)

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.nextRun = s.now().Add(s.cfg.Interval)
	s.mu.Unlock()

	go s.periodic()
	logging.Info("Cleanup service started (interval: %v)", s.cfg.Interval)
}

// Stop ends periodic runs and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopChan) })
	if started {
		<-s.done
	}
}

func (s *Service) periodic() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.nextRun = s.now().Add(s.cfg.Interval)
			s.mu.Unlock()

			if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				logging.Warn("Scheduled cleanup finished with errors: %v", err)
			}
		case <-s.stopChan:
			logging.Info("Cleanup service stopped")
			return
		}
	}
}

// IsRunning reports whether a run is in progress.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns lifetime totals.
func (s *Service) Stats(ctx context.Context) Stats {
	s.loadStats(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.running
	st.NextRun = s.nextRun
	return st
}

func (s *Service) tryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	metrics.CleanupIsRunning.Set(1)
	return true
}

func (s *Service) finish(report *Report) {
	s.mu.Lock()
	s.running = false
	s.stats.Runs++
	s.stats.FilesCleaned += int64(report.FilesCleaned)
	s.stats.RowsRemoved += report.RowsRemoved
	s.stats.BytesFreed += report.BytesFreed
	s.stats.Errors += int64(report.Errors)
	s.stats.LastRun = report
	snapshot := s.stats
	s.mu.Unlock()

	metrics.CleanupIsRunning.Set(0)
	metrics.CleanupRunsTotal.Inc()
	metrics.CleanupLastRunTimestamp.Set(float64(report.StartedAt.Unix()))
	metrics.CleanupLastRunDuration.Set(report.Duration.Seconds())

	s.saveStats(snapshot)
}

// Run executes every pass once. The report is returned even when passes
// fail; the error combines each failing pass's error.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	if !s.tryStart() {
		return nil, ErrAlreadyRunning
	}
	s.loadStats(ctx)

	report := &Report{StartedAt: s.now()}
	start := time.Now()
	logging.Info("Cleanup run started")

	passes := []struct {
		name string
		fn   func(context.Context, *PassReport) error
	}{
		{PassCorrupted, s.sweepCorrupted},
		{PassOrphans, s.sweepOrphans},
		{PassTemp, s.sweepTemp},
		{PassDatabase, s.reconcileDatabase},
		{PassHistory, s.pruneHistory},
	}

	var errs error
	for _, p := range passes {
		pr := PassReport{Name: p.name}
		passStart := time.Now()
		err := s.runPass(ctx, p.fn, &pr)
		pr.Duration = time.Since(passStart)
		if err != nil {
			pr.Errors++
			pr.Error = err.Error()
			errs = multierr.Append(errs, fmt.Errorf("%s pass: %w", p.name, err))
			logging.Warn("Cleanup %s pass failed: %v", p.name, err)
		}

		metrics.CleanupFilesRemoved.WithLabelValues(p.name).Add(float64(pr.FilesRemoved))
		metrics.CleanupBytesFreed.WithLabelValues(p.name).Add(float64(pr.BytesFreed))
		if pr.Errors > 0 {
			metrics.CleanupErrors.WithLabelValues(p.name).Add(float64(pr.Errors))
		}

		report.Passes = append(report.Passes, pr)
		report.FilesCleaned += pr.FilesRemoved
		report.RowsRemoved += pr.RowsRemoved
		report.BytesFreed += pr.BytesFreed
		report.Errors += pr.Errors
	}
	report.Duration = time.Since(start)

	s.finish(report)

	logging.WithFields(map[string]interface{}{
		"files":    report.FilesCleaned,
		"rows":     report.RowsRemoved,
		"bytes":    report.BytesFreed,
		"errors":   report.Errors,
		"duration": report.Duration.Round(time.Millisecond).String(),
	}).Info("Cleanup run finished")

	if s.onComplete != nil {
		s.onComplete(report)
	}
	return report, errs
}

// runPass isolates a pass so a panic is reported as that pass's error.
func (s *Service) runPass(ctx context.Context, fn func(context.Context, *PassReport) error, pr *PassReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, pr)
}

func (s *Service) loadStats(ctx context.Context) {
	s.mu.Lock()
	if s.statsLoaded {
		s.mu.Unlock()
		return
	}
	s.statsLoaded = true
	s.mu.Unlock()

	raw, err := s.store.GetMetadata(ctx, statsKey)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			logging.Warn("Failed to load cleanup stats: %v", err)
		}
		return
	}
	var stored Stats
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		logging.Warn("Discarding unreadable cleanup stats: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Runs += stored.Runs
	s.stats.FilesCleaned += stored.FilesCleaned
	s.stats.RowsRemoved += stored.RowsRemoved
	s.stats.BytesFreed += stored.BytesFreed
	s.stats.Errors += stored.Errors
	if s.stats.LastRun == nil {
		s.stats.LastRun = stored.LastRun
	}
}

func (s *Service) saveStats(st Stats) {
	st.Running = false
	st.NextRun = time.Time{}
	data, err := json.Marshal(st)
	if err != nil {
		logging.Warn("Failed to encode cleanup stats: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetMetadata(ctx, statsKey, string(data)); err != nil {
		logging.Warn("Failed to save cleanup stats: %v", err)
	}
}
