package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultMaxConcurrentJobs = 2
	DefaultMaxAttempts       = 3
	DefaultRetryBackoff      = 10 * time.Second
	DefaultMaxRetryBackoff   = 5 * time.Minute
)

const (
	// storeRetryDelay is how long the loop waits after a store error.
	storeRetryDelay = 5 * time.Second
	minTimerDelay   = 10 * time.Millisecond
	finishTimeout   = 10 * time.Second
)

// Store is the slice of the database the manager needs.
type Store interface {
	CreateJob(ctx context.Context, job *database.Job) error
	GetJob(ctx context.Context, id string) (*database.Job, error)
	FindActiveJobByPath(ctx context.Context, inputPath string) (*database.Job, error)
	UpdateJob(ctx context.Context, job *database.Job, from ...database.JobStatus) error
	ListJobs(ctx context.Context, filter database.JobFilter) ([]*database.Job, error)
	CountJobsByStatus(ctx context.Context) (map[database.JobStatus]int, error)
	NextQueuedJob(ctx context.Context, now time.Time) (*database.Job, error)
	NextAvailableAt(ctx context.Context) (time.Time, bool, error)
	DeleteJobs(ctx context.Context, statuses []database.JobStatus, before time.Time) (int64, error)
	RequeueInterrupted(ctx context.Context) (int64, error)
}

// Outcome is what a successful run reports back.
type Outcome struct {
	// Note is stored on the completed job, e.g. why nothing was produced.
	Note string
}

// Runner executes one job attempt. Errors wrapped with Fail control the
// persisted message and whether the attempt is retried.
type Runner interface {
	Run(ctx context.Context, run *Run) (Outcome, error)
}

// Pauser holds back dispatch, e.g. under memory pressure.
type Pauser interface {
	Paused() bool
	Resumed() <-chan struct{}
}

// Config configures a Manager.
type Config struct {
	MaxConcurrentJobs int
	MaxAttempts       int
	// RetryBackoff is the delay before the first automatic retry; it doubles
	// per attempt up to MaxRetryBackoff.
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	DefaultQualities []string
	// Qualities lists the accepted quality labels. Empty accepts any.
	Qualities []string
}

// SubmitOptions are the caller-supplied parts of a new job.
type SubmitOptions struct {
	Qualities   []string          `json:"qualities,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	MaxAttempts int               `json:"maxAttempts,omitempty"`
}

// QueueStatus summarizes the queue.
type QueueStatus struct {
	Counts        map[database.JobStatus]int `json:"counts"`
	Running       int                        `json:"running"`
	MaxConcurrent int                        `json:"maxConcurrent"`
	Paused        bool                       `json:"paused"`
	NextRetryAt   *time.Time                 `json:"nextRetryAt,omitempty"`
	Active        []*database.Job            `json:"active"`
	Queued        []*database.Job            `json:"queued"`
}

// ClearResult reports what ClearQueue did.
type ClearResult struct {
	Cancelled int   `json:"cancelled"`
	Removed   int64 `json:"removed"`
}

// Manager owns job state and dispatches queued jobs to a Runner.
type Manager struct {
	cfg     Config
	store   Store
	runner  Runner
	bus     *events.Bus[events.JobEvent]
	pauser  Pauser
	now     func() time.Time
	allowed map[string]bool

	wake chan struct{}

	// dispatchMu is held while claiming jobs so ClearQueue sees a stable queue.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	running  map[string]*slot
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// New creates a Manager. bus may be nil.
func New(cfg Config, store Store, runner Runner, bus *events.Bus[events.JobEvent]) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = DefaultMaxRetryBackoff
	}

	allowed := make(map[string]bool, len(cfg.Qualities))
	for _, q := range cfg.Qualities {
		allowed[q] = true
	}

	return &Manager{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		bus:     bus,
		now:     time.Now,
		allowed: allowed,
		wake:    make(chan struct{}, 1),
		running: make(map[string]*slot),
	}
}

// SetPauser installs a dispatch gate. Call before Start.
func (m *Manager) SetPauser(p Pauser) {
	m.pauser = p
}

// Start requeues jobs interrupted by a previous process and starts the
// dispatch loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return nil
	}

	n, err := m.store.RequeueInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to requeue interrupted jobs: %w", err)
	}
	if n > 0 {
		logging.Info("Requeued %d job(s) interrupted by the previous shutdown", n)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.loopDone = make(chan struct{})
	go m.loop()
	m.signal()

	logging.Info("Job manager started (max concurrent jobs: %d, max attempts: %d)",
		m.cfg.MaxConcurrentJobs, m.cfg.MaxAttempts)
	return nil
}

// Stop halts dispatch and interrupts running jobs, which return to the queue
// without using an attempt. It waits for them until ctx is done.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, loopDone := m.cancel, m.loopDone
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		<-loopDone
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("Job manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for running jobs: %w", ctx.Err())
	}
}

// stopped reports whether Stop has been called after Start.
func (m *Manager) stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx != nil && m.ctx.Err() != nil
}

// signal wakes the dispatch loop without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer close(m.loopDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		delay := m.dispatch()
		if delay > 0 {
			timer.Reset(delay)
		}

		var resumed <-chan struct{}
		if m.pauser != nil {
			ch := m.pauser.Resumed()
			if m.pauser.Paused() {
				resumed = ch
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		case <-resumed:
		}
		timer.Stop()
	}
}

// dispatch starts queued jobs until the ceiling is reached or nothing is
// ready. It returns how long to wait before the next deferred job is due,
// or 0 to wait for a signal.
func (m *Manager) dispatch() time.Duration {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	for {
		if m.ctx.Err() != nil {
			return 0
		}
		if m.pauser != nil && m.pauser.Paused() {
			logging.Debug("Dispatch paused under memory pressure")
			return 0
		}
		if m.RunningCount() >= m.cfg.MaxConcurrentJobs {
			return 0
		}

		now := m.now()
		job, err := m.store.NextQueuedJob(m.ctx, now)
		if errors.Is(err, database.ErrNotFound) {
			at, ok, err := m.store.NextAvailableAt(m.ctx)
			if err != nil {
				logging.Warn("Failed to read next retry time: %v", err)
				return storeRetryDelay
			}
			if !ok {
				return 0
			}
			return max(at.Sub(now), minTimerDelay)
		}
		if err != nil {
			if m.ctx.Err() == nil {
				logging.Warn("Failed to fetch next queued job: %v", err)
			}
			return storeRetryDelay
		}

		// Register before claiming so a Cancel that sees the new status
		// also finds the run to stop.
		ctx, s := m.reserve(job.ID)
		claimed, err := m.claim(job, now)
		if err != nil || !claimed {
			s.cancel()
			m.release(job.ID, s)
			if err != nil {
				logging.Warn("Failed to claim job %s: %v", job.ID, err)
				return storeRetryDelay
			}
			continue
		}
		m.wg.Add(1)
		go m.execute(ctx, s, job)
	}
}

// claim moves job from queued to analyzing. It returns false when another
// writer changed the row first.
func (m *Manager) claim(job *database.Job, now time.Time) (bool, error) {
	started := now
	job.Status = database.StatusAnalyzing
	job.StartedAt = &started
	job.CompletedAt = nil
	job.Progress = 0

	err := m.store.UpdateJob(m.ctx, job, database.StatusQueued)
	if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(database.StatusAnalyzing)).Inc()
	return true, nil
}

// slot is one run's entry in the running map.
type slot struct {
	cancel context.CancelFunc
}

func (m *Manager) reserve(id string) (context.Context, *slot) {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &slot{cancel: cancel}
	m.mu.Lock()
	m.running[id] = s
	n := len(m.running)
	m.mu.Unlock()
	metrics.JobsRunning.Set(float64(n))
	return ctx, s
}

// release removes s from the running map unless a later run of the same job
// has replaced it.
func (m *Manager) release(id string, s *slot) {
	m.mu.Lock()
	if m.running[id] == s {
		delete(m.running, id)
	}
	n := len(m.running)
	m.mu.Unlock()
	metrics.JobsRunning.Set(float64(n))
}

func (m *Manager) execute(ctx context.Context, s *slot, job *database.Job) {
	defer m.wg.Done()
	defer func() {
		s.cancel()
		m.release(job.ID, s)
		m.signal()
	}()

	logging.Info("Starting job %s (%s), attempt %d of %d",
		job.ID, filepath.Base(job.InputPath), job.Attempts+1, job.MaxAttempts)
	m.publish(events.JobEvent{
		Kind:    events.JobStarted,
		JobID:   job.ID,
		Message: fmt.Sprintf("attempt %d of %d", job.Attempts+1, job.MaxAttempts),
	})

	run := &Run{m: m, job: job.Clone()}
	start := time.Now()
	outcome, err := m.runSafely(ctx, run)
	m.finish(ctx, run.snapshot(), outcome, err, time.Since(start))
}

func (m *Manager) runSafely(ctx context.Context, run *Run) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Job %s panicked: %v", run.ID(), r)
			err = Fail("internal error while processing the job", false, fmt.Errorf("panic: %v", r))
		}
	}()
	return m.runner.Run(ctx, run)
}

// finish records the attempt's result. Every write is a compare-and-set
// from the running statuses, so a job cancelled meanwhile stays cancelled.
func (m *Manager) finish(runCtx context.Context, job *database.Job, outcome Outcome, runErr error, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	now := m.now()
	from := database.RunningStatuses

	switch {
	case runErr == nil:
		job.Status = database.StatusCompleted
		job.Progress = 100
		job.Error = ""
		job.Note = outcome.Note
		job.CompletedAt = &now
		if !m.update(ctx, job, from...) {
			return
		}
		metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
		metrics.JobDuration.WithLabelValues("completed").Observe(elapsed.Seconds())
		logging.Info("Job %s completed in %v", job.ID, elapsed.Round(time.Millisecond))
		m.publish(events.JobEvent{Kind: events.JobCompleted, JobID: job.ID, Progress: 100, Message: outcome.Note})

	case m.ctx.Err() != nil:
		job.Status = database.StatusQueued
		job.Progress = 0
		job.StartedAt = nil
		job.AvailableAt = now
		if !m.update(ctx, job, from...) {
			return
		}
		metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
		logging.Info("Job %s interrupted by shutdown, returned to queue", job.ID)
		m.publish(events.JobEvent{Kind: events.JobRequeued, JobID: job.ID, Message: "interrupted by shutdown"})

	case runCtx.Err() != nil:
		// Cancel already wrote the terminal status.
		metrics.JobDuration.WithLabelValues("cancelled").Observe(elapsed.Seconds())
		logging.Info("Job %s stopped after cancellation", job.ID)

	default:
		msg, retryable := classify(runErr)
		job.Attempts++
		job.Error = msg
		job.Progress = 0

		if retryable && job.Attempts < job.MaxAttempts {
			delay := m.backoff(job.Attempts)
			job.Status = database.StatusQueued
			job.StartedAt = nil
			job.AvailableAt = now.Add(delay)
			if !m.update(ctx, job, from...) {
				return
			}
			metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
			metrics.JobRetriesTotal.WithLabelValues("automatic").Inc()
			metrics.JobDuration.WithLabelValues("retried").Observe(elapsed.Seconds())
			logging.Warn("Job %s failed (attempt %d of %d), retrying in %v: %v",
				job.ID, job.Attempts, job.MaxAttempts, delay, runErr)
			m.publish(events.JobEvent{
				Kind:    events.JobRequeued,
				JobID:   job.ID,
				Message: fmt.Sprintf("retrying in %v: %s", delay, msg),
			})
			return
		}

		job.Status = database.StatusFailed
		job.CompletedAt = &now
		if !m.update(ctx, job, from...) {
			return
		}
		metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
		metrics.JobDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		logging.WithFields(map[string]interface{}{
			"job":       job.ID,
			"input":     job.InputPath,
			"attempts":  job.Attempts,
			"retryable": retryable,
		}).Errorf("Job failed: %v", runErr)
		m.publish(events.JobEvent{Kind: events.JobFailed, JobID: job.ID, Message: msg})
	}
}

// update writes job and reports whether the compare-and-set succeeded.
func (m *Manager) update(ctx context.Context, job *database.Job, from ...database.JobStatus) bool {
	err := m.store.UpdateJob(ctx, job, from...)
	switch {
	case err == nil:
		return true
	case errors.Is(err, database.ErrConflict), errors.Is(err, database.ErrNotFound):
		logging.Debug("Job %s changed concurrently, dropping %s write", job.ID, job.Status)
	default:
		logging.Error("Failed to update job %s: %v", job.ID, err)
	}
	return false
}

// backoff returns RetryBackoff * 2^(attempts-1), capped.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.RetryBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxRetryBackoff {
			return m.cfg.MaxRetryBackoff
		}
	}
	return min(d, m.cfg.MaxRetryBackoff)
}

func (m *Manager) publish(ev events.JobEvent) {
	if m.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.bus.Publish(ev)
}

// Submit queues inputPath unless an active job for it exists, in which case
// that job is returned with created=false.
func (m *Manager) Submit(ctx context.Context, inputPath string, opts SubmitOptions) (job *database.Job, created bool, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		case created:
			metrics.JobsSubmittedTotal.WithLabelValues("created").Inc()
		default:
			metrics.JobsSubmittedTotal.WithLabelValues("duplicate").Inc()
		}
	}()

	if m.stopped() {
		return nil, false, ErrNotRunning
	}
	inputPath = strings.TrimSpace(inputPath)
	if inputPath == "" {
		return nil, false, fmt.Errorf("%w: input path is required", ErrInvalidInput)
	}
	if !filepath.IsAbs(inputPath) {
		return nil, false, fmt.Errorf("%w: input path must be absolute", ErrInvalidInput)
	}
	inputPath = filepath.Clean(inputPath)

	qualities, err := m.normalizeQualities(opts.Qualities)
	if err != nil {
		return nil, false, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.cfg.MaxAttempts
	}

	if existing, err := m.store.FindActiveJobByPath(ctx, inputPath); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check for an active job: %w", err)
	}

	now := m.now()
	job = &database.Job{
		ID:          uuid.NewString(),
		InputPath:   inputPath,
		Qualities:   qualities,
		Status:      database.StatusQueued,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Settings:    opts.Settings,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, database.ErrDuplicateActiveJob) {
			// Lost a race with a concurrent submit.
			existing, ferr := m.store.FindActiveJobByPath(ctx, inputPath)
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(database.StatusQueued)).Inc()
	logging.Info("Queued job %s for %s (qualities: %s, priority: %d)",
		job.ID, inputPath, strings.Join(qualities, ","), job.Priority)
	m.publish(events.JobEvent{Kind: events.JobAdded, JobID: job.ID})
	m.signal()
	return job.Clone(), true, nil
}

func (m *Manager) normalizeQualities(requested []string) ([]string, error) {
	if len(requested) == 0 {
		requested = m.cfg.DefaultQualities
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, q := range requested {
		q = strings.ToLower(strings.TrimSpace(q))
		if q == "" || seen[q] {
			continue
		}
		if len(m.allowed) > 0 && !m.allowed[q] {
			return nil, fmt.Errorf("%w: unknown quality %q", ErrInvalidInput, q)
		}
		seen[q] = true
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one quality is required", ErrInvalidInput)
	}
	return out, nil
}

// GetJob returns a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (*database.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter.
func (m *Manager) ListJobs(ctx context.Context, filter database.JobFilter) ([]*database.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// Cancel moves a queued or running job to cancelled and stops its run.
// Completed, failed and cancelled jobs cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*database.Job, error) {
	for range 3 {
		job, err := m.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, job.Status)
		}

		from := job.Status
		now := m.now()
		job.Status = database.StatusCancelled
		job.CompletedAt = &now

		err = m.store.UpdateJob(ctx, job, from)
		if errors.Is(err, database.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cancel job %s: %w", id, err)
		}

		m.mu.Lock()
		s := m.running[id]
		m.mu.Unlock()
		if s != nil {
			s.cancel()
		}

		metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
		logging.Info("Cancelled job %s (was %s)", id, from)
		m.publish(events.JobEvent{Kind: events.JobCancelled, JobID: id})
		return job, nil
	}
	return nil, fmt.Errorf("failed to cancel job %s: %w", id, database.ErrConflict)
}

// Retry requeues a failed or cancelled job that has attempts left. A
// cancelled job whose run has not exited yet is refused until it has.
func (m *Manager) Retry(ctx context.Context, id string) (*database.Job, error) {
	if m.stopped() {
		return nil, ErrNotRunning
	}
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != database.StatusFailed && job.Status != database.StatusCancelled {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
	}
	if m.IsRunning(id) {
		return nil, fmt.Errorf("%w: job %s is still stopping", ErrInvalidTransition, id)
	}
	if job.Attempts >= job.MaxAttempts {
		return nil, fmt.Errorf("%w: job %s used %d of %d", ErrMaxAttemptsReached, id, job.Attempts, job.MaxAttempts)
	}

	from := job.Status
	now := m.now()
	job.Status = database.StatusQueued
	job.Error = ""
	job.Note = ""
	job.Progress = 0
	job.StartedAt = nil
	job.CompletedAt = nil
	job.AvailableAt = now

	if err := m.store.UpdateJob(ctx, job, from); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, fmt.Errorf("%w: job %s changed status concurrently", ErrInvalidTransition, id)
		}
		return nil, fmt.Errorf("failed to retry job %s: %w", id, err)
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
	metrics.JobRetriesTotal.WithLabelValues("manual").Inc()
	logging.Info("Job %s requeued by request (attempts used: %d of %d)", id, job.Attempts, job.MaxAttempts)
	m.publish(events.JobEvent{Kind: events.JobRequeued, JobID: id, Message: "manual retry"})
	m.signal()
	return job, nil
}

// ClearQueue cancels every running job and deletes every queued one.
func (m *Manager) ClearQueue(ctx context.Context) (ClearResult, error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	var res ClearResult
	var errs error

	running, err := m.store.ListJobs(ctx, database.JobFilter{Statuses: database.RunningStatuses})
	if err != nil {
		return res, fmt.Errorf("failed to list running jobs: %w", err)
	}
	for _, job := range running {
		if _, err := m.Cancel(ctx, job.ID); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		res.Cancelled++
	}

	queued, err := m.store.ListJobs(ctx, database.JobFilter{Statuses: []database.JobStatus{database.StatusQueued}})
	if err != nil {
		return res, multierr.Append(errs, fmt.Errorf("failed to list queued jobs: %w", err))
	}
	res.Removed, err = m.store.DeleteJobs(ctx, []database.JobStatus{database.StatusQueued}, time.Time{})
	if err != nil {
		return res, multierr.Append(errs, fmt.Errorf("failed to delete queued jobs: %w", err))
	}
	for _, job := range queued {
		m.publish(events.JobEvent{Kind: events.JobRemoved, JobID: job.ID})
	}

	logging.Info("Queue cleared: %d running job(s) cancelled, %d queued job(s) removed", res.Cancelled, res.Removed)
	return res, errs
}

// QueueStatus returns counts and the active and queued jobs. limit bounds
// the queued list (0 means 50).
func (m *Manager) QueueStatus(ctx context.Context, limit int) (*QueueStatus, error) {
	if limit <= 0 {
		limit = 50
	}

	counts, err := m.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	active, err := m.store.ListJobs(ctx, database.JobFilter{Statuses: database.RunningStatuses})
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	queued, err := m.store.ListJobs(ctx, database.JobFilter{
		Statuses: []database.JobStatus{database.StatusQueued},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	status := &QueueStatus{
		Counts:        counts,
		Running:       m.RunningCount(),
		MaxConcurrent: m.cfg.MaxConcurrentJobs,
		Paused:        m.pauser != nil && m.pauser.Paused(),
		Active:        active,
		Queued:        queued,
	}
	if at, ok, err := m.store.NextAvailableAt(ctx); err == nil && ok && at.After(m.now()) {
		status.NextRetryAt = &at
	}
	return status, nil
}

// RunningCount returns the number of jobs held by the dispatcher.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Running returns the ids of jobs held by the dispatcher.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// IsRunning reports whether id is held by the dispatcher.
func (m *Manager) IsRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}
