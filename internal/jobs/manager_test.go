package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
)

type funcRunner func(ctx context.Context, run *Run) (Outcome, error)

func (f funcRunner) Run(ctx context.Context, run *Run) (Outcome, error) {
	return f(ctx, run)
}

func succeed() funcRunner {
	return func(context.Context, *Run) (Outcome, error) { return Outcome{}, nil }
}

func newTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()
	store, err := database.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestManager(t *testing.T, cfg Config, runner Runner) (*Manager, *database.SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if len(cfg.DefaultQualities) == 0 {
		cfg.DefaultQualities = []string{"1080p", "720p", "480p"}
	}
	cfg.Qualities = []string{"1080p", "720p", "480p"}
	m := New(cfg, store, runner, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, store
}

func start(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, m *Manager, id string, want database.JobStatus) *database.Job {
	t.Helper()
	var job *database.Job
	waitFor(t, fmt.Sprintf("job %s to be %s", id, want), func() bool {
		j, err := m.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	})
	return job
}

func submit(t *testing.T, m *Manager, path string, opts SubmitOptions) *database.Job {
	t.Helper()
	job, created, err := m.Submit(context.Background(), path, opts)
	if err != nil {
		t.Fatalf("Submit(%q) failed: %v", path, err)
	}
	if !created {
		t.Fatalf("Submit(%q) returned an existing job", path)
	}
	return job
}

func TestSubmitDeduplicatesActivePath(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, succeed())
	ctx := context.Background()

	first := submit(t, m, "/media/movie.mkv", SubmitOptions{MaxAttempts: 3})

	second, created, err := m.Submit(ctx, "/media/./movie.mkv", SubmitOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("second Submit() failed: %v", err)
	}
	if created {
		t.Error("second submission created a new job")
	}
	if second.ID != first.ID {
		t.Errorf("second submission id = %s, want %s", second.ID, first.ID)
	}

	jobs, err := store.ListJobs(ctx, database.JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Errorf("job rows = %d, want 1", len(jobs))
	}
}

func TestSubmitValidatesInput(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, succeed())

	tests := []struct {
		name string
		path string
		opts SubmitOptions
	}{
		{"empty path", "  ", SubmitOptions{}},
		{"relative path", "media/movie.mkv", SubmitOptions{}},
		{"unknown quality", "/media/a.mkv", SubmitOptions{Qualities: []string{"4k"}}},
		{"blank qualities", "/media/b.mkv", SubmitOptions{Qualities: []string{" ", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Submit(context.Background(), tt.path, tt.opts)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Submit() error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{MaxAttempts: 4}, succeed())

	job := submit(t, m, "/media/a.mkv", SubmitOptions{})
	if len(job.Qualities) != 3 || job.Qualities[0] != "1080p" {
		t.Errorf("qualities = %v, want defaults", job.Qualities)
	}
	if job.MaxAttempts != 4 {
		t.Errorf("max attempts = %d, want 4", job.MaxAttempts)
	}
	if job.Status != database.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}

	job = submit(t, m, "/media/b.mkv", SubmitOptions{Qualities: []string{"720P", "720p", "480p"}})
	if len(job.Qualities) != 2 || job.Qualities[0] != "720p" || job.Qualities[1] != "480p" {
		t.Errorf("qualities = %v, want [720p 480p]", job.Qualities)
	}
}

func TestDispatchRespectsConcurrencyCeiling(t *testing.T) {
	t.Parallel()

	var current, peak atomic.Int32
	release := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, run *Run) (Outcome, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if err := run.BeginTranscoding(ctx); err != nil {
			return Outcome{}, err
		}
		run.Progress(ctx, events.PhaseTranscoding, "720p", 50, 30, 1.5)
		select {
		case <-release:
			return Outcome{}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	})

	m, store := newTestManager(t, Config{MaxConcurrentJobs: 2}, runner)
	for i := range 5 {
		submit(t, m, fmt.Sprintf("/media/%d.mkv", i), SubmitOptions{})
	}
	start(t, m)

	waitFor(t, "two running jobs", func() bool { return current.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if p := peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}

	counts, err := store.CountJobsByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[database.StatusTranscoding] != 2 || counts[database.StatusQueued] != 3 {
		t.Errorf("counts while blocked = %v", counts)
	}

	close(release)
	waitFor(t, "all jobs completed", func() bool {
		counts, err := store.CountJobsByStatus(context.Background())
		return err == nil && counts[database.StatusCompleted] == 5
	})
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestDispatchOrdersByPriorityThenAge(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	runner := funcRunner(func(_ context.Context, run *Run) (Outcome, error) {
		mu.Lock()
		order = append(order, filepath.Base(run.Job().InputPath))
		mu.Unlock()
		return Outcome{}, nil
	})

	m, store := newTestManager(t, Config{MaxConcurrentJobs: 1}, runner)
	submit(t, m, "/media/old-low.mkv", SubmitOptions{})
	submit(t, m, "/media/high.mkv", SubmitOptions{Priority: 5})
	submit(t, m, "/media/new-low.mkv", SubmitOptions{})
	start(t, m)

	waitFor(t, "all jobs completed", func() bool {
		counts, err := store.CountJobsByStatus(context.Background())
		return err == nil && counts[database.StatusCompleted] == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high.mkv", "old-low.mkv", "new-low.mkv"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

func TestTransientFailuresExhaustAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := funcRunner(func(context.Context, *Run) (Outcome, error) {
		n := calls.Add(1)
		return Outcome{}, fmt.Errorf("attempt %d failed", n)
	})

	m, _ := newTestManager(t, Config{MaxAttempts: 3}, runner)
	job := submit(t, m, "/media/flaky.mkv", SubmitOptions{})
	start(t, m)

	final := waitStatus(t, m, job.ID, database.StatusFailed)
	if final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}
	if final.Error != "attempt 3 failed" {
		t.Errorf("error = %q, want the last failure", final.Error)
	}
	if calls.Load() != 3 {
		t.Errorf("runner called %d times, want 3", calls.Load())
	}

	if _, err := m.Retry(context.Background(), job.ID); !errors.Is(err, ErrMaxAttemptsReached) {
		t.Errorf("Retry() error = %v, want ErrMaxAttemptsReached", err)
	}
}

func TestPermanentFailureThenManualRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	runner := funcRunner(func(context.Context, *Run) (Outcome, error) {
		if calls.Add(1) == 1 {
			return Outcome{}, Fail("output failed validation", false, errors.New("inflation"))
		}
		return Outcome{Note: "transcoding 720p"}, nil
	})

	m, _ := newTestManager(t, Config{}, runner)
	job := submit(t, m, "/media/a.mkv", SubmitOptions{})
	start(t, m)

	failed := waitStatus(t, m, job.ID, database.StatusFailed)
	if failed.Attempts != 1 || failed.Error != "output failed validation" {
		t.Errorf("failed job = attempts %d, error %q", failed.Attempts, failed.Error)
	}
	if failed.CompletedAt == nil {
		t.Error("failed job has no completion time")
	}

	retried, err := m.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if retried.Status != database.StatusQueued || retried.Error != "" {
		t.Errorf("retried job = %+v", retried)
	}

	done := waitStatus(t, m, job.ID, database.StatusCompleted)
	if done.Note != "transcoding 720p" || done.Progress != 100 {
		t.Errorf("completed job note = %q, progress = %v", done.Note, done.Progress)
	}
	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, _ *Run) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	m, _ := newTestManager(t, Config{}, runner)
	job := submit(t, m, "/media/long.mkv", SubmitOptions{})
	start(t, m)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	cancelled, err := m.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	if cancelled.Status != database.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	waitFor(t, "run to stop", func() bool { return m.RunningCount() == 0 })
	final := waitStatus(t, m, job.ID, database.StatusCancelled)
	if final.Attempts != 0 {
		t.Errorf("attempts = %d, cancellation must not use an attempt", final.Attempts)
	}

	if _, err := m.Cancel(context.Background(), job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Cancel() error = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryWaitsForCancelledRunToExit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	started := make(chan struct{})
	unblock := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, run *Run) (Outcome, error) {
		if calls.Add(1) == 1 {
			// The first run keeps going after cancellation, like an encoder
			// that takes a while to exit.
			close(started)
			<-ctx.Done()
			<-unblock
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, nil
	})

	m, _ := newTestManager(t, Config{MaxConcurrentJobs: 1}, runner)
	ctx := context.Background()
	slow := submit(t, m, "/media/slow.mkv", SubmitOptions{})
	other := submit(t, m, "/media/other.mkv", SubmitOptions{})
	start(t, m)
	<-started

	if _, err := m.Cancel(ctx, slow.ID); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}
	if _, err := m.Retry(ctx, slow.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry() while stopping error = %v, want ErrInvalidTransition", err)
	}

	// The stopping run still holds the only slot.
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("runs started while the cancelled run was stopping = %d, want 1", n)
	}
	if !m.IsRunning(slow.ID) {
		t.Error("IsRunning() = false while the cancelled run is still stopping")
	}

	close(unblock)
	waitStatus(t, m, other.ID, database.StatusCompleted)
	waitFor(t, "cancelled run to exit", func() bool { return !m.IsRunning(slow.ID) })

	if _, err := m.Retry(ctx, slow.ID); err != nil {
		t.Fatalf("Retry() after the run exited failed: %v", err)
	}
	waitStatus(t, m, slow.ID, database.StatusCompleted)
	waitFor(t, "running map to drain", func() bool { return m.RunningCount() == 0 })
}

func TestReleaseKeepsReplacingRun(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, succeed())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.ctx = ctx

	_, old := m.reserve("job")
	_, current := m.reserve("job")
	m.release("job", old)
	if !m.IsRunning("job") {
		t.Fatal("releasing a replaced run removed the current one")
	}
	m.release("job", current)
	if m.IsRunning("job") {
		t.Error("job still running after its current run was released")
	}
}

func TestStoppedManagerRejectsWork(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, succeed())
	start(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if _, _, err := m.Submit(context.Background(), "/media/late.mkv", SubmitOptions{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Submit() after Stop error = %v, want ErrNotRunning", err)
	}

	failed := &database.Job{
		ID: "failed", InputPath: "/media/f.mkv", Qualities: []string{"720p"},
		Status: database.StatusFailed, MaxAttempts: 3,
	}
	if err := store.CreateJob(context.Background(), failed); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Retry(context.Background(), failed.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Retry() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestCancelQueuedJobAndRetry(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{}, succeed())
	ctx := context.Background()

	job := submit(t, m, "/media/a.mkv", SubmitOptions{})
	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() failed: %v", err)
	}

	// A new submission for the same path is allowed once the old job ended.
	again, created, err := m.Submit(ctx, "/media/a.mkv", SubmitOptions{})
	if err != nil || !created {
		t.Fatalf("Submit() after cancel = %v, created %v", err, created)
	}

	// Retrying the cancelled job would create a second active job.
	if _, err := m.Retry(ctx, job.ID); !errors.Is(err, database.ErrDuplicateActiveJob) {
		t.Errorf("Retry() error = %v, want ErrDuplicateActiveJob", err)
	}

	if _, err := m.Cancel(ctx, again.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Retry(ctx, job.ID); err != nil {
		t.Errorf("Retry() failed: %v", err)
	}
}

func TestRetryRejectsActiveAndCompletedJobs(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, Config{}, succeed())
	ctx := context.Background()

	queued := submit(t, m, "/media/q.mkv", SubmitOptions{})
	if _, err := m.Retry(ctx, queued.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry(queued) error = %v, want ErrInvalidTransition", err)
	}

	done := &database.Job{ID: "done", InputPath: "/media/done.mkv", Qualities: []string{"720p"},
		Status: database.StatusCompleted, MaxAttempts: 3}
	if err := store.CreateJob(ctx, done); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Retry(ctx, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry(completed) error = %v, want ErrInvalidTransition", err)
	}
	if _, err := m.Cancel(ctx, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Cancel(completed) error = %v, want ErrInvalidTransition", err)
	}

	if _, err := m.Retry(ctx, "missing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Retry(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClearQueue(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	runner := funcRunner(func(ctx context.Context, _ *Run) (Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	bus := events.New[events.JobEvent]("test_clear_queue")
	defer bus.Close()
	sub := bus.Subscribe(64)

	m, store := newTestManager(t, Config{MaxConcurrentJobs: 1}, runner)
	m.bus = bus

	running := submit(t, m, "/media/running.mkv", SubmitOptions{Priority: 10})
	start(t, m)
	<-started
	waitStatus(t, m, running.ID, database.StatusAnalyzing)

	for i := range 3 {
		submit(t, m, fmt.Sprintf("/media/q%d.mkv", i), SubmitOptions{})
	}

	res, err := m.ClearQueue(context.Background())
	if err != nil {
		t.Fatalf("ClearQueue() failed: %v", err)
	}
	if res.Cancelled != 1 || res.Removed != 3 {
		t.Errorf("ClearQueue() = %+v, want 1 cancelled, 3 removed", res)
	}

	jobs, err := store.ListJobs(context.Background(), database.JobFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != database.StatusCancelled {
		t.Errorf("remaining jobs = %+v", jobs)
	}

	removed := 0
	timeout := time.After(2 * time.Second)
	for removed < 3 {
		select {
		case ev := <-sub.C():
			if ev.Kind == events.JobRemoved {
				removed++
			}
		case <-timeout:
			t.Fatalf("saw %d removal events, want 3", removed)
		}
	}
}

func TestStartRequeuesInterruptedJobs(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, Config{}, succeed())
	ctx := context.Background()

	stale := &database.Job{ID: "stale", InputPath: "/media/stale.mkv", Qualities: []string{"720p"},
		Status: database.StatusTranscoding, MaxAttempts: 3, Progress: 40}
	if err := store.CreateJob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	start(t, m)
	done := waitStatus(t, m, "stale", database.StatusCompleted)
	if done.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", done.Attempts)
	}
}

func TestStopReturnsRunningJobsToQueue(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, _ *Run) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	m, _ := newTestManager(t, Config{}, runner)
	job := submit(t, m, "/media/a.mkv", SubmitOptions{})
	start(t, m)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	final, err := m.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != database.StatusQueued || final.Attempts != 0 {
		t.Errorf("after Stop: status %s, attempts %d; want queued, 0", final.Status, final.Attempts)
	}
}

type fakePauser struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (p *fakePauser) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePauser) Resumed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumed
}

func (p *fakePauser) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	close(p.resumed)
	p.resumed = make(chan struct{})
}

func TestPausedDispatchResumes(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{}, succeed())
	pauser := &fakePauser{paused: true, resumed: make(chan struct{})}
	m.SetPauser(pauser)

	job := submit(t, m, "/media/a.mkv", SubmitOptions{})
	start(t, m)

	time.Sleep(50 * time.Millisecond)
	if got, _ := m.GetJob(context.Background(), job.ID); got.Status != database.StatusQueued {
		t.Fatalf("status while paused = %s, want queued", got.Status)
	}
	status, err := m.QueueStatus(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !status.Paused || len(status.Queued) != 1 || status.MaxConcurrent != DefaultMaxConcurrentJobs {
		t.Errorf("queue status = %+v", status)
	}

	pauser.resume()
	waitStatus(t, m, job.ID, database.StatusCompleted)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	m := New(Config{RetryBackoff: 10 * time.Second, MaxRetryBackoff: time.Minute}, nil, nil, nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{30, time.Minute},
	}
	for _, tt := range tests {
		if got := m.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		msg       string
		retryable bool
	}{
		{"plain error", errors.New("disk I/O error"), "disk I/O error", true},
		{"permanent failure", Fail("output larger than input", false, errors.New("inflation")), "output larger than input", false},
		{"wrapped failure", fmt.Errorf("encode 720p: %w", Fail("ffmpeg crashed", true, nil)), "ffmpeg crashed", true},
		{"failure without message", &Failure{Err: errors.New("probe failed")}, "probe failed", false},
	}
	for _, tt := range tests {
		msg, retryable := classify(tt.err)
		if msg != tt.msg || retryable != tt.retryable {
			t.Errorf("%s: classify() = %q, %v; want %q, %v", tt.name, msg, retryable, tt.msg, tt.retryable)
		}
	}
}
