package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/progress"
)

// progressSaveInterval throttles progress writes to the job row.
const progressSaveInterval = 2 * time.Second

// Run is one attempt of a job, handed to the Runner.
type Run struct {
	m *Manager

	mu       sync.Mutex
	job      *database.Job
	lastSave time.Time
}

// ID returns the job id.
func (r *Run) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.ID
}

// Job returns a copy of the job as of the start of the attempt, with any
// status change made through the Run applied.
func (r *Run) Job() *database.Job {
	return r.snapshot()
}

func (r *Run) snapshot() *database.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Clone()
}

// BeginTranscoding moves the job from analyzing to transcoding.
func (r *Run) BeginTranscoding(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.job.Status == database.StatusTranscoding {
		return nil
	}
	next := r.job.Clone()
	next.Status = database.StatusTranscoding
	next.Progress = max(next.Progress, progress.Weighted(events.PhaseTranscoding, 0))

	if err := r.m.store.UpdateJob(ctx, next, database.StatusAnalyzing); err != nil {
		if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: job %s is no longer analyzing", ErrInvalidTransition, next.ID)
		}
		return fmt.Errorf("failed to mark job %s as transcoding: %w", next.ID, err)
	}
	r.job = next
	metrics.JobTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	r.m.publish(events.JobEvent{Kind: events.JobPhase, JobID: next.ID, Phase: events.PhaseTranscoding})
	return nil
}

// Phase announces the start of a pipeline phase.
func (r *Run) Phase(phase, message string) {
	r.m.publish(events.JobEvent{
		Kind:    events.JobPhase,
		JobID:   r.ID(),
		Phase:   phase,
		Message: message,
	})
}

// Progress reports phase-local progress. The weighted value is written to
// the job row at most every progressSaveInterval.
func (r *Run) Progress(ctx context.Context, phase, quality string, percent, fps, speed float64) {
	r.m.publish(events.JobEvent{
		Kind:     events.JobProgress,
		JobID:    r.ID(),
		Phase:    phase,
		Quality:  quality,
		Progress: percent,
		FPS:      fps,
		Speed:    speed,
	})

	overall := progress.Weighted(phase, percent)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if overall <= r.job.Progress || now.Sub(r.lastSave) < progressSaveInterval {
		return
	}
	next := r.job.Clone()
	next.Progress = overall
	// A conflict means the job was cancelled; the run will notice through ctx.
	if err := r.m.store.UpdateJob(ctx, next, next.Status); err == nil {
		r.job = next
		r.lastSave = now
	}
}
