package events

import "time"

// Kind identifies a job lifecycle event.
type Kind string

const (
	JobAdded     Kind = "job_added"
	JobStarted   Kind = "job_started"
	JobPhase     Kind = "job_phase"
	JobProgress  Kind = "job_progress"
	JobCompleted Kind = "job_completed"
	JobFailed    Kind = "job_failed"
	JobCancelled Kind = "job_cancelled"
	JobRequeued  Kind = "job_requeued"
	// JobRemoved is published when a job row is deleted.
	JobRemoved Kind = "job_removed"
)

// Pipeline phases carried by JobPhase and JobProgress events.
const (
	PhaseAnalyzing   = "analyzing"
	PhaseTranscoding = "transcoding"
	PhaseFinalizing  = "finalizing"
)

// JobEvent is published by the job manager and the pipeline.
// Progress is local to Phase, 0-100.
type JobEvent struct {
	Kind     Kind      `json:"kind"`
	JobID    string    `json:"jobId"`
	Phase    string    `json:"phase,omitempty"`
	Quality  string    `json:"quality,omitempty"`
	Progress float64   `json:"progress"`
	FPS      float64   `json:"fps,omitempty"`
	Speed    float64   `json:"speed,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Terminal reports whether the event ends the job's current run.
func (e JobEvent) Terminal() bool {
	switch e.Kind {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}
