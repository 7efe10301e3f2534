package database

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusAnalyzing   JobStatus = "analyzing"
	StatusTranscoding JobStatus = "transcoding"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
)

// ActiveStatuses are the non-terminal states. At most one job per input path
// may be in one of them.
var ActiveStatuses = []JobStatus{StatusQueued, StatusAnalyzing, StatusTranscoding}

// RunningStatuses are the states that count against the concurrency ceiling.
var RunningStatuses = []JobStatus{StatusAnalyzing, StatusTranscoding}

// TerminalStatuses never transition again except through an explicit retry.
var TerminalStatuses = []JobStatus{StatusCompleted, StatusFailed, StatusCancelled}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusQueued, StatusAnalyzing, StatusTranscoding,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether s is queued, analyzing or transcoding.
func (s JobStatus) IsActive() bool {
	return s == StatusQueued || s == StatusAnalyzing || s == StatusTranscoding
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Job is one unit of work: transcode InputPath into each of Qualities.
type Job struct {
	ID          string            `json:"id"`
	InputPath   string            `json:"inputPath"`
	Qualities   []string          `json:"qualities"`
	Status      JobStatus         `json:"status"`
	Priority    int               `json:"priority"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"maxAttempts"`
	Settings    map[string]string `json:"settings,omitempty"`
	Error       string            `json:"error,omitempty"`
	Note        string            `json:"note,omitempty"`
	Progress    float64           `json:"progress"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	AvailableAt time.Time         `json:"availableAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Qualities = append([]string(nil), j.Qualities...)
	if j.Settings != nil {
		c.Settings = make(map[string]string, len(j.Settings))
		for k, v := range j.Settings {
			c.Settings[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobFilter narrows ListJobs. Zero values mean "no constraint".
type JobFilter struct {
	Statuses  []JobStatus
	InputPath string
	Limit     int
	Offset    int
	// Newest orders by creation time descending instead of dispatch order.
	Newest bool
}

// Result is one produced quality variant of a job. Results are never
// updated after creation.
type Result struct {
	ID               int64         `json:"id"`
	JobID            string        `json:"jobId"`
	Quality          string        `json:"quality"`
	OriginalPath     string        `json:"originalPath"`
	OutputPath       string        `json:"outputPath"`
	OriginalSize     int64         `json:"originalSize"`
	OutputSize       int64         `json:"outputSize"`
	CompressionRatio float64       `json:"compressionRatio"`
	Checksum         string        `json:"checksum"`
	ProcessingTime   time.Duration `json:"processingTime"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// CompressionRatio returns the percentage of original bytes saved.
func CompressionRatio(originalSize, outputSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	return float64(originalSize-outputSize) / float64(originalSize) * 100
}

// ResultFilter narrows ListResults. Zero values mean "no constraint".
type ResultFilter struct {
	JobID        string
	OriginalPath string
	Quality      string
	Limit        int
}

// AnalyticsRecord is one persisted analytics snapshot. Value is JSON.
type AnalyticsRecord struct {
	ID         int64           `json:"id"`
	MetricName string          `json:"metricName"`
	Value      json.RawMessage `json:"value"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// QualityStats aggregates Results for one quality label.
type QualityStats struct {
	Count              int           `json:"count"`
	OriginalBytes      int64         `json:"originalBytes"`
	OutputBytes        int64         `json:"outputBytes"`
	AverageRatio       float64       `json:"averageRatio"`
	AverageProcessTime time.Duration `json:"averageProcessTime"`
}

// CompressionStats aggregates all Results.
type CompressionStats struct {
	TotalResults       int                     `json:"totalResults"`
	OriginalBytes      int64                   `json:"originalBytes"`
	OutputBytes        int64                   `json:"outputBytes"`
	BytesSaved         int64                   `json:"bytesSaved"`
	AverageRatio       float64                 `json:"averageRatio"`
	AverageProcessTime time.Duration           `json:"averageProcessTime"`
	ByQuality          map[string]QualityStats `json:"byQuality"`
}

// finish derives the overall totals from the per-quality rows.
func (s *CompressionStats) finish() {
	var ratioSum float64
	var timeSum time.Duration
	for _, q := range s.ByQuality {
		s.TotalResults += q.Count
		s.OriginalBytes += q.OriginalBytes
		s.OutputBytes += q.OutputBytes
		ratioSum += q.AverageRatio * float64(q.Count)
		timeSum += q.AverageProcessTime * time.Duration(q.Count)
	}
	s.BytesSaved = s.OriginalBytes - s.OutputBytes
	if s.TotalResults > 0 {
		s.AverageRatio = ratioSum / float64(s.TotalResults)
		s.AverageProcessTime = timeSum / time.Duration(s.TotalResults)
	}
}

// Time columns are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toNullMillis(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromNullMillis(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

func encodeQualities(q []string) string {
	if len(q) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(q)
	return string(b)
}

func decodeQualities(s string) []string {
	var q []string
	if s == "" {
		return q
	}
	_ = json.Unmarshal([]byte(s), &q)
	return q
}

func encodeSettings(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeSettings(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
