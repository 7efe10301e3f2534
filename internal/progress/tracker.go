package progress

import (
	"context"
	"slices"
	"sync"
	"time"

	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultRetention   = time.Hour
	DefaultHistorySize = 50

	subscriberBuffer = 256
	sinkTimeout      = 2 * time.Second
)

// phaseRanges maps a pipeline phase to its slice of the overall scale.
var phaseRanges = map[string][2]float64{
	events.PhaseAnalyzing:   {0, 10},
	events.PhaseTranscoding: {10, 90},
	events.PhaseFinalizing:  {90, 100},
}

// Update is one progress change. Percent is the phase-weighted overall
// value; PhasePercent is local to Phase.
type Update struct {
	JobID        string             `json:"jobId"`
	Status       database.JobStatus `json:"status"`
	Phase        string             `json:"phase,omitempty"`
	Quality      string             `json:"quality,omitempty"`
	PhasePercent float64            `json:"phasePercent"`
	Percent      float64            `json:"percent"`
	FPS          float64            `json:"fps,omitempty"`
	Speed        float64            `json:"speed,omitempty"`
	Message      string             `json:"message,omitempty"`
	Error        string             `json:"error,omitempty"`
	Time         time.Time          `json:"time"`
}

// Transition is one entry in a job's history.
type Transition struct {
	Status  database.JobStatus `json:"status"`
	Phase   string             `json:"phase,omitempty"`
	Percent float64            `json:"percent"`
	Message string             `json:"message,omitempty"`
	Time    time.Time          `json:"time"`
}

// Record is the live state of one job.
type Record struct {
	JobID       string             `json:"jobId"`
	Status      database.JobStatus `json:"status"`
	Phase       string             `json:"phase,omitempty"`
	Quality     string             `json:"quality,omitempty"`
	Percent     float64            `json:"percent"`
	FPS         float64            `json:"fps,omitempty"`
	Speed       float64            `json:"speed,omitempty"`
	Message     string             `json:"message,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"startedAt,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	History     []Transition       `json:"history,omitempty"`
}

// Stats are the tracker's rolling counters. AverageProcessingTime covers
// completed and failed runs.
type Stats struct {
	Total                 int           `json:"total"`
	Active                int           `json:"active"`
	Completed             int           `json:"completed"`
	Failed                int           `json:"failed"`
	Cancelled             int           `json:"cancelled"`
	Tracked               int           `json:"tracked"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
}

// Config configures a Tracker.
type Config struct {
	// Retention is how long finished records are kept.
	Retention   time.Duration
	HistorySize int
	// Sink, when set, receives every update.
	Sink Sink
}

// Tracker holds per-job progress records.
type Tracker struct {
	cfg     Config
	updates *events.Bus[Update]
	now     func() time.Time

	mu        sync.RWMutex
	records   map[string]*Record
	total     int
	completed int
	failed    int
	cancelled int
	timed     int
	timedSum  time.Duration
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Tracker{
		cfg:     cfg,
		updates: events.New[Update]("progress"),
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// Weighted maps a phase-local percentage onto the overall 0-100 scale.
// Unknown phases map to the bare value.
func Weighted(phase string, local float64) float64 {
	local = min(max(local, 0), 100)
	r, ok := phaseRanges[phase]
	if !ok {
		return local
	}
	return r[0] + (r[1]-r[0])*local/100
}

// Update applies u and publishes the resulting state. The returned update
// carries the weighted percentage. ok is false when u was stale and dropped.
func (t *Tracker) Update(u Update) (Update, bool) {
	if u.JobID == "" {
		return u, false
	}
	if u.Time.IsZero() {
		u.Time = t.now()
	}

	t.mu.Lock()
	rec, exists := t.records[u.JobID]
	if !exists {
		rec = &Record{JobID: u.JobID}
		t.records[u.JobID] = rec
		t.total++
	}
	prev := rec.Status

	switch u.Status {
	case database.StatusQueued:
		rec.Percent = 0
		rec.StartedAt = nil
		rec.CompletedAt = nil
		rec.Error = ""
		rec.Quality = ""
		rec.FPS, rec.Speed = 0, 0
		u.Phase = ""

	case database.StatusAnalyzing, database.StatusTranscoding:
		if prev.IsTerminal() {
			// Late event from a run that already ended.
			t.mu.Unlock()
			return u, false
		}
		if u.Phase == "" {
			u.Phase = defaultPhase(u.Status)
		}
		if rec.StartedAt == nil {
			started := u.Time
			rec.StartedAt = &started
		}
		rec.Percent = max(rec.Percent, Weighted(u.Phase, u.PhasePercent))
		rec.FPS, rec.Speed = u.FPS, u.Speed
		if u.Quality != "" {
			rec.Quality = u.Quality
		}

	case database.StatusCompleted:
		rec.Percent = 100
		u.Phase = ""

	case database.StatusFailed, database.StatusCancelled:
		u.Phase = ""
		if u.Error != "" {
			rec.Error = u.Error
		}

	default:
		t.mu.Unlock()
		return u, false
	}

	if u.Status.IsTerminal() && prev != u.Status {
		t.finishLocked(rec, u)
	}

	if prev != u.Status || rec.Phase != u.Phase || u.Error != "" {
		rec.History = append(rec.History, Transition{
			Status:  u.Status,
			Phase:   u.Phase,
			Percent: rec.Percent,
			Message: firstNonEmpty(u.Error, u.Message),
			Time:    u.Time,
		})
		if over := len(rec.History) - t.cfg.HistorySize; over > 0 {
			rec.History = slices.Delete(rec.History, 0, over)
		}
	}

	rec.Status = u.Status
	rec.Phase = u.Phase
	rec.UpdatedAt = u.Time
	if u.Message != "" {
		rec.Message = u.Message
	}

	u.Percent = rec.Percent
	u.Error = rec.Error
	tracked := len(t.records)
	t.mu.Unlock()

	metrics.ProgressTrackedJobs.Set(float64(tracked))
	t.updates.Publish(u)
	return u, true
}

func (t *Tracker) finishLocked(rec *Record, u Update) {
	done := u.Time
	rec.CompletedAt = &done

	switch u.Status {
	case database.StatusCompleted:
		t.completed++
	case database.StatusFailed:
		t.failed++
	case database.StatusCancelled:
		t.cancelled++
		return
	}
	if rec.StartedAt != nil {
		t.timed++
		t.timedSum += done.Sub(*rec.StartedAt)
	}
}

// Handle translates a job event into an update.
func (t *Tracker) Handle(ev events.JobEvent) {
	u := Update{
		JobID:        ev.JobID,
		Phase:        ev.Phase,
		Quality:      ev.Quality,
		PhasePercent: ev.Progress,
		FPS:          ev.FPS,
		Speed:        ev.Speed,
		Message:      ev.Message,
		Time:         ev.Time,
	}

	switch ev.Kind {
	case events.JobAdded, events.JobRequeued:
		u.Status = database.StatusQueued
	case events.JobStarted:
		u.Status = database.StatusAnalyzing
		u.Phase = events.PhaseAnalyzing
		u.PhasePercent = 0
	case events.JobPhase, events.JobProgress:
		u.Status = statusForPhase(ev.Phase)
	case events.JobCompleted:
		u.Status = database.StatusCompleted
	case events.JobFailed:
		u.Status = database.StatusFailed
		u.Error = ev.Message
		u.Message = ""
	case events.JobCancelled:
		u.Status = database.StatusCancelled
	case events.JobRemoved:
		t.Forget(ev.JobID)
		return
	default:
		logging.Debug("progress: ignoring event %q for job %s", ev.Kind, ev.JobID)
		return
	}
	t.Update(u)
}

// Run consumes job events until ctx is done or the bus closes, pruning
// finished records periodically and forwarding updates to the sink.
func (t *Tracker) Run(ctx context.Context, bus *events.Bus[events.JobEvent]) {
	sub := bus.SubscribeReliable(subscriberBuffer)
	defer sub.Close()

	if t.cfg.Sink != nil {
		forward := t.updates.Subscribe(subscriberBuffer)
		defer forward.Close()
		go t.forward(ctx, forward)
	}

	interval := min(t.cfg.Retention/2, time.Minute)
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			t.Handle(ev)
		case <-ticker.C:
			if n := t.Prune(); n > 0 {
				logging.Debug("progress: pruned %d finished jobs", n)
			}
		}
	}
}

func (t *Tracker) forward(ctx context.Context, sub *events.Subscription[Update]) {
	for u := range sub.C() {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := t.cfg.Sink.SaveProgress(sctx, u); err != nil {
			logging.Warn("progress sink: %v", err)
		}
		cancel()
	}
}

// Subscribe returns a lossy subscription to every update.
func (t *Tracker) Subscribe(buffer int) *events.Subscription[Update] {
	return t.updates.Subscribe(buffer)
}

// Close ends every subscription and closes the sink.
func (t *Tracker) Close() error {
	t.updates.Close()
	if t.cfg.Sink != nil {
		return t.cfg.Sink.Close()
	}
	return nil
}

// Get returns a copy of the job's record.
func (t *Tracker) Get(jobID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[jobID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// History returns the job's transitions, oldest first.
func (t *Tracker) History(jobID string) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[jobID]
	if !ok {
		return nil
	}
	return slices.Clone(rec.History)
}

// Active returns queued, analyzing and transcoding records, most recently
// updated first.
func (t *Tracker) Active() []Record {
	return t.list(func(s database.JobStatus) bool { return s.IsActive() })
}

// Completed returns completed records, most recently updated first.
func (t *Tracker) Completed() []Record {
	return t.list(func(s database.JobStatus) bool { return s == database.StatusCompleted })
}

// Failed returns failed records, most recently updated first.
func (t *Tracker) Failed() []Record {
	return t.list(func(s database.JobStatus) bool { return s == database.StatusFailed })
}

func (t *Tracker) list(match func(database.JobStatus) bool) []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if match(rec.Status) {
			c := rec.clone()
			c.History = nil
			out = append(out, c)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.JobID < b.JobID {
			return -1
		}
		if a.JobID > b.JobID {
			return 1
		}
		return 0
	})
	return out
}

// Stats returns the rolling counters.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		Total:     t.total,
		Completed: t.completed,
		Failed:    t.failed,
		Cancelled: t.cancelled,
		Tracked:   len(t.records),
	}
	for _, rec := range t.records {
		if rec.Status.IsActive() {
			s.Active++
		}
	}
	if t.timed > 0 {
		s.AverageProcessingTime = t.timedSum / time.Duration(t.timed)
	}
	return s
}

// Forget drops a job's record.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.records, jobID)
	tracked := len(t.records)
	t.mu.Unlock()
	metrics.ProgressTrackedJobs.Set(float64(tracked))
}

// Prune drops finished records older than the retention window and returns
// how many were removed.
func (t *Tracker) Prune() int {
	cutoff := t.now().Add(-t.cfg.Retention)

	t.mu.Lock()
	removed := 0
	for id, rec := range t.records {
		if rec.CompletedAt != nil && rec.Status.IsTerminal() && rec.CompletedAt.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	tracked := len(t.records)
	t.mu.Unlock()

	metrics.ProgressTrackedJobs.Set(float64(tracked))
	return removed
}

func (r *Record) clone() Record {
	c := *r
	c.History = slices.Clone(r.History)
	if r.StartedAt != nil {
		s := *r.StartedAt
		c.StartedAt = &s
	}
	if r.CompletedAt != nil {
		d := *r.CompletedAt
		c.CompletedAt = &d
	}
	return c
}

func defaultPhase(status database.JobStatus) string {
	if status == database.StatusAnalyzing {
		return events.PhaseAnalyzing
	}
	return events.PhaseTranscoding
}

func statusForPhase(phase string) database.JobStatus {
	if phase == events.PhaseAnalyzing {
		return database.StatusAnalyzing
	}
	return database.StatusTranscoding
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
