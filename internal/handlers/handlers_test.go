package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"media-optimizer/internal/analyzer"
	"media-optimizer/internal/cleanup"
	"media-optimizer/internal/database"
	"media-optimizer/internal/engine"
	"media-optimizer/internal/events"
	"media-optimizer/internal/jobs"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/progress"
	"media-optimizer/internal/storage"
	"media-optimizer/internal/transcoder"

	"github.com/gorilla/mux"
)

func init() {
	logging.SetOutput(io.Discard)
}

// fakeService records the last call and returns canned values.
type fakeService struct {
	mu sync.Mutex

	jobs      map[string]*database.Job
	submitted []string
	opts      jobs.SubmitOptions
	filter    database.JobFilter
	refreshed bool
	analyzed  []string

	submitErr  error
	cancelErr  error
	retryErr   error
	cleanupErr error
	pingErr    error
	accelErr   error

	bus *events.Bus[progress.Update]
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs: make(map[string]*database.Job),
		bus:  events.New[progress.Update]("handlers_test"),
	}
}

func (f *fakeService) SubmitJob(_ context.Context, inputPath string, opts jobs.SubmitOptions) (*database.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, false, f.submitErr
	}
	f.opts = opts
	for _, j := range f.jobs {
		if j.InputPath == inputPath && j.Status.IsActive() {
			return j, false, nil
		}
	}
	j := &database.Job{
		ID:        fmt.Sprintf("job-%d", len(f.jobs)+1),
		InputPath: inputPath,
		Qualities: opts.Qualities,
		Status:    database.StatusQueued,
	}
	f.jobs[j.ID] = j
	f.submitted = append(f.submitted, inputPath)
	return j, true, nil
}

func (f *fakeService) job(id string) (*database.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, database.ErrNotFound)
	}
	return j, nil
}

func (f *fakeService) GetJobStatus(_ context.Context, id string) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, err := f.job(id)
	if err != nil {
		return nil, err
	}
	return &engine.JobStatus{Job: j, Results: []*database.Result{}}, nil
}

func (f *fakeService) ListJobs(_ context.Context, filter database.JobFilter) ([]*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return nil, nil
}

func (f *fakeService) CancelJob(_ context.Context, id string) (*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	j, err := f.job(id)
	if err != nil {
		return nil, err
	}
	j.Status = database.StatusCancelled
	return j, nil
}

func (f *fakeService) RetryJob(_ context.Context, id string) (*database.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	j, err := f.job(id)
	if err != nil {
		return nil, err
	}
	j.Status = database.StatusQueued
	return j, nil
}

func (f *fakeService) GetQueueStatus(_ context.Context, limit int) (*jobs.QueueStatus, error) {
	return &jobs.QueueStatus{
		Counts:        map[database.JobStatus]int{database.StatusQueued: limit},
		MaxConcurrent: 2,
		Active:        []*database.Job{},
		Queued:        []*database.Job{},
	}, nil
}

func (f *fakeService) ClearQueue(context.Context) (jobs.ClearResult, error) {
	return jobs.ClearResult{Cancelled: 1, Removed: 3}, nil
}

func (f *fakeService) AnalyzeFile(_ context.Context, path string, qualities []string) (*analyzer.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed = append(f.analyzed, path)
	if strings.HasSuffix(path, ".txt") {
		return &analyzer.Analysis{Path: path, Rejection: &analyzer.Rejection{Reason: analyzer.ReasonUnsupportedType}}, nil
	}
	return &analyzer.Analysis{Path: path, Accepted: qualities}, nil
}

func (f *fakeService) AnalyzeBatch(ctx context.Context, paths []string, qualities []string) ([]*analyzer.Analysis, error) {
	out := make([]*analyzer.Analysis, 0, len(paths))
	for _, p := range paths {
		a, _ := f.AnalyzeFile(ctx, p, qualities)
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeService) StorageAnalytics(_ context.Context, refresh bool) (*storage.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = refresh
	return &storage.Snapshot{Results: 4, SpaceSaved: storage.NewSize(2048)}, nil
}

func (f *fakeService) CompressionStats(context.Context) (*database.CompressionStats, error) {
	return &database.CompressionStats{TotalResults: 2, BytesSaved: 100}, nil
}

func (f *fakeService) ForceCleanup(context.Context) (*cleanup.Report, error) {
	if f.cleanupErr != nil {
		return nil, f.cleanupErr
	}
	return &cleanup.Report{FilesCleaned: 2}, nil
}

func (f *fakeService) CleanupStats(context.Context) cleanup.Stats {
	return cleanup.Stats{Runs: 5}
}

func (f *fakeService) TestAccelerator(context.Context) (transcoder.AcceleratorReport, error) {
	if f.accelErr != nil {
		return transcoder.AcceleratorReport{}, f.accelErr
	}
	return transcoder.AcceleratorReport{Mode: transcoder.GPUAccelNone, Encoders: []string{}}, nil
}

func (f *fakeService) Subscribe(buffer int) *events.Subscription[progress.Update] {
	return f.bus.Subscribe(buffer)
}

func (f *fakeService) ProgressStats() progress.Stats { return progress.Stats{Total: 1} }

func (f *fakeService) Ping(context.Context) error { return f.pingErr }

func (f *fakeService) Accelerator() engine.AcceleratorState {
	return engine.AcceleratorState{Mode: transcoder.GPUAccelNVIDIA, Available: true, Encoder: "h264_nvenc"}
}

func (f *fakeService) Backend() string { return database.BackendSQLite }

func (f *fakeService) GetStats() metrics.Stats {
	return metrics.Stats{JobsByStatus: map[string]int{"queued": 1}, Running: 1}
}

func serve(h http.HandlerFunc, method, target, body string, vars map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("bad: %w", jobs.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("job x: %w", database.ErrNotFound), http.StatusNotFound},
		{jobs.ErrInvalidTransition, http.StatusConflict},
		{jobs.ErrMaxAttemptsReached, http.StatusConflict},
		{database.ErrDuplicateActiveJob, http.StatusConflict},
		{database.ErrConflict, http.StatusConflict},
		{cleanup.ErrAlreadyRunning, http.StatusConflict},
		{jobs.ErrNotRunning, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	body := `{"inputPath":"/media/a.mkv","qualities":["720p"],"priority":3,"settings":{"crf":"28"}}`
	w := serve(h.SubmitJob, http.MethodPost, "/api/jobs", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp SubmitResponse
	decodeBody(t, w, &resp)
	if !resp.Created || resp.Job.InputPath != "/media/a.mkv" {
		t.Errorf("response = %+v", resp)
	}
	if svc.opts.Priority != 3 || svc.opts.Settings["crf"] != "28" {
		t.Errorf("options not passed through: %+v", svc.opts)
	}

	w = serve(h.SubmitJob, http.MethodPost, "/api/jobs", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate submit status = %d, want 200", w.Code)
	}
	decodeBody(t, w, &resp)
	if resp.Created {
		t.Error("duplicate submit reported created")
	}
	if len(svc.submitted) != 1 {
		t.Errorf("submitted %d jobs, want 1", len(svc.submitted))
	}
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"empty body", "", nil, http.StatusBadRequest},
		{"malformed", `{"inputPath":`, nil, http.StatusBadRequest},
		{"unknown field", `{"inputPath":"/a.mkv","bogus":1}`, nil, http.StatusBadRequest},
		{"missing path", `{"qualities":["720p"]}`, nil, http.StatusBadRequest},
		{"invalid input", `{"inputPath":"/a.mkv","qualities":["4k"]}`, fmt.Errorf("quality 4k: %w", jobs.ErrInvalidInput), http.StatusBadRequest},
		{"store failure", `{"inputPath":"/a.mkv"}`, errors.New("database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.submitErr = tt.err
			w := serve(New(svc).SubmitJob, http.MethodPost, "/api/jobs", tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			var resp map[string]string
			decodeBody(t, w, &resp)
			if resp["error"] == "" {
				t.Error("missing error message")
			}
			if tt.want == http.StatusInternalServerError && strings.Contains(resp["error"], "locked") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)
	job, _, _ := svc.SubmitJob(context.Background(), "/media/a.mkv", jobs.SubmitOptions{})
	vars := map[string]string{"id": job.ID}

	w := serve(h.GetJob, http.MethodGet, "/api/jobs/"+job.ID, "", vars)
	if w.Code != http.StatusOK {
		t.Fatalf("GetJob status = %d", w.Code)
	}
	var status engine.JobStatus
	decodeBody(t, w, &status)
	if status.Job.ID != job.ID || status.Results == nil {
		t.Errorf("GetJob = %+v", status)
	}

	w = serve(h.CancelJob, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "", vars)
	if w.Code != http.StatusOK {
		t.Fatalf("CancelJob status = %d", w.Code)
	}
	var got database.Job
	decodeBody(t, w, &got)
	if got.Status != database.StatusCancelled {
		t.Errorf("status after cancel = %s", got.Status)
	}

	w = serve(h.RetryJob, http.MethodPost, "/api/jobs/"+job.ID+"/retry", "", vars)
	if w.Code != http.StatusOK {
		t.Fatalf("RetryJob status = %d", w.Code)
	}
	decodeBody(t, w, &got)
	if got.Status != database.StatusQueued {
		t.Errorf("status after retry = %s", got.Status)
	}

	missing := map[string]string{"id": "nope"}
	for name, fn := range map[string]http.HandlerFunc{"get": h.GetJob, "cancel": h.CancelJob, "retry": h.RetryJob} {
		if w := serve(fn, http.MethodPost, "/api/jobs/nope", "", missing); w.Code != http.StatusNotFound {
			t.Errorf("%s unknown job: status = %d, want 404", name, w.Code)
		}
	}
}

func TestJobTransitionConflicts(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.cancelErr = fmt.Errorf("job x is completed: %w", jobs.ErrInvalidTransition)
	svc.retryErr = fmt.Errorf("job x: %w", jobs.ErrMaxAttemptsReached)
	h := New(svc)
	vars := map[string]string{"id": "x"}

	if w := serve(h.CancelJob, http.MethodPost, "/api/jobs/x/cancel", "", vars); w.Code != http.StatusConflict {
		t.Errorf("cancel status = %d, want 409", w.Code)
	}
	if w := serve(h.RetryJob, http.MethodPost, "/api/jobs/x/retry", "", vars); w.Code != http.StatusConflict {
		t.Errorf("retry status = %d, want 409", w.Code)
	}
}

func TestListJobsFilter(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.ListJobs, http.MethodGet, "/api/jobs?status=failed,cancelled&limit=10&offset=20", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty list encoded as %q, want []", w.Body.String())
	}
	f := svc.filter
	if len(f.Statuses) != 2 || f.Statuses[0] != database.StatusFailed || f.Limit != 10 || f.Offset != 20 || !f.Newest {
		t.Errorf("filter = %+v", f)
	}

	for _, target := range []string{"/api/jobs?status=exploded", "/api/jobs?limit=-1", "/api/jobs?offset=x"} {
		if w := serve(h.ListJobs, http.MethodGet, target, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}

	serve(h.ListJobs, http.MethodGet, "/api/jobs?limit=100000", "", nil)
	if svc.filter.Limit != maxListLimit {
		t.Errorf("limit = %d, want capped at %d", svc.filter.Limit, maxListLimit)
	}
}

func TestQueueEndpoints(t *testing.T) {
	t.Parallel()

	h := New(newFakeService())

	w := serve(h.GetQueue, http.MethodGet, "/api/queue?limit=7", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetQueue status = %d", w.Code)
	}
	var status jobs.QueueStatus
	decodeBody(t, w, &status)
	if status.Counts[database.StatusQueued] != 7 || status.MaxConcurrent != 2 {
		t.Errorf("queue status = %+v", status)
	}

	w = serve(h.ClearQueue, http.MethodDelete, "/api/queue", "", nil)
	var res jobs.ClearResult
	decodeBody(t, w, &res)
	if res.Cancelled != 1 || res.Removed != 3 {
		t.Errorf("clear result = %+v", res)
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.Analyze, http.MethodPost, "/api/analyze", `{"path":"/media/a.mkv","qualities":["720p"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var a analyzer.Analysis
	decodeBody(t, w, &a)
	if len(a.Accepted) != 1 || a.Accepted[0] != "720p" {
		t.Errorf("accepted = %v", a.Accepted)
	}

	w = serve(h.Analyze, http.MethodPost, "/api/analyze", `{"path":"/media/notes.txt"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rejected file status = %d, want 200", w.Code)
	}
	decodeBody(t, w, &a)
	if a.Rejection == nil || a.Rejection.Reason != analyzer.ReasonUnsupportedType {
		t.Errorf("rejection = %+v", a.Rejection)
	}

	if w := serve(h.Analyze, http.MethodPost, "/api/analyze", `{"path":" "}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("blank path status = %d, want 400", w.Code)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.AnalyzeBatch, http.MethodPost, "/api/analyze/batch", `{"paths":["/a.mkv","/b.txt","/c.avi"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var out []analyzer.Analysis
	decodeBody(t, w, &out)
	if len(out) != 3 || out[0].Path != "/a.mkv" || out[1].Rejection == nil || out[2].Path != "/c.avi" {
		t.Errorf("batch = %+v", out)
	}

	paths := make([]string, maxBatchPaths+1)
	for i := range paths {
		paths[i] = fmt.Sprintf("/m/%d.mkv", i)
	}
	tooMany, _ := json.Marshal(BatchAnalyzeRequest{Paths: paths})
	for _, body := range []string{`{"paths":[]}`, string(tooMany)} {
		if w := serve(h.AnalyzeBatch, http.MethodPost, "/api/analyze/batch", body, nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	}
}

func TestStorageAnalyticsRefresh(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.StorageAnalytics, http.MethodGet, "/api/storage/analytics", "", nil)
	if w.Code != http.StatusOK || svc.refreshed {
		t.Fatalf("status = %d refreshed = %v", w.Code, svc.refreshed)
	}
	var snap storage.Snapshot
	decodeBody(t, w, &snap)
	if snap.SpaceSaved.Formatted != "2.0 KiB" {
		t.Errorf("formatted = %q", snap.SpaceSaved.Formatted)
	}

	serve(h.StorageAnalytics, http.MethodGet, "/api/storage/analytics?refresh=true", "", nil)
	if !svc.refreshed {
		t.Error("refresh=true did not force a refresh")
	}

	if w := serve(h.StorageAnalytics, http.MethodGet, "/api/storage/analytics?refresh=maybe", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad refresh status = %d, want 400", w.Code)
	}
}

func TestCleanupEndpoints(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.ForceCleanup, http.MethodPost, "/api/cleanup", "", nil)
	var report cleanup.Report
	decodeBody(t, w, &report)
	if w.Code != http.StatusOK || report.FilesCleaned != 2 {
		t.Errorf("cleanup status = %d report = %+v", w.Code, report)
	}

	svc.cleanupErr = cleanup.ErrAlreadyRunning
	if w := serve(h.ForceCleanup, http.MethodPost, "/api/cleanup", "", nil); w.Code != http.StatusConflict {
		t.Errorf("overlapping cleanup status = %d, want 409", w.Code)
	}

	w = serve(h.CleanupStats, http.MethodGet, "/api/cleanup/stats", "", nil)
	var stats cleanup.Stats
	decodeBody(t, w, &stats)
	if stats.Runs != 5 {
		t.Errorf("runs = %d, want 5", stats.Runs)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.CompressionStats, http.MethodGet, "/api/stats/compression", "", nil)
	var cs database.CompressionStats
	decodeBody(t, w, &cs)
	if cs.TotalResults != 2 || cs.BytesSaved != 100 {
		t.Errorf("compression stats = %+v", cs)
	}

	w = serve(h.TestAccelerator, http.MethodGet, "/api/accelerator", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("accelerator status = %d", w.Code)
	}
	svc.accelErr = errors.New("no encoder configured")
	if w := serve(h.TestAccelerator, http.MethodGet, "/api/accelerator", "", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("accelerator failure status = %d, want 500", w.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)

	w := serve(h.HealthCheck, http.MethodGet, "/health", "", nil)
	var resp HealthResponse
	decodeBody(t, w, &resp)
	if w.Code != http.StatusOK || resp.Status != statusHealthy || resp.Database != database.BackendSQLite || resp.Running != 1 {
		t.Errorf("healthy: status = %d resp = %+v", w.Code, resp)
	}
	if !resp.Accelerator.Available || resp.Accelerator.Encoder != "h264_nvenc" {
		t.Errorf("accelerator = %+v, want available h264_nvenc", resp.Accelerator)
	}

	svc.pingErr = errors.New("connection refused")
	w = serve(h.HealthCheck, http.MethodGet, "/health", "", nil)
	decodeBody(t, w, &resp)
	if w.Code != http.StatusServiceUnavailable || resp.Status != statusDegraded {
		t.Errorf("degraded: status = %d resp = %+v", w.Code, resp)
	}
}

func TestLivenessCheckHead(t *testing.T) {
	t.Parallel()

	h := New(newFakeService())
	w := serve(h.LivenessCheck, http.MethodHead, "/livez", "", nil)
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("HEAD: status = %d body = %q", w.Code, w.Body.String())
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)
	srv := httptest.NewServer(http.HandlerFunc(h.Events))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?job=wanted")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != ": connected" {
		t.Fatalf("first line = %q", lines.Text())
	}

	svc.bus.Publish(progress.Update{JobID: "other", Percent: 10})
	svc.bus.Publish(progress.Update{JobID: "wanted", Percent: 42, Phase: "transcoding"})

	deadline := time.After(5 * time.Second)
	found := make(chan progress.Update, 1)
	go func() {
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var u progress.Update
				if json.Unmarshal([]byte(data), &u) == nil {
					found <- u
					return
				}
			}
		}
	}()

	select {
	case u := <-found:
		if u.JobID != "wanted" || u.Percent != 42 {
			t.Errorf("first event = %+v, want the filtered job", u)
		}
	case <-deadline:
		t.Fatal("no progress event received")
	}
}

func TestEventsStreamEndsWhenFeedCloses(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	h := New(svc)
	h.heartbeat = 10 * time.Millisecond
	srv := httptest.NewServer(http.HandlerFunc(h.Events))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() {
		t.Fatal("stream closed before the greeting")
	}
	svc.bus.Close()

	done := make(chan struct{})
	go func() {
		for lines.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream still open after the feed closed")
	}
}
