package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"media-optimizer/internal/database"
	"media-optimizer/internal/transcoder"
)

type fakeProber struct {
	mu    sync.Mutex
	info  map[string]*transcoder.MediaInfo
	err   error
	calls int
}

func (p *fakeProber) Probe(_ context.Context, path string) (*transcoder.MediaInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if info, ok := p.info[path]; ok {
		c := *info
		c.Path = path
		return &c, nil
	}
	return &transcoder.MediaInfo{Path: path, HasVideo: true, VideoCodec: "h264", Width: 1920, Height: 1080, Duration: time.Hour, AudioCodec: "aac"}, nil
}

type fakeResults struct {
	mu      sync.Mutex
	results []*database.Result
	deleted []int64
}

func (s *fakeResults) ListResults(_ context.Context, f database.ResultFilter) ([]*database.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Result
	for _, r := range s.results {
		if f.OriginalPath != "" && r.OriginalPath != f.OriginalPath {
			continue
		}
		if f.Quality != "" && r.Quality != f.Quality {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeResults) DeleteResult(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.results {
		if r.ID == id {
			s.results = append(s.results[:i], s.results[i+1:]...)
			s.deleted = append(s.deleted, id)
			return nil
		}
	}
	return database.ErrNotFound
}

// sparseFile creates a file of the given size without writing its contents.
func sparseFile(t *testing.T, path string, size int64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func testConfig() Config {
	return Config{
		MinFileSize:       10 << 20,
		MinSavingsPercent: 5,
		PreventInflation:  true,
	}
}

func TestAnalyze_Rejections(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	small := filepath.Join(dir, "small.mp4")
	sparseFile(t, small, 1<<20)
	text := filepath.Join(dir, "notes.txt")
	sparseFile(t, text, 20<<20)
	audio := filepath.Join(dir, "song.mkv")
	sparseFile(t, audio, 20<<20)
	hevc := filepath.Join(dir, "modern.mkv")
	sparseFile(t, hevc, 20<<20)

	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{
		audio: {HasVideo: false, AudioCodec: "flac"},
		hevc:  {HasVideo: true, VideoCodec: "h265", Width: 3840, Height: 2160, Duration: time.Hour},
	}}
	a := New(testConfig(), prober, nil)

	tests := []struct {
		name string
		path string
		want Reason
	}{
		{"missing", filepath.Join(dir, "nope.mp4"), ReasonNotFound},
		{"directory", dir, ReasonNotAFile},
		{"too small", small, ReasonTooSmall},
		{"unsupported", text, ReasonUnsupportedType},
		{"no video", audio, ReasonNoVideo},
		{"efficient codec", hevc, ReasonEfficientCodec},
	}
	for _, tt := range tests {
		got, err := a.Analyze(context.Background(), tt.path, Options{})
		if err != nil {
			t.Fatalf("%s: Analyze() error: %v", tt.name, err)
		}
		if got.Rejection == nil || got.Rejection.Reason != tt.want {
			t.Errorf("%s: rejection = %+v, want %s", tt.name, got.Rejection, tt.want)
		}
		if got.ShouldTranscode() {
			t.Errorf("%s: ShouldTranscode() = true", tt.name)
		}
		if got.Decision() != string(tt.want) {
			t.Errorf("%s: Decision() = %s", tt.name, got.Decision())
		}
	}
}

func TestAnalyze_ProbeFailureIsRejection(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.avi")
	sparseFile(t, path, 20<<20)

	a := New(testConfig(), &fakeProber{err: &transcoder.ProcessError{Tool: "ffprobe", ExitCode: 1, Stderr: "moov atom not found"}}, nil)
	got, err := a.Analyze(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Rejection == nil || got.Rejection.Reason != ReasonProbeFailed {
		t.Fatalf("rejection = %+v, want probe_failed", got.Rejection)
	}
	if !strings.Contains(got.Rejection.Detail, "moov atom not found") {
		t.Errorf("detail = %q", got.Rejection.Detail)
	}
}

func TestAnalyze_CancelledProbeIsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mkv")
	sparseFile(t, path, 20<<20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(testConfig(), &fakeProber{err: context.Canceled}, nil)
	if _, err := a.Analyze(ctx, path, Options{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Analyze() error = %v, want context.Canceled", err)
	}
}

// A 1.2 GB one-hour 1080p h264 file is worth shrinking to 720p and 480p but
// not re-encoding at 1080p.
func TestAnalyze_H264Movie(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mp4")
	sparseFile(t, path, 1_200_000_000)

	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{
		path: {
			HasVideo: true, VideoCodec: "h264", Width: 1920, Height: 1080,
			Duration: time.Hour, VideoBitRate: 2_540_000, AudioCodec: "aac", AudioBitRate: 128_000,
		},
	}}
	a := New(testConfig(), prober, &fakeResults{})

	got, err := a.Analyze(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got.Rejection != nil {
		t.Fatalf("unexpected rejection: %v", got.Rejection)
	}
	if got.CodecScore != 60 {
		t.Errorf("CodecScore = %d, want 60", got.CodecScore)
	}
	if strings.Join(got.Accepted, ",") != "720p,480p" {
		t.Errorf("Accepted = %v, want [720p 480p]; decisions %+v", got.Accepted, got.Qualities)
	}
	if !got.ShouldTranscode() || got.Decision() != "accepted" {
		t.Errorf("ShouldTranscode=%v Decision=%s", got.ShouldTranscode(), got.Decision())
	}
	if got.MimeType != "video/mp4" {
		t.Errorf("MimeType = %q", got.MimeType)
	}

	for _, d := range got.Qualities {
		if d.Heuristic {
			t.Errorf("%s used the heuristic with a known bitrate", d.Quality)
		}
		if d.Quality == "720p" && d.SavingsPercent < 5 {
			t.Errorf("720p savings = %.1f%%, want >= 5%%", d.SavingsPercent)
		}
		if d.Quality == "1080p" && d.Accepted {
			t.Error("1080p h264 re-encode should not be accepted")
		}
	}
	if !strings.Contains(got.Summary(), "skipped 1080p") {
		t.Errorf("Summary() = %q", got.Summary())
	}
}

func TestAnalyze_UpscaleGuard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "old.avi")
	sparseFile(t, path, 700<<20)

	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{
		path: {HasVideo: true, VideoCodec: "mpeg4", Width: 720, Height: 576, Duration: 90 * time.Minute, AudioCodec: "mp3"},
	}}
	a := New(testConfig(), prober, nil)

	got, err := a.Analyze(context.Background(), path, Options{Qualities: []string{"1080p", "720p", "480p"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got.Accepted, ",") != "480p" {
		t.Fatalf("Accepted = %v, want [480p]; decisions %+v", got.Accepted, got.Qualities)
	}
	for _, d := range got.Qualities[:2] {
		if !strings.Contains(d.Reason, "upscale") {
			t.Errorf("%s reason = %q, want upscale", d.Quality, d.Reason)
		}
	}
}

func TestAnalyze_InflationGuard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tiny-bitrate.mkv")
	sparseFile(t, path, 20<<20)

	// 20 MiB over an hour is ~47 kbps; any preset's audio alone outgrows it.
	info := &transcoder.MediaInfo{HasVideo: true, VideoCodec: "mpeg4", Width: 640, Height: 480, Duration: time.Hour, VideoBitRate: 40_000, AudioCodec: "aac"}
	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{path: info}}

	a := New(testConfig(), prober, nil)
	got, err := a.Analyze(context.Background(), path, Options{Qualities: []string{"480p"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Accepted) != 0 {
		t.Fatalf("Accepted = %v, want none", got.Accepted)
	}
	if !strings.Contains(got.Qualities[0].Reason, "exceeds input") {
		t.Errorf("reason = %q", got.Qualities[0].Reason)
	}
	if got.Decision() != "skipped" {
		t.Errorf("Decision() = %s, want skipped", got.Decision())
	}

	// With the guard off the savings check still rejects it.
	cfg := testConfig()
	cfg.PreventInflation = false
	got, err = New(cfg, prober, nil).Analyze(context.Background(), path, Options{Qualities: []string{"480p"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Accepted) != 0 || !strings.Contains(got.Qualities[0].Reason, "below") {
		t.Errorf("decision = %+v", got.Qualities[0])
	}
}

func TestAnalyze_HeuristicFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "unknown-duration.wmv")
	sparseFile(t, path, 100<<20)

	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{
		path: {HasVideo: true, VideoCodec: "wmv", Width: 1280, Height: 720},
	}}
	cfg := testConfig()
	cfg.HeuristicRatios = map[string]map[string]float64{"wmv": {"720p": 0.97}}

	got, err := New(cfg, prober, nil).Analyze(context.Background(), path, Options{Qualities: []string{"720p", "480p"}})
	if err != nil {
		t.Fatal(err)
	}

	if len(got.Qualities) != 2 {
		t.Fatalf("decisions = %+v", got.Qualities)
	}
	q720, q480 := got.Qualities[0], got.Qualities[1]
	if !q720.Heuristic || q720.Accepted {
		t.Errorf("720p = %+v, want heuristic rejection at 3%% savings", q720)
	}
	// 480p falls back to the default row of the default table.
	if !q480.Heuristic || !q480.Accepted {
		t.Errorf("480p = %+v, want heuristic acceptance", q480)
	}
}

func TestAnalyze_ExistingResults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mkv")
	sparseFile(t, path, 1_200_000_000)

	good := filepath.Join(dir, "out", "movie_720p.mp4")
	sparseFile(t, good, 5<<20)
	truncated := filepath.Join(dir, "out", "movie_480p.mp4")
	sparseFile(t, truncated, 100)

	results := &fakeResults{results: []*database.Result{
		{ID: 1, OriginalPath: path, Quality: "720p", OutputPath: good},
		{ID: 2, OriginalPath: path, Quality: "480p", OutputPath: truncated},
		{ID: 3, OriginalPath: path, Quality: "480p", OutputPath: filepath.Join(dir, "out", "gone.mp4")},
	}}
	prober := &fakeProber{info: map[string]*transcoder.MediaInfo{
		path: {HasVideo: true, VideoCodec: "h264", Width: 1920, Height: 1080, Duration: time.Hour, VideoBitRate: 2_540_000, AudioCodec: "aac"},
	}}

	got, err := New(testConfig(), prober, results).Analyze(context.Background(), path, Options{Qualities: []string{"720p", "480p"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got.Accepted, ",") != "480p" {
		t.Errorf("Accepted = %v, want [480p]", got.Accepted)
	}
	if got.Qualities[0].Reason != "already transcoded" {
		t.Errorf("720p reason = %q", got.Qualities[0].Reason)
	}
	if len(results.deleted) != 2 {
		t.Errorf("purged results = %v, want [2 3]", results.deleted)
	}
}

func TestAnalyze_InvalidSettings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "movie.mkv")
	sparseFile(t, path, 1_200_000_000)

	got, err := New(testConfig(), &fakeProber{}, nil).Analyze(context.Background(), path, Options{
		Qualities: []string{"720p"},
		Settings:  map[string]string{"crf": "99"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Accepted) != 0 || !strings.Contains(got.Qualities[0].Reason, "crf") {
		t.Errorf("decision = %+v", got.Qualities[0])
	}
}

func TestDecide(t *testing.T) {
	t.Parallel()

	const path = "/media/movie.mkv"
	gone := filepath.Join(t.TempDir(), "movie_480p.mp4")
	h264 := &transcoder.MediaInfo{HasVideo: true, VideoCodec: "h264", Width: 1920, Height: 1080,
		Duration: time.Hour, VideoBitRate: 2_540_000, AudioCodec: "aac"}

	tests := []struct {
		name          string
		info          *transcoder.MediaInfo
		size          int64
		qualities     []string
		results       []*database.Result
		wantRejection Reason
		wantAccepted  string
		wantHeuristic bool
		wantPurged    int
	}{
		{
			name:          "efficient codec",
			info:          &transcoder.MediaInfo{HasVideo: true, VideoCodec: "hevc", Width: 3840, Height: 2160, Duration: time.Hour},
			size:          4 << 30,
			wantRejection: ReasonEfficientCodec,
		},
		{
			name:          "heuristic fallback without duration",
			info:          &transcoder.MediaInfo{HasVideo: true, VideoCodec: "wmv", Width: 1280, Height: 720},
			size:          100 << 20,
			qualities:     []string{"720p"},
			wantAccepted:  "720p",
			wantHeuristic: true,
		},
		{
			name:         "stale result purged",
			info:         h264,
			size:         1_200_000_000,
			qualities:    []string{"480p"},
			results:      []*database.Result{{ID: 7, OriginalPath: path, Quality: "480p", OutputPath: gone}},
			wantAccepted: "480p",
			wantPurged:   1,
		},
		{
			name:      "no upscaling",
			info:      &transcoder.MediaInfo{HasVideo: true, VideoCodec: "mpeg2", Width: 854, Height: 480, Duration: time.Hour},
			size:      2 << 30,
			qualities: []string{"720p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			results := &fakeResults{results: tt.results}
			got, err := New(testConfig(), &fakeProber{}, results).Decide(context.Background(), path, tt.size, tt.info, Options{Qualities: tt.qualities})
			if err != nil {
				t.Fatalf("Decide() error: %v", err)
			}

			if tt.wantRejection != "" {
				if got.Rejection == nil || got.Rejection.Reason != tt.wantRejection {
					t.Errorf("rejection = %+v, want %s", got.Rejection, tt.wantRejection)
				}
				return
			}
			if got.Rejection != nil {
				t.Fatalf("unexpected rejection %+v", got.Rejection)
			}
			if accepted := strings.Join(got.Accepted, ","); accepted != tt.wantAccepted {
				t.Errorf("Accepted = %q, want %q (decisions %+v)", accepted, tt.wantAccepted, got.Qualities)
			}
			if len(got.Qualities) != 1 || got.Qualities[0].Heuristic != tt.wantHeuristic {
				t.Errorf("decisions = %+v, want heuristic %v", got.Qualities, tt.wantHeuristic)
			}
			if len(results.deleted) != tt.wantPurged {
				t.Errorf("purged = %v, want %d", results.deleted, tt.wantPurged)
			}
		})
	}
}

func TestAnalyzeBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.mkv", "b.mkv", "c.txt", "d.mkv"} {
		p := filepath.Join(dir, name)
		sparseFile(t, p, 500<<20)
		paths = append(paths, p)
	}
	prober := &fakeProber{}
	cfg := testConfig()
	cfg.BatchWorkers = 2

	got, err := New(cfg, prober, nil).AnalyzeBatch(context.Background(), paths, Options{})
	if err != nil {
		t.Fatalf("AnalyzeBatch() error: %v", err)
	}
	if len(got) != len(paths) {
		t.Fatalf("got %d analyses, want %d", len(got), len(paths))
	}
	for i, a := range got {
		if a == nil || a.Path != paths[i] {
			t.Fatalf("analysis %d out of order: %+v", i, a)
		}
	}
	if got[2].Rejection == nil || got[2].Rejection.Reason != ReasonUnsupportedType {
		t.Errorf("c.txt rejection = %+v", got[2].Rejection)
	}
	if prober.calls != 3 {
		t.Errorf("probe calls = %d, want 3", prober.calls)
	}
}

func TestCodecScore(t *testing.T) {
	t.Parallel()

	tests := map[string]int{"hevc": 92, "av1": 95, "vp9": 90, "avc": 60, "h264": 60, "xvid": 30, "mpeg2video": 20, "prores": 0}
	for codec, want := range tests {
		if got := CodecScore(codec); got != want {
			t.Errorf("CodecScore(%q) = %d, want %d", codec, got, want)
		}
	}
}

func TestCodecGain(t *testing.T) {
	t.Parallel()

	if g := codecGain("h264", "h264"); g != 1 {
		t.Errorf("h264->h264 = %v, want 1", g)
	}
	if g := codecGain("h264", "h265"); g < 0.6 || g > 0.7 {
		t.Errorf("h264->h265 = %v", g)
	}
	if g := codecGain("mpeg1", "h265"); g != 0.3 {
		t.Errorf("mpeg1->h265 = %v, want clamp 0.3", g)
	}
	if g := codecGain("prores", "h264"); g != 0.6 {
		t.Errorf("unknown source = %v, want 0.6", g)
	}
}
