package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// Config configures a Transcoder.
type Config struct {
	FFmpegPath  string
	FFprobePath string
	GPUAccel    GPUAccel
	VAAPIDevice string

	// GracePeriod is how long a cancelled encoder may take to exit after
	// SIGTERM before it is killed.
	GracePeriod time.Duration

	PreventInflation      bool
	MinCompressionPercent float64
	MinOutputSize         int64

	// Threads caps software encoder threads; 0 leaves it to ffmpeg.
	Threads int
}

// DefaultMinOutputSize is the smallest output accepted by Validate.
const DefaultMinOutputSize = 1 << 20

const stderrTail = 16 * 1024

// Transcoder runs ffmpeg encodes and tracks them by job id.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	vaapiDevice string
	gracePeriod time.Duration
	threads     int

	preventInflation      bool
	minCompressionPercent float64
	minOutputSize         int64

	gpuMu            sync.RWMutex
	gpuAccel         GPUAccel
	gpuAvailable     bool
	gpuEncoder       string
	gpuEncoders      map[string]string
	gpuInitFilter    string
	gpuDetectionDone bool
	gpuError         string

	processes map[string]*process
	processMu sync.Mutex
}

type process struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	quality   string
	cancelled atomic.Bool
}

// Request describes one encode.
type Request struct {
	JobID        string
	InputPath    string
	OutputPath   string
	Preset       Preset
	Duration     time.Duration
	SourceWidth  int
	SourceHeight int
}

// Result describes a finished encode.
type Result struct {
	OutputPath string        `json:"outputPath"`
	OutputSize int64         `json:"outputSize"`
	Strategy   Strategy      `json:"strategy"`
	Encoder    string        `json:"encoder"`
	Elapsed    time.Duration `json:"elapsed"`
}

// New creates a Transcoder. Hardware detection runs here unless the mode
// is none.
func New(ctx context.Context, cfg Config) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.VAAPIDevice == "" {
		cfg.VAAPIDevice = defaultVAAPIDevice
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.MinOutputSize <= 0 {
		cfg.MinOutputSize = DefaultMinOutputSize
	}
	if cfg.GPUAccel == "" {
		cfg.GPUAccel = GPUAccelAuto
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}

	t := &Transcoder{
		ffmpegPath:            cfg.FFmpegPath,
		ffprobePath:           cfg.FFprobePath,
		vaapiDevice:           cfg.VAAPIDevice,
		gracePeriod:           cfg.GracePeriod,
		threads:               cfg.Threads,
		preventInflation:      cfg.PreventInflation,
		minCompressionPercent: cfg.MinCompressionPercent,
		minOutputSize:         cfg.MinOutputSize,
		gpuAccel:              cfg.GPUAccel,
		processes:             make(map[string]*process),
	}

	if cfg.GPUAccel != GPUAccelNone {
		t.gpuMu.Lock()
		t.detectGPU(ctx)
		t.gpuMu.Unlock()
	}
	return t
}

// Encode runs ffmpeg for one quality. If a hardware encoder fails to
// initialize, the GPU is disabled and the encode is rerun on the CPU.
// onProgress may be nil.
func (t *Transcoder) Encode(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	if req.JobID == "" || req.InputPath == "" || req.OutputPath == "" {
		return nil, errors.New("encode request needs a job id, input and output path")
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	strategy, encoder := t.selectStrategy(req.Preset.Codec)
	res, err := t.run(ctx, req, strategy, encoder, onProgress)
	if err != nil && strategy == StrategyGPU && ctx.Err() == nil && isHardwareInitFailure(err) {
		logging.Warn("Hardware encoder %s failed to initialize for job %s, retrying on CPU", encoder, req.JobID)
		t.disableGPU(err)
		metrics.GPUFallbacksTotal.Inc()
		res, err = t.run(ctx, req, StrategyCPU, cpuEncoder(req.Preset.Codec), onProgress)
	}
	return res, err
}

func (t *Transcoder) run(ctx context.Context, req Request, strategy Strategy, encoder string, onProgress func(Progress)) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := t.buildArgs(req, strategy, encoder)
	cmd := exec.CommandContext(runCtx, t.ffmpegPath, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = t.gracePeriod

	// exec copies stdout through its own goroutine so WaitDelay can close the
	// pipe if a killed encoder leaves children holding it open.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr

	p := &process{cmd: cmd, cancel: cancel, quality: req.Preset.Quality}
	if err := t.track(req.JobID, p); err != nil {
		return nil, err
	}
	defer t.untrack(req.JobID, p)

	logging.Debug("Encoding %s -> %s (%s, %s)", req.InputPath, req.OutputPath, strategy, encoder)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		if p.cancelled.Load() {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	parsed := make(chan error, 1)
	go func() {
		err := parseProgress(pr, req.Duration, onProgress)
		_, _ = io.Copy(io.Discard, pr)
		parsed <- err
	}()

	metrics.TranscodesInProgress.Inc()
	waitErr := cmd.Wait()
	_ = pw.Close()
	parseErr := <-parsed
	metrics.TranscodesInProgress.Dec()

	elapsed := time.Since(start)
	quality, strat := req.Preset.Quality, string(strategy)
	metrics.TranscodeDuration.WithLabelValues(quality, strat).Observe(elapsed.Seconds())

	if waitErr != nil {
		metrics.TranscodesTotal.WithLabelValues(quality, strat, "error").Inc()
		removeOutput(req.OutputPath)
		if p.cancelled.Load() {
			return nil, ErrCancelled
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{
			Tool:     "ffmpeg",
			ExitCode: exitCode(waitErr),
			Stderr:   stderr.String(),
			Err:      waitErr,
		}
	}
	if parseErr != nil {
		logging.Debug("Progress stream for job %s ended with error: %v", req.JobID, parseErr)
	}
	metrics.TranscodesTotal.WithLabelValues(quality, strat, "success").Inc()

	res := &Result{
		OutputPath: req.OutputPath,
		Strategy:   strategy,
		Encoder:    encoder,
		Elapsed:    elapsed,
	}
	if info, err := os.Stat(req.OutputPath); err == nil {
		res.OutputSize = info.Size()
	}
	return res, nil
}

func (t *Transcoder) track(jobID string, p *process) error {
	t.processMu.Lock()
	defer t.processMu.Unlock()
	if _, busy := t.processes[jobID]; busy {
		return fmt.Errorf("job %s already has an encode running", jobID)
	}
	t.processes[jobID] = p
	return nil
}

func (t *Transcoder) untrack(jobID string, p *process) {
	t.processMu.Lock()
	defer t.processMu.Unlock()
	if t.processes[jobID] == p {
		delete(t.processes, jobID)
	}
}

// Cancel signals the encode for jobID to stop. It reports whether an encode
// was running.
func (t *Transcoder) Cancel(jobID string) bool {
	t.processMu.Lock()
	p, ok := t.processes[jobID]
	t.processMu.Unlock()
	if !ok {
		return false
	}
	logging.Info("Cancelling %s encode for job %s", p.quality, jobID)
	p.cancelled.Store(true)
	p.cancel()
	return true
}

// Running returns the ids of jobs with an active encode.
func (t *Transcoder) Running() []string {
	t.processMu.Lock()
	defer t.processMu.Unlock()
	ids := make([]string, 0, len(t.processes))
	for id := range t.processes {
		ids = append(ids, id)
	}
	return ids
}

// Cleanup stops all active encoding processes.
func (t *Transcoder) Cleanup() {
	t.processMu.Lock()
	defer t.processMu.Unlock()

	for jobID, p := range t.processes {
		logging.Info("Stopping encode for job: %s", jobID)
		p.cancelled.Store(true)
		p.cancel()
	}
}

func removeOutput(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove partial output %s: %v", path, err)
	}
}
