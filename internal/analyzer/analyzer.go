package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"media-optimizer/internal/database"
	"media-optimizer/internal/filesystem"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/mediatypes"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/transcoder"
	"media-optimizer/internal/workers"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMinFileSize       = 10 << 20
	DefaultMinSavingsPercent = 5.0
	DefaultMinResultSize     = 1 << 20
)

// ResultStore is the slice of the database the analyzer needs.
type ResultStore interface {
	ListResults(ctx context.Context, filter database.ResultFilter) ([]*database.Result, error)
	DeleteResult(ctx context.Context, id int64) error
}

// Config configures an Analyzer.
type Config struct {
	MinFileSize       int64
	MinSavingsPercent float64
	PreventInflation  bool
	// MaxGrowthPercent is the estimated growth tolerated while
	// PreventInflation is on.
	MaxGrowthPercent float64
	// MinResultSize is the size below which an existing output no longer
	// counts as produced.
	MinResultSize int64
	// HeuristicRatios overrides DefaultHeuristicRatios.
	HeuristicRatios map[string]map[string]float64
	// BatchWorkers caps AnalyzeBatch concurrency; 0 sizes it from the CPUs.
	BatchWorkers int
}

// Options narrows one analysis.
type Options struct {
	// Qualities to consider, highest first. Empty means all presets.
	Qualities []string
	// Settings are the job's encoder overrides.
	Settings map[string]string
}

// Analyzer inspects candidate files.
type Analyzer struct {
	cfg     Config
	prober  transcoder.Prober
	results ResultStore
	retry   filesystem.RetryConfig
}

// New creates an Analyzer. results may be nil, in which case existing
// outputs are not consulted.
func New(cfg Config, prober transcoder.Prober, results ResultStore) *Analyzer {
	if cfg.MinFileSize <= 0 {
		cfg.MinFileSize = DefaultMinFileSize
	}
	if cfg.MinSavingsPercent < 0 {
		cfg.MinSavingsPercent = 0
	}
	if cfg.MinResultSize <= 0 {
		cfg.MinResultSize = DefaultMinResultSize
	}
	if cfg.HeuristicRatios == nil {
		cfg.HeuristicRatios = DefaultHeuristicRatios
	}
	return &Analyzer{
		cfg:     cfg,
		prober:  prober,
		results: results,
		retry:   filesystem.DefaultRetryConfig(),
	}
}

// Analyze runs admission checks on path, probes it and decides which
// qualities to produce. The returned error is non-nil only for cancellation
// or store failures.
func (a *Analyzer) Analyze(ctx context.Context, path string, opts Options) (*Analysis, error) {
	start := time.Now()
	analysis, err := a.analyze(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	analysis.Elapsed = time.Since(start)

	metrics.AnalysisDuration.Observe(analysis.Elapsed.Seconds())
	metrics.AnalysisTotal.WithLabelValues(analysis.Decision()).Inc()
	logging.Debug("Analyzed %s in %v: %s", path, analysis.Elapsed.Round(time.Millisecond), analysis.Summary())
	return analysis, nil
}

func (a *Analyzer) analyze(ctx context.Context, path string, opts Options) (*Analysis, error) {
	analysis := &Analysis{Path: path, Accepted: []string{}}
	reject := func(reason Reason, format string, args ...interface{}) (*Analysis, error) {
		analysis.Rejection = &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
		return analysis, nil
	}

	info, err := filesystem.StatWithRetry(path, a.retry)
	if err != nil {
		if os.IsNotExist(err) {
			return reject(ReasonNotFound, "%s does not exist", path)
		}
		return reject(ReasonNotFound, "cannot stat file: %v", err)
	}
	if !info.Mode().IsRegular() {
		return reject(ReasonNotAFile, "%s is not a regular file", path)
	}
	analysis.Size = info.Size()

	if analysis.Size < a.cfg.MinFileSize {
		return reject(ReasonTooSmall, "%s is below the %s minimum",
			humanize.IBytes(uint64(analysis.Size)), humanize.IBytes(uint64(a.cfg.MinFileSize)))
	}

	ext := mediatypes.Ext(path)
	if !mediatypes.IsVideo(path) {
		return reject(ReasonUnsupportedType, "extension %q is not a supported video container", ext)
	}
	analysis.MimeType = mediatypes.GetMimeType(ext)

	probed, err := a.prober.Probe(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return reject(ReasonProbeFailed, "%s", transcoder.UserMessage(err))
	}
	analysis.Info = probed

	if !probed.HasVideo {
		return reject(ReasonNoVideo, "no video stream found")
	}

	if err := a.decide(ctx, analysis, opts); err != nil {
		return nil, err
	}
	return analysis, nil
}

// Decide applies the transcoding-need rules to an already probed file.
func (a *Analyzer) Decide(ctx context.Context, path string, size int64, info *transcoder.MediaInfo, opts Options) (*Analysis, error) {
	analysis := &Analysis{Path: path, Size: size, Info: info, Accepted: []string{}}
	if err := a.decide(ctx, analysis, opts); err != nil {
		return nil, err
	}
	return analysis, nil
}

func (a *Analyzer) decide(ctx context.Context, analysis *Analysis, opts Options) error {
	info := analysis.Info
	analysis.CodecScore = CodecScore(info.VideoCodec)
	if analysis.CodecScore >= EfficientScore {
		analysis.Rejection = &Rejection{
			Reason: ReasonEfficientCodec,
			Detail: fmt.Sprintf("%s already scores %d", info.VideoCodec, analysis.CodecScore),
		}
		return nil
	}

	qualities := opts.Qualities
	if len(qualities) == 0 {
		qualities = transcoder.Qualities()
	}

	for _, quality := range qualities {
		decision, err := a.decideQuality(ctx, analysis, quality, opts.Settings)
		if err != nil {
			return err
		}
		analysis.Qualities = append(analysis.Qualities, decision)
		if decision.Accepted {
			analysis.Accepted = append(analysis.Accepted, quality)
		}
	}
	return nil
}

func (a *Analyzer) decideQuality(ctx context.Context, analysis *Analysis, quality string, settings map[string]string) (QualityDecision, error) {
	d := QualityDecision{Quality: quality}

	preset, ok := transcoder.LookupPreset(quality)
	if !ok {
		d.Reason = "unknown quality"
		return d, nil
	}
	preset, err := preset.WithSettings(settings)
	if err != nil {
		d.Reason = err.Error()
		return d, nil
	}

	info := analysis.Info
	if info.Height > 0 && preset.Height > info.Height {
		d.Reason = fmt.Sprintf("source is %dp, would upscale", info.Height)
		return d, nil
	}

	exists, err := a.alreadyProduced(ctx, analysis.Path, quality)
	if err != nil {
		return d, err
	}
	if exists {
		d.Reason = "already transcoded"
		return d, nil
	}

	est := estimateOutput(info, analysis.Size, preset, a.cfg.HeuristicRatios)
	d.EstimatedSize = est.bytes
	d.Heuristic = est.heuristic
	d.EstimatedSavings = analysis.Size - est.bytes
	if analysis.Size > 0 {
		d.SavingsPercent = float64(d.EstimatedSavings) / float64(analysis.Size) * 100
	}

	if a.cfg.PreventInflation {
		limit := float64(analysis.Size) * (1 + a.cfg.MaxGrowthPercent/100)
		if float64(est.bytes) > limit {
			d.Reason = fmt.Sprintf("estimated output %s exceeds input %s",
				humanize.IBytes(uint64(max(est.bytes, 0))), humanize.IBytes(uint64(analysis.Size)))
			return d, nil
		}
	}

	if d.SavingsPercent < a.cfg.MinSavingsPercent {
		d.Reason = fmt.Sprintf("estimated savings %.1f%% below %.1f%%", d.SavingsPercent, a.cfg.MinSavingsPercent)
		return d, nil
	}

	d.Accepted = true
	return d, nil
}

// alreadyProduced reports whether a usable output exists for path at
// quality. Results whose file is missing or truncated are purged.
func (a *Analyzer) alreadyProduced(ctx context.Context, path, quality string) (bool, error) {
	if a.results == nil {
		return false, nil
	}
	results, err := a.results.ListResults(ctx, database.ResultFilter{OriginalPath: path, Quality: quality})
	if err != nil {
		return false, fmt.Errorf("failed to list results for %s: %w", path, err)
	}

	found := false
	for _, r := range results {
		info, statErr := filesystem.StatWithRetry(r.OutputPath, a.retry)
		if statErr == nil && info.Size() >= a.cfg.MinResultSize {
			found = true
			continue
		}
		logging.Info("Purging stale %s result %d for %s: output missing or truncated", quality, r.ID, path)
		if err := a.results.DeleteResult(ctx, r.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			return false, fmt.Errorf("failed to purge stale result %d: %w", r.ID, err)
		}
	}
	return found, nil
}

// AnalyzeBatch analyzes paths concurrently. The returned slice is in input
// order; entries for paths not reached before cancellation are nil.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, paths []string, opts Options) ([]*Analysis, error) {
	out := make([]*Analysis, len(paths))
	errs := make([]error, len(paths))

	size := a.cfg.BatchWorkers
	if size <= 0 {
		size = workers.ForMixed(8)
	}

	start := time.Now()
	workers.ForEach(ctx, size, len(paths), func(ctx context.Context, i int) {
		out[i], errs[i] = a.Analyze(ctx, paths[i], opts)
	})
	logging.Info("Analyzed %d files in %v with %d workers", len(paths), time.Since(start).Round(time.Millisecond), size)

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, multierr.Combine(errs...)
}
