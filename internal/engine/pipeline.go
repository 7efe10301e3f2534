package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"media-optimizer/internal/analyzer"
	"media-optimizer/internal/database"
	"media-optimizer/internal/events"
	"media-optimizer/internal/jobs"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
	"media-optimizer/internal/storage"
	"media-optimizer/internal/transcoder"
)

// Encoder is the part of the transcoder the engine drives.
type Encoder interface {
	Encode(ctx context.Context, req transcoder.Request, onProgress func(transcoder.Progress)) (*transcoder.Result, error)
	Validate(ctx context.Context, outputPath string, originalSize int64) (int64, error)
	Verify(ctx context.Context, path string) error
	Cancel(jobID string) bool
	Cleanup()
	TestAccelerator(ctx context.Context) transcoder.AcceleratorReport
	GPUStatus() (transcoder.GPUAccel, bool, string)
}

// Analyzer decides what to produce for an input.
type Analyzer interface {
	Analyze(ctx context.Context, path string, opts analyzer.Options) (*analyzer.Analysis, error)
	AnalyzeBatch(ctx context.Context, paths []string, opts analyzer.Options) ([]*analyzer.Analysis, error)
}

// fatalRejections mean the input itself is unusable, so the job fails
// instead of completing with a note.
var fatalRejections = map[analyzer.Reason]bool{
	analyzer.ReasonNotFound:        true,
	analyzer.ReasonNotAFile:        true,
	analyzer.ReasonUnsupportedType: true,
	analyzer.ReasonProbeFailed:     true,
}

// pipeline implements jobs.Runner.
type pipeline struct {
	store    database.Store
	analyzer Analyzer
	encoder  Encoder
	storage  *storage.Manager
}

// staged is an encoded and validated output awaiting promotion.
type staged struct {
	quality string
	ext     string
	path    string
	size    int64
	elapsed time.Duration
}

// rejected is a quality whose output failed validation.
type rejected struct {
	quality string
	err     error
}

func (p *pipeline) Run(ctx context.Context, run *jobs.Run) (jobs.Outcome, error) {
	job := run.Job()

	// Leftovers from an interrupted attempt.
	if err := p.storage.RemoveStaging(job.ID); err != nil {
		logging.Warn("%v", err)
	}
	defer func() {
		if err := p.storage.RemoveStaging(job.ID); err != nil {
			logging.Warn("%v", err)
		}
	}()

	run.Phase(events.PhaseAnalyzing, "analyzing "+job.InputPath)
	analysis, err := p.analyzer.Analyze(ctx, job.InputPath, analyzer.Options{
		Qualities: job.Qualities,
		Settings:  job.Settings,
	})
	if err != nil {
		if ctx.Err() != nil {
			return jobs.Outcome{}, ctx.Err()
		}
		return jobs.Outcome{}, fmt.Errorf("analysis failed: %w", err)
	}
	run.Progress(ctx, events.PhaseAnalyzing, "", 100, 0, 0)

	if analysis.Rejection != nil {
		if fatalRejections[analysis.Rejection.Reason] {
			return jobs.Outcome{}, jobs.Fail(analysis.Rejection.String(), false, nil)
		}
		logging.Info("Job %s: %s", job.ID, analysis.Summary())
		return jobs.Outcome{Note: analysis.Summary()}, nil
	}
	if !analysis.ShouldTranscode() {
		logging.Info("Job %s: %s", job.ID, analysis.Summary())
		return jobs.Outcome{Note: analysis.Summary()}, nil
	}

	if err := run.BeginTranscoding(ctx); err != nil {
		return jobs.Outcome{}, err
	}

	outputs, failures, err := p.encodeAll(ctx, run, job, analysis)
	if err != nil {
		return jobs.Outcome{}, err
	}
	if len(outputs) == 0 {
		last := failures[len(failures)-1].err
		return jobs.Outcome{}, jobs.Fail(transcoder.UserMessage(last), transcoder.IsRetryable(last), last)
	}

	produced, err := p.finalize(ctx, run, job, analysis, outputs)
	if err != nil {
		return jobs.Outcome{}, err
	}

	return jobs.Outcome{Note: completionNote(analysis, produced, failures)}, nil
}

// encodeAll encodes and validates every accepted quality in order. A
// validation failure is collected and the next quality is tried; any other
// failure aborts the attempt.
func (p *pipeline) encodeAll(ctx context.Context, run *jobs.Run, job *database.Job, analysis *analyzer.Analysis) ([]staged, []rejected, error) {
	var outputs []staged
	var failures []rejected

	total := float64(len(analysis.Accepted))
	for i, quality := range analysis.Accepted {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		preset, ok := transcoder.LookupPreset(quality)
		if !ok {
			return nil, nil, jobs.Fail("unknown quality "+quality, false, nil)
		}
		preset, err := preset.WithSettings(job.Settings)
		if err != nil {
			return nil, nil, jobs.Fail(err.Error(), false, err)
		}

		req := transcoder.Request{
			JobID:      job.ID,
			InputPath:  job.InputPath,
			OutputPath: p.storage.StagingPath(job.ID, quality, preset.Extension()),
			Preset:     preset,
		}
		if info := analysis.Info; info != nil {
			req.Duration = info.Duration
			req.SourceWidth = info.Width
			req.SourceHeight = info.Height
		}

		run.Phase(events.PhaseTranscoding, "encoding "+quality)
		base := float64(i) * 100
		res, err := p.encoder.Encode(ctx, req, func(pr transcoder.Progress) {
			run.Progress(ctx, events.PhaseTranscoding, quality, (base+pr.Percent)/total, pr.FPS, pr.Speed)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, jobs.Fail(fmt.Sprintf("%s: %s", quality, transcoder.UserMessage(err)), transcoder.IsRetryable(err), err)
		}

		size, err := p.encoder.Validate(ctx, req.OutputPath, analysis.Size)
		if err != nil {
			var ve *transcoder.ValidationError
			if !errors.As(err, &ve) {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				return nil, nil, err
			}
			logging.Warn("Job %s: %s output rejected: %v", job.ID, quality, err)
			failures = append(failures, rejected{quality: quality, err: err})
			continue
		}

		outputs = append(outputs, staged{
			quality: quality,
			ext:     preset.Extension(),
			path:    req.OutputPath,
			size:    size,
			elapsed: res.Elapsed,
		})
		run.Progress(ctx, events.PhaseTranscoding, quality, float64(i+1)*100/total, 0, 0)
	}
	return outputs, failures, nil
}

// finalize promotes staged outputs and records a Result for each.
func (p *pipeline) finalize(ctx context.Context, run *jobs.Run, job *database.Job, analysis *analyzer.Analysis, outputs []staged) ([]string, error) {
	run.Phase(events.PhaseFinalizing, fmt.Sprintf("saving %d outputs", len(outputs)))

	produced := make([]string, 0, len(outputs))
	defer func() {
		if len(produced) > 0 {
			p.storage.Invalidate()
		}
	}()

	for i, out := range outputs {
		if err := ctx.Err(); err != nil {
			return produced, err
		}

		final := p.storage.OutputPath(job.InputPath, out.quality, out.ext, job.CreatedAt)
		if err := storage.Promote(out.path, final); err != nil {
			return produced, err
		}

		sum, err := storage.Checksum(final)
		if err != nil {
			return produced, fmt.Errorf("failed to checksum %s: %w", final, err)
		}

		result := &database.Result{
			JobID:            job.ID,
			Quality:          out.quality,
			OriginalPath:     job.InputPath,
			OutputPath:       final,
			OriginalSize:     analysis.Size,
			OutputSize:       out.size,
			CompressionRatio: database.CompressionRatio(analysis.Size, out.size),
			Checksum:         sum,
			ProcessingTime:   out.elapsed,
		}
		if err := p.store.CreateResult(ctx, result); err != nil {
			// Leave the file for the orphan sweep rather than guessing
			// whether the row was written.
			return produced, fmt.Errorf("failed to record %s result: %w", out.quality, err)
		}

		produced = append(produced, out.quality)
		metrics.TranscodeBytesSaved.Add(float64(max(analysis.Size-out.size, 0)))
		logging.Info("Job %s: %s saved to %s (%.1f%% smaller)", job.ID, out.quality, final, result.CompressionRatio)
		run.Progress(ctx, events.PhaseFinalizing, out.quality, float64(i+1)*100/float64(len(outputs)), 0, 0)
	}
	return produced, nil
}

// completionNote is empty when every requested quality was produced.
func completionNote(analysis *analyzer.Analysis, produced []string, failures []rejected) string {
	var parts []string
	for _, q := range analysis.Qualities {
		if !q.Accepted {
			parts = append(parts, fmt.Sprintf("skipped %s (%s)", q.Quality, q.Reason))
		}
	}
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("rejected %s (%s)", f.quality, transcoder.UserMessage(f.err)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "produced " + strings.Join(produced, ", ") + "; " + strings.Join(parts, "; ")
}
