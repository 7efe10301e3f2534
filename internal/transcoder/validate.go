package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"

	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// Validate checks an encoder output against the original size. On success it
// returns the output size. On failure the output is deleted and a
// *ValidationError names the check that failed.
func (t *Transcoder) Validate(ctx context.Context, outputPath string, originalSize int64) (int64, error) {
	size, err := t.checkOutput(ctx, outputPath, originalSize)
	if err == nil {
		return size, nil
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		metrics.ValidationFailuresTotal.WithLabelValues(ve.Check).Inc()
		logging.Warn("Output %s rejected: %v", outputPath, ve)
		if ve.Check != CheckMissing {
			removeOutput(outputPath)
		}
	}
	return 0, err
}

func (t *Transcoder) checkOutput(ctx context.Context, outputPath string, originalSize int64) (int64, error) {
	info, err := os.Stat(outputPath)
	if err != nil || info.IsDir() {
		return 0, &ValidationError{Check: CheckMissing, OriginalSize: originalSize}
	}
	size := info.Size()

	if size < t.minOutputSize {
		return 0, &ValidationError{Check: CheckTooSmall, OutputSize: size, OriginalSize: originalSize}
	}

	if t.preventInflation && originalSize > 0 && size >= originalSize {
		return 0, &ValidationError{Check: CheckInflation, OutputSize: size, OriginalSize: originalSize}
	}

	if originalSize > 0 && t.minCompressionPercent > 0 {
		saved := float64(originalSize-size) / float64(originalSize) * 100
		if saved < t.minCompressionPercent {
			return 0, &ValidationError{
				Check:        CheckInsufficientCompression,
				OutputSize:   size,
				OriginalSize: originalSize,
				Detail:       fmt.Sprintf("saved %.1f%%, need at least %.1f%%", saved, t.minCompressionPercent),
			}
		}
	}

	probed, err := t.Probe(ctx, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &ValidationError{Check: CheckIntegrity, OutputSize: size, OriginalSize: originalSize, Detail: UserMessage(err)}
	}
	if !probed.HasVideo {
		return 0, &ValidationError{Check: CheckIntegrity, OutputSize: size, OriginalSize: originalSize, Detail: "no video stream"}
	}
	if probed.Duration <= 0 {
		return 0, &ValidationError{Check: CheckIntegrity, OutputSize: size, OriginalSize: originalSize, Detail: "zero duration"}
	}
	return size, nil
}

// Verify reports whether a file passes an integrity probe. Used by the
// cleanup sweep, which does not compare against an original.
func (t *Transcoder) Verify(ctx context.Context, path string) error {
	info, err := t.Probe(ctx, path)
	if err != nil {
		return err
	}
	if !info.HasVideo || info.Duration <= 0 {
		return fmt.Errorf("%s has no playable video stream", path)
	}
	return nil
}
