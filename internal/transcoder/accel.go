package transcoder

import (
	"context"
	"sort"
	"time"
)

// AcceleratorReport is the result of TestAccelerator.
type AcceleratorReport struct {
	Mode       GPUAccel      `json:"mode"`
	Available  bool          `json:"available"`
	Encoder    string        `json:"encoder,omitempty"`
	Encoders   []string      `json:"encoders"`
	TestEncode bool          `json:"testEncode"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// TestAccelerator lists the hardware encoders compiled into ffmpeg and runs a
// one-second synthetic encode on the selected one.
func (t *Transcoder) TestAccelerator(ctx context.Context) AcceleratorReport {
	start := time.Now()

	t.gpuMu.RLock()
	report := AcceleratorReport{
		Mode:      t.gpuAccel,
		Available: t.gpuAvailable,
		Encoder:   t.gpuEncoder,
		Encoders:  []string{},
		Error:     t.gpuError,
	}
	t.gpuMu.RUnlock()

	available, err := t.listEncoders(ctx)
	if err != nil {
		report.Error = err.Error()
		report.Duration = time.Since(start)
		return report
	}
	for _, byCodec := range gpuEncoderNames {
		for _, name := range byCodec {
			if available[name] {
				report.Encoders = append(report.Encoders, name)
			}
		}
	}
	sort.Strings(report.Encoders)

	if report.Mode != GPUAccelNone && report.Mode != GPUAccelAuto && report.Encoder != "" {
		if err := t.testEncode(ctx, report.Mode, report.Encoder); err != nil {
			report.Error = UserMessage(err)
		} else {
			report.TestEncode = true
			report.Error = ""
		}
	}
	report.Duration = time.Since(start)
	return report
}
