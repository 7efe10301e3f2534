package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrCancelled is returned when an encode is stopped through Cancel.
var ErrCancelled = errors.New("transcode cancelled")

// Validation checks, in the order they run.
const (
	CheckMissing                 = "missing"
	CheckTooSmall                = "too_small"
	CheckInflation               = "inflation"
	CheckInsufficientCompression = "insufficient_compression"
	CheckIntegrity               = "integrity"
)

// ValidationError identifies which output check failed.
type ValidationError struct {
	Check        string
	OutputSize   int64
	OriginalSize int64
	Detail       string
}

func (e *ValidationError) Error() string {
	switch e.Check {
	case CheckMissing:
		return "output file was not produced"
	case CheckTooSmall:
		return fmt.Sprintf("output is too small (%s)", humanize.IBytes(uint64(max(e.OutputSize, 0))))
	case CheckInflation:
		return fmt.Sprintf("output (%s) is not smaller than the original (%s)",
			humanize.IBytes(uint64(max(e.OutputSize, 0))), humanize.IBytes(uint64(max(e.OriginalSize, 0))))
	case CheckInsufficientCompression:
		return fmt.Sprintf("insufficient compression: %s", e.Detail)
	case CheckIntegrity:
		return fmt.Sprintf("output failed integrity probe: %s", e.Detail)
	}
	return "output validation failed: " + e.Check
}

// ProcessError is a non-zero exit from ffmpeg or ffprobe.
type ProcessError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Stderr patterns that will fail again on retry with the same input.
var rePermanentFailure = regexp.MustCompile(
	`(?i)Invalid data found when processing input|` +
		`No such file or directory|` +
		`Unknown encoder|` +
		`Unrecognized option|` +
		`moov atom not found|` +
		`does not contain any stream`)

// Stderr patterns that mean the hardware encoder never started.
var reHardwareInit = regexp.MustCompile(
	`(?i)Cannot load libcuda|` +
		`No NVENC capable devices found|` +
		`OpenEncodeSessionEx failed|` +
		`Failed to initialise VAAPI|` +
		`Device creation failed|` +
		`Failed to create a VAAPI device|` +
		`Error creating a VideoToolbox session|` +
		`cannot open the hardware device|` +
		`Error while opening encoder for output stream .*(nvenc|vaapi|videotoolbox)|` +
		`Error initializing output stream .*: ?.*(nvenc|vaapi|videotoolbox)`)

// Permanent reports whether the failure would recur on an identical retry.
func (e *ProcessError) Permanent() bool {
	return rePermanentFailure.MatchString(e.Stderr)
}

func isHardwareInitFailure(err error) bool {
	var pe *ProcessError
	return errors.As(err, &pe) && reHardwareInit.MatchString(pe.Stderr)
}

// IsRetryable reports whether a pipeline failure is transient. Cancellation
// and data-integrity failures are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return !pe.Permanent()
	}
	return true
}

// UserMessage renders err as a short reason suitable for persisting on a job.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "output rejected: " + ve.Error()
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		msg := fmt.Sprintf("%s failed (exit code %d)", pe.Tool, pe.ExitCode)
		if line := lastLine(pe.Stderr); line != "" {
			msg += ": " + truncate(line, 200)
		}
		return msg
	}
	return truncate(err.Error(), 300)
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
