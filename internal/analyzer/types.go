package analyzer

import (
	"fmt"
	"strings"
	"time"

	"media-optimizer/internal/transcoder"
)

// Reason identifies why a file was rejected outright.
type Reason string

// Rejection reasons.
const (
	ReasonNotFound        Reason = "not_found"
	ReasonNotAFile        Reason = "not_a_file"
	ReasonTooSmall        Reason = "too_small"
	ReasonUnsupportedType Reason = "unsupported_type"
	ReasonProbeFailed     Reason = "probe_failed"
	ReasonNoVideo         Reason = "no_video"
	ReasonEfficientCodec  Reason = "efficient_codec"
)

// Rejection is an expected "not worth transcoding" outcome.
type Rejection struct {
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}

// QualityDecision records the estimate and verdict for one quality level.
type QualityDecision struct {
	Quality          string  `json:"quality"`
	Accepted         bool    `json:"accepted"`
	EstimatedSize    int64   `json:"estimatedSize"`
	EstimatedSavings int64   `json:"estimatedSavings"`
	SavingsPercent   float64 `json:"savingsPercent"`
	Heuristic        bool    `json:"heuristic"`
	Reason           string  `json:"reason,omitempty"`
}

// Analysis is the outcome of analyzing one file.
type Analysis struct {
	Path       string                `json:"path"`
	Size       int64                 `json:"size"`
	MimeType   string                `json:"mimeType,omitempty"`
	Info       *transcoder.MediaInfo `json:"info,omitempty"`
	CodecScore int                   `json:"codecScore"`
	Rejection  *Rejection            `json:"rejection,omitempty"`
	Qualities  []QualityDecision     `json:"qualities,omitempty"`
	Accepted   []string              `json:"accepted"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// ShouldTranscode reports whether at least one quality was accepted.
func (a *Analysis) ShouldTranscode() bool {
	return a.Rejection == nil && len(a.Accepted) > 0
}

// Decision is the metrics label for the outcome.
func (a *Analysis) Decision() string {
	switch {
	case a.Rejection != nil:
		return string(a.Rejection.Reason)
	case len(a.Accepted) > 0:
		return "accepted"
	default:
		return "skipped"
	}
}

// Summary renders the outcome as one line suitable for a job note.
func (a *Analysis) Summary() string {
	if a.Rejection != nil {
		return "not transcoded: " + a.Rejection.String()
	}
	var skipped []string
	for _, q := range a.Qualities {
		if !q.Accepted {
			skipped = append(skipped, fmt.Sprintf("%s (%s)", q.Quality, q.Reason))
		}
	}
	if len(a.Accepted) == 0 {
		return "nothing worth transcoding: " + strings.Join(skipped, "; ")
	}
	if len(skipped) == 0 {
		return "transcoding " + strings.Join(a.Accepted, ", ")
	}
	return "transcoding " + strings.Join(a.Accepted, ", ") + "; skipped " + strings.Join(skipped, "; ")
}
