package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestJobMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"JobsSubmittedTotal", JobsSubmittedTotal},
		{"JobTransitionsTotal", JobTransitionsTotal},
		{"JobsByStatus", JobsByStatus},
		{"JobsRunning", JobsRunning},
		{"JobRetriesTotal", JobRetriesTotal},
		{"JobDuration", JobDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestTranscoderMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"TranscodesTotal", TranscodesTotal},
		{"TranscodeDuration", TranscodeDuration},
		{"TranscodesInProgress", TranscodesInProgress},
		{"TranscodeBytesSaved", TranscodeBytesSaved},
		{"ValidationFailuresTotal", ValidationFailuresTotal},
		{"GPUFallbacksTotal", GPUFallbacksTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestInitializeMetricsPrepopulatesLabels(t *testing.T) {
	InitializeMetrics()

	tests := []struct {
		name string
		want int
		got  int
	}{
		{"JobTransitionsTotal", len(JobStatuses), testutil.CollectAndCount(JobTransitionsTotal)},
		{"ValidationFailuresTotal", len(ValidationChecks), testutil.CollectAndCount(ValidationFailuresTotal)},
		{"CleanupFilesRemoved", len(CleanupPasses), testutil.CollectAndCount(CleanupFilesRemoved)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got < tt.want {
				t.Errorf("%s exported %d series, want at least %d", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestSetAppInfo(t *testing.T) {
	SetAppInfo("1.0.0", "abc123", "go1.25", "sqlite")

	got := testutil.ToFloat64(AppInfo.WithLabelValues("1.0.0", "abc123", "go1.25", "sqlite"))
	if got != 1 {
		t.Errorf("AppInfo = %v, want 1", got)
	}
}
