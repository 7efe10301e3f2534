package memory

import (
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.MemoryLimitBytes != 0 {
		t.Errorf("MemoryLimitBytes = %d, want 0", cfg.MemoryLimitBytes)
	}
	if cfg.ResumeWaterMark >= cfg.PauseWaterMark {
		t.Errorf("ResumeWaterMark %.2f must be below PauseWaterMark %.2f", cfg.ResumeWaterMark, cfg.PauseWaterMark)
	}
	if cfg.CheckInterval != 5*time.Second {
		t.Errorf("CheckInterval = %v, want 5s", cfg.CheckInterval)
	}
}

func TestResolveLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		env        map[string]string
		source     string
		configured bool
		goLimit    int64
		ratio      float64
	}{
		{name: "nothing set", env: map[string]string{}, source: "none"},
		{name: "GOMEMLIMIT wins", env: map[string]string{"GOMEMLIMIT": "1GiB", "MEMORY_LIMIT": "1000"}, source: "GOMEMLIMIT"},
		{
			name:       "default ratio",
			env:        map[string]string{"MEMORY_LIMIT": "1000000000"},
			source:     "MEMORY_LIMIT",
			configured: true,
			goLimit:    600000000,
			ratio:      DefaultMemoryRatio,
		},
		{
			name:       "custom ratio",
			env:        map[string]string{"MEMORY_LIMIT": "1000000000", "MEMORY_RATIO": "0.5"},
			source:     "MEMORY_LIMIT",
			configured: true,
			goLimit:    500000000,
			ratio:      0.5,
		},
		{
			name:       "out of range ratio falls back",
			env:        map[string]string{"MEMORY_LIMIT": "1000000000", "MEMORY_RATIO": "1.5"},
			source:     "MEMORY_LIMIT",
			configured: true,
			goLimit:    600000000,
			ratio:      DefaultMemoryRatio,
		},
		{
			name:       "unparsable ratio falls back",
			env:        map[string]string{"MEMORY_LIMIT": "1000000000", "MEMORY_RATIO": "half"},
			source:     "MEMORY_LIMIT",
			configured: true,
			goLimit:    600000000,
			ratio:      DefaultMemoryRatio,
		},
		{name: "invalid limit", env: map[string]string{"MEMORY_LIMIT": "lots"}, source: "none"},
		{name: "negative limit", env: map[string]string{"MEMORY_LIMIT": "-5"}, source: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := resolveLimit(envMap(tt.env))
			if got.Source != tt.source {
				t.Errorf("Source = %q, want %q", got.Source, tt.source)
			}
			if got.Configured != tt.configured {
				t.Errorf("Configured = %v, want %v", got.Configured, tt.configured)
			}
			if got.GoMemLimit != tt.goLimit {
				t.Errorf("GoMemLimit = %d, want %d", got.GoMemLimit, tt.goLimit)
			}
			if got.Ratio != tt.ratio {
				t.Errorf("Ratio = %v, want %v", got.Ratio, tt.ratio)
			}
		})
	}
}
