package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCount(t *testing.T) {
	t.Setenv(OverrideEnv, "")

	availableCPU := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		minExpect  int
		maxExpect  int
	}{
		{"CPU-bound task", 1.0, 0, 1, availableCPU},
		{"I/O-bound task", 2.0, 0, 1, availableCPU * 2},
		{"Mixed task", 1.5, 0, 1, maxInt(1, int(float64(availableCPU)*1.5))},
		{"With limit lower than calculated", 2.0, 2, 1, 2},
		{"Very low multiplier", 0.1, 0, 1, maxInt(1, int(float64(availableCPU)*0.1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Count(tt.multiplier, tt.limit)
			if got < tt.minExpect || got > tt.maxExpect {
				t.Errorf("Count(%v, %d) = %d, want in [%d, %d]", tt.multiplier, tt.limit, got, tt.minExpect, tt.maxExpect)
			}
		})
	}
}

func TestCountWithEnvOverride(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		limit    int
		expected int
	}{
		{"Valid override", "8", 0, 8},
		{"Override capped by limit", "8", 4, 4},
		{"Invalid override ignored", "abc", 1, 1},
		{"Zero override ignored", "0", 1, 1},
		{"Negative override ignored", "-3", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(OverrideEnv, tt.envValue)
			if got := Count(2.0, tt.limit); got != tt.expected {
				t.Errorf("Count() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestForHelpersRespectLimit(t *testing.T) {
	t.Setenv(OverrideEnv, "")

	for name, fn := range map[string]func(int) int{"ForCPU": ForCPU, "ForIO": ForIO, "ForMixed": ForMixed} {
		if got := fn(1); got != 1 {
			t.Errorf("%s(1) = %d, want 1", name, got)
		}
	}
}

func TestForEachVisitsEveryIndex(t *testing.T) {
	t.Parallel()

	const n = 50
	var mu sync.Mutex
	seen := make(map[int]int)

	ForEach(context.Background(), 4, n, func(_ context.Context, i int) {
		mu.Lock()
		seen[i]++
		mu.Unlock()
	})

	if len(seen) != n {
		t.Fatalf("visited %d indices, want %d", len(seen), n)
	}
	for i, count := range seen {
		if count != 1 {
			t.Errorf("index %d visited %d times", i, count)
		}
	}
}

func TestForEachBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var current, peak int32
	ForEach(context.Background(), 3, 20, func(_ context.Context, _ int) {
		now := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	})

	if peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}

func TestForEachStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	ForEach(ctx, 1, 100, func(_ context.Context, i int) {
		if atomic.AddInt32(&calls, 1) == 5 {
			cancel()
		}
	})

	if got := atomic.LoadInt32(&calls); got >= 100 {
		t.Errorf("calls = %d, cancellation did not stop feeding", got)
	}
}

func TestForEachEmpty(t *testing.T) {
	t.Parallel()
	ForEach(context.Background(), 4, 0, func(context.Context, int) {
		t.Error("fn called for empty input")
	})
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
