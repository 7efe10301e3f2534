package memory

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// Config holds memory monitor configuration
type Config struct {
	// MemoryLimitBytes is the soft memory limit (0 = use GOMEMLIMIT or no limit)
	MemoryLimitBytes int64

	// ResumeWaterMark is the usage ratio below which a paused monitor resumes (0.0-1.0)
	ResumeWaterMark float64

	// PauseWaterMark is the usage ratio at which new work is held back (0.0-1.0)
	PauseWaterMark float64

	// CheckInterval is how often to sample heap usage
	CheckInterval time.Duration
}

// DefaultConfig returns the defaults used by the dispatcher gate.
func DefaultConfig() Config {
	return Config{
		ResumeWaterMark: 0.7,
		PauseWaterMark:  0.85,
		CheckInterval:   5 * time.Second,
	}
}

// Monitor samples heap usage and tells the job dispatcher when to stop
// starting new jobs. Jobs already running are never interrupted.
type Monitor struct {
	config   Config
	limit    int64
	sample   func() uint64
	stopChan chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	current uint64
	paused  bool
	resumed chan struct{}
}

// NewMonitor creates a new memory monitor
func NewMonitor(config Config) *Monitor {
	limit := config.MemoryLimitBytes
	if limit == 0 {
		if goMemLimit := debug.SetMemoryLimit(-1); goMemLimit > 0 && goMemLimit < 1<<62 {
			limit = goMemLimit
		}
	}

	if limit == 0 {
		logging.Debug("Memory monitor: no memory limit configured, dispatch gate disabled")
	}

	return &Monitor{
		config:   config,
		limit:    limit,
		sample:   heapAlloc,
		stopChan: make(chan struct{}),
		resumed:  make(chan struct{}),
	}
}

func heapAlloc() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// Start begins sampling. It is a no-op without a limit.
func (m *Monitor) Start() {
	if m.limit == 0 {
		return
	}
	go m.monitorLoop()
}

// Stop stops the monitor and releases anyone waiting on Resumed.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.mu.Lock()
		if m.paused {
			m.paused = false
			close(m.resumed)
			m.resumed = make(chan struct{})
		}
		m.mu.Unlock()
	})
}

func (m *Monitor) monitorLoop() {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkMemory()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) checkMemory() {
	alloc := m.sample()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = alloc
	if m.limit <= 0 {
		return
	}

	usage := float64(alloc) / float64(m.limit)
	metrics.MemoryUsageRatio.Set(usage)

	switch {
	case usage >= m.config.PauseWaterMark && !m.paused:
		logging.Warn("Memory critical (%.1f%% of limit), holding back new jobs", usage*100)
		m.paused = true
		metrics.MemoryPaused.Set(1)
		go runtime.GC()
	case usage < m.config.ResumeWaterMark && m.paused:
		logging.Info("Memory recovered (%.1f%% of limit), resuming dispatch", usage*100)
		m.paused = false
		metrics.MemoryPaused.Set(0)
		close(m.resumed)
		m.resumed = make(chan struct{})
	}
}

// Paused reports whether new work should be held back.
func (m *Monitor) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Resumed returns a channel closed the next time the monitor leaves the
// paused state (or stops).
func (m *Monitor) Resumed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resumed
}

// Usage returns heap usage as a fraction of the limit, 0 without a limit.
func (m *Monitor) Usage() float64 {
	if m.limit == 0 {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(m.current) / float64(m.limit)
}
