package metrics

import (
	"os"
	"sync"
	"time"

	"media-optimizer/internal/logging"
)

// StatsProvider interface for collecting stats
type StatsProvider interface {
	GetStats() Stats
}

// Stats holds the current statistics
type Stats struct {
	JobsByStatus map[string]int
	Running      int
	Tracked      int
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	dbPath        string
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewCollector creates a new metrics collector. dbPath may be empty when the
// store is not file-backed.
func NewCollector(provider StatsProvider, interval time.Duration, dbPath string) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		dbPath:        dbPath,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection. Safe to call more than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *Collector) collectLoop() {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectDBSize()

	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	for _, status := range JobStatuses {
		JobsByStatus.WithLabelValues(status).Set(float64(stats.JobsByStatus[status]))
	}
	JobsRunning.Set(float64(stats.Running))
	ProgressTrackedJobs.Set(float64(stats.Tracked))

	logging.Debug("Metrics collected: queued=%d, running=%d, tracked=%d",
		stats.JobsByStatus["queued"], stats.Running, stats.Tracked)
}

func (c *Collector) collectDBSize() {
	if c.dbPath == "" {
		return
	}

	files := map[string]string{
		"main": c.dbPath,
		"wal":  c.dbPath + "-wal",
		"shm":  c.dbPath + "-shm",
	}
	for label, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			DBSizeBytes.WithLabelValues(label).Set(0)
			continue
		}
		DBSizeBytes.WithLabelValues(label).Set(float64(info.Size()))
	}
}
