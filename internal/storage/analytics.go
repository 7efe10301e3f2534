package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"media-optimizer/internal/database"
	"media-optimizer/internal/filesystem"
	"media-optimizer/internal/logging"
	"media-optimizer/internal/metrics"
)

// AnalyticsMetric is the storage_analytics row name for the snapshot.
const AnalyticsMetric = "storage_overview"

// Defaults applied by New.
const (
	DefaultAnalyticsTTL  = 15 * time.Minute
	DefaultCorruptedSize = 1024

	directoryOutput = "output"
	directoryTemp   = "temp"
	directoryChunks = "chunks"
)

// Store is the slice of the database the storage manager needs.
type Store interface {
	ListResults(ctx context.Context, filter database.ResultFilter) ([]*database.Result, error)
	SaveAnalytics(ctx context.Context, record *database.AnalyticsRecord) error
	LatestAnalytics(ctx context.Context, name string) (*database.AnalyticsRecord, error)
}

// Config configures a Manager.
type Config struct {
	MediaDir  string
	OutputDir string
	TempDir   string
	ChunkDir  string
	Layout    Layout

	AnalyticsTTL time.Duration
	// CorruptedSize is the output size below which a result is not counted.
	CorruptedSize int64
	MaxNameLength int
}

// Size is a byte count with its human-readable form.
type Size struct {
	Bytes     int64  `json:"bytes"`
	Formatted string `json:"formatted"`
}

// NewSize formats b with binary units.
func NewSize(b int64) Size {
	return Size{Bytes: b, Formatted: humanize.IBytes(uint64(max(b, 0)))}
}

// DirectoryUsage is the size of one managed tree.
type DirectoryUsage struct {
	Path  string `json:"path"`
	Size  Size   `json:"size"`
	Files int    `json:"files"`
}

// Snapshot is the cached storage overview.
//
// TotalOriginal counts each source file once. SpaceSaved is, per source, the
// original size minus its smallest live output.
type Snapshot struct {
	TotalOriginal   Size                      `json:"totalOriginal"`
	TotalTranscoded Size                      `json:"totalTranscoded"`
	SpaceSaved      Size                      `json:"spaceSaved"`
	SavedPercent    float64                   `json:"savedPercent"`
	Sources         int                       `json:"sources"`
	Results         int                       `json:"results"`
	MissingOutputs  int                       `json:"missingOutputs"`
	Directories     map[string]DirectoryUsage `json:"directories"`
	ComputedAt      time.Time                 `json:"computedAt"`
	ExpiresAt       time.Time                 `json:"expiresAt"`
}

// Manager computes paths and maintains the analytics snapshot.
type Manager struct {
	cfg   Config
	store Store
	retry filesystem.RetryConfig
	now   func() time.Time

	mu          sync.Mutex
	cached      *Snapshot
	invalidated bool
	loaded      bool

	// refreshMu serializes recomputation.
	refreshMu sync.Mutex
}

// New creates a Manager.
func New(cfg Config, store Store) *Manager {
	if cfg.Layout == "" {
		cfg.Layout = LayoutDate
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = DefaultAnalyticsTTL
	}
	if cfg.CorruptedSize <= 0 {
		cfg.CorruptedSize = DefaultCorruptedSize
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = DefaultMaxNameLength
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		retry: filesystem.DefaultRetryConfig(),
		now:   time.Now,
	}
}

// Cached returns the analytics snapshot, recomputing it only when it has
// expired or been invalidated. After a restart the last persisted snapshot
// is reused while still fresh.
func (m *Manager) Cached(ctx context.Context) (*Snapshot, error) {
	if snap := m.fresh(ctx); snap != nil {
		metrics.AnalyticsCacheHits.Inc()
		return snap, nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if snap := m.fresh(ctx); snap != nil {
		metrics.AnalyticsCacheHits.Inc()
		return snap, nil
	}
	metrics.AnalyticsCacheMisses.Inc()
	return m.refreshLocked(ctx)
}

// Refresh recomputes the snapshot unconditionally.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked(ctx)
}

// Invalidate forces the next Cached call to recompute.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.invalidated = true
}

// fresh returns a copy of the cached snapshot if it has not expired,
// loading the persisted one on first use.
func (m *Manager) fresh(ctx context.Context) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached == nil && !m.loaded && !m.invalidated {
		m.loaded = true
		if snap := m.loadPersisted(ctx); snap != nil {
			m.cached = snap
		}
	}
	if m.cached == nil || !m.now().Before(m.cached.ExpiresAt) {
		return nil
	}
	return m.cached.clone()
}

func (m *Manager) loadPersisted(ctx context.Context) *Snapshot {
	if m.store == nil {
		return nil
	}
	rec, err := m.store.LatestAnalytics(ctx, AnalyticsMetric)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			logging.Warn("failed to load persisted storage analytics: %v", err)
		}
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Value, &snap); err != nil {
		logging.Warn("discarding unreadable storage analytics row %d: %v", rec.ID, err)
		return nil
	}
	snap.ExpiresAt = rec.ExpiresAt
	return &snap
}

func (m *Manager) refreshLocked(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := m.compute(ctx)
	if err != nil {
		return nil, err
	}
	metrics.AnalyticsRecomputeDuration.Observe(time.Since(start).Seconds())

	if m.store != nil {
		value, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to encode storage analytics: %w", err)
		}
		rec := &database.AnalyticsRecord{
			MetricName: AnalyticsMetric,
			Value:      value,
			ExpiresAt:  snap.ExpiresAt,
			CreatedAt:  snap.ComputedAt,
		}
		if err := m.store.SaveAnalytics(ctx, rec); err != nil {
			logging.Warn("failed to persist storage analytics: %v", err)
		}
	}

	m.mu.Lock()
	m.cached = snap
	m.invalidated = false
	m.loaded = true
	m.mu.Unlock()

	metrics.StorageBytes.WithLabelValues("original").Set(float64(snap.TotalOriginal.Bytes))
	metrics.StorageBytes.WithLabelValues("transcoded").Set(float64(snap.TotalTranscoded.Bytes))
	metrics.StorageBytes.WithLabelValues("saved").Set(float64(snap.SpaceSaved.Bytes))
	for name, usage := range snap.Directories {
		metrics.StorageDirectoryBytes.WithLabelValues(name).Set(float64(usage.Size.Bytes))
	}

	logging.Debug("Storage analytics recomputed in %v: %s saved across %d sources",
		time.Since(start).Round(time.Millisecond), snap.SpaceSaved.Formatted, snap.Sources)
	return snap.clone(), nil
}

func (m *Manager) compute(ctx context.Context) (*Snapshot, error) {
	now := m.now()
	snap := &Snapshot{
		Directories: make(map[string]DirectoryUsage),
		ComputedAt:  now,
		ExpiresAt:   now.Add(m.cfg.AnalyticsTTL),
	}

	for name, dir := range map[string]string{
		directoryOutput: m.cfg.OutputDir,
		directoryTemp:   m.cfg.TempDir,
		directoryChunks: m.cfg.ChunkDir,
	} {
		if dir == "" {
			continue
		}
		size, files, err := DirSize(dir)
		if err != nil {
			logging.Warn("failed to size %s directory %s: %v", name, dir, err)
		}
		snap.Directories[name] = DirectoryUsage{Path: dir, Size: NewSize(size), Files: files}
	}

	if m.store == nil {
		return snap, nil
	}
	results, err := m.store.ListResults(ctx, database.ResultFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	type source struct {
		original int64
		smallest int64
	}
	sources := make(map[string]*source)
	var transcoded int64

	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := filesystem.StatWithRetry(r.OutputPath, m.retry)
		if err != nil || info.Size() < m.cfg.CorruptedSize {
			snap.MissingOutputs++
			continue
		}
		size := info.Size()
		snap.Results++
		transcoded += size

		s, ok := sources[r.OriginalPath]
		if !ok {
			sources[r.OriginalPath] = &source{original: r.OriginalSize, smallest: size}
			continue
		}
		s.smallest = min(s.smallest, size)
	}

	var original, saved int64
	for _, s := range sources {
		original += s.original
		saved += max(s.original-s.smallest, 0)
	}

	snap.Sources = len(sources)
	snap.TotalOriginal = NewSize(original)
	snap.TotalTranscoded = NewSize(transcoded)
	snap.SpaceSaved = NewSize(saved)
	if original > 0 {
		snap.SavedPercent = float64(saved) / float64(original) * 100
	}
	return snap, nil
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Directories = make(map[string]DirectoryUsage, len(s.Directories))
	for k, v := range s.Directories {
		c.Directories[k] = v
	}
	return &c
}
