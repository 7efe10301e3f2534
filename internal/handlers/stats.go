package handlers

import (
	"net/http"
	"strconv"

	"media-optimizer/internal/logging"
)

// StorageAnalytics returns the cached storage snapshot.
// GET /api/storage/analytics?refresh=true
func (h *Handlers) StorageAnalytics(w http.ResponseWriter, r *http.Request) {
	refresh := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		var err error
		if refresh, err = strconv.ParseBool(raw); err != nil {
			writeJSONError(w, "refresh must be a boolean", http.StatusBadRequest)
			return
		}
	}

	snapshot, err := h.svc.StorageAnalytics(r.Context(), refresh)
	if err != nil {
		writeError(w, r, "storage analytics", err)
		return
	}
	respondJSON(w, http.StatusOK, snapshot)
}

// CompressionStats aggregates every recorded result.
// GET /api/stats/compression
func (h *Handlers) CompressionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CompressionStats(r.Context())
	if err != nil {
		writeError(w, r, "compression stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ForceCleanup runs every cleanup pass now and returns the report. A run
// already in progress gives 409.
// POST /api/cleanup
func (h *Handlers) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.ForceCleanup(r.Context())
	if err != nil {
		writeError(w, r, "cleanup", err)
		return
	}
	logging.Info("Manual cleanup removed %d files and %d rows", report.FilesCleaned, report.RowsRemoved)
	respondJSON(w, http.StatusOK, report)
}

// CleanupStats returns lifetime cleanup totals.
// GET /api/cleanup/stats
func (h *Handlers) CleanupStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.CleanupStats(r.Context()))
}

// TestAccelerator runs a synthetic encode on the hardware encoder.
// GET /api/accelerator
func (h *Handlers) TestAccelerator(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.TestAccelerator(r.Context())
	if err != nil {
		writeError(w, r, "accelerator test", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ProgressStats returns the progress tracker's counters.
// GET /api/stats/progress
func (h *Handlers) ProgressStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.ProgressStats())
}
