package handlers

import (
	"fmt"
	"net/http"
	"strings"
)

const maxBatchPaths = 100

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	Path      string   `json:"path"`
	Qualities []string `json:"qualities,omitempty"`
}

// BatchAnalyzeRequest is the body of POST /api/analyze/batch.
type BatchAnalyzeRequest struct {
	Paths     []string `json:"paths"`
	Qualities []string `json:"qualities,omitempty"`
}

// Analyze reports what a job for the file would produce without queueing
// anything. A rejected file is a normal 200 response carrying the rejection.
// POST /api/analyze
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}

	analysis, err := h.svc.AnalyzeFile(r.Context(), req.Path, req.Qualities)
	if err != nil {
		writeError(w, r, "analyze", err)
		return
	}
	respondJSON(w, http.StatusOK, analysis)
}

// AnalyzeBatch analyzes several files; results keep the request order.
// POST /api/analyze/batch
func (h *Handlers) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchAnalyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case len(req.Paths) == 0:
		writeJSONError(w, "paths is required", http.StatusBadRequest)
		return
	case len(req.Paths) > maxBatchPaths:
		writeJSONError(w, fmt.Sprintf("at most %d paths per batch", maxBatchPaths), http.StatusBadRequest)
		return
	}

	results, err := h.svc.AnalyzeBatch(r.Context(), req.Paths, req.Qualities)
	if err != nil {
		writeError(w, r, "batch analyze", err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}
