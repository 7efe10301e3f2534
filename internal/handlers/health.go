package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"media-optimizer/internal/engine"
	"media-optimizer/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

const pingTimeout = 2 * time.Second

// HealthResponse contains the health check response
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Uptime   string         `json:"uptime"`
	Database string         `json:"database"`
	Error    string         `json:"error,omitempty"`
	Running  int            `json:"running"`
	Jobs     map[string]int `json:"jobs,omitempty"`

	Accelerator engine.AcceleratorState `json:"accelerator"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck reports 200 while the database answers and 503 otherwise.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	response := HealthResponse{
		Status:       statusHealthy,
		Version:      startup.Version,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		Database:     h.svc.Backend(),
		Accelerator:  h.svc.Accelerator(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	code := http.StatusOK
	if err := h.svc.Ping(ctx); err != nil {
		response.Status = statusDegraded
		response.Error = "database unavailable"
		code = http.StatusServiceUnavailable
	} else {
		stats := h.svc.GetStats()
		response.Running = stats.Running
		response.Jobs = stats.JobsByStatus
	}

	respondJSON(w, code, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}
