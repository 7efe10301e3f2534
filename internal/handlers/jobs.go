package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"media-optimizer/internal/database"
	"media-optimizer/internal/jobs"
	"media-optimizer/internal/logging"

	"github.com/gorilla/mux"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	InputPath   string            `json:"inputPath"`
	Qualities   []string          `json:"qualities,omitempty"`
	Priority    int               `json:"priority,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	MaxAttempts int               `json:"maxAttempts,omitempty"`
}

// SubmitResponse reports the job and whether this request created it.
type SubmitResponse struct {
	Job     *database.Job `json:"job"`
	Created bool          `json:"created"`
}

// SubmitJob queues a transcode. Submitting a path that already has an
// active job returns that job with 200 instead of 201.
// POST /api/jobs
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.InputPath) == "" {
		writeJSONError(w, "inputPath is required", http.StatusBadRequest)
		return
	}

	job, created, err := h.svc.SubmitJob(r.Context(), req.InputPath, jobs.SubmitOptions{
		Qualities:   req.Qualities,
		Priority:    req.Priority,
		Settings:    req.Settings,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, r, "submit job", err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
		logging.Debug("Queued job %s for %s", job.ID, job.InputPath)
	}
	respondJSON(w, code, SubmitResponse{Job: job, Created: created})
}

// ListJobs lists jobs, newest first.
// GET /api/jobs?status=failed,cancelled&limit=50&offset=0
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := database.JobFilter{Newest: true}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := database.JobStatus(strings.TrimSpace(s))
			if !status.Valid() {
				writeJSONError(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", defaultListLimit); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter.Limit = min(max(filter.Limit, 1), maxListLimit)
	filter.InputPath = r.URL.Query().Get("path")

	list, err := h.svc.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, "list jobs", err)
		return
	}
	if list == nil {
		list = []*database.Job{}
	}
	respondJSON(w, http.StatusOK, list)
}

// GetJob returns a job with its live progress and results.
// GET /api/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetJobStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, "get job", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// CancelJob cancels a queued or running job.
// POST /api/jobs/{id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.CancelJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, "cancel job", err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// RetryJob requeues a failed or cancelled job.
// POST /api/jobs/{id}/retry
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.RetryJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, "retry job", err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// GetQueue summarizes the queue.
// GET /api/queue?limit=50
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.svc.GetQueueStatus(r.Context(), min(limit, maxListLimit))
	if err != nil {
		writeError(w, r, "queue status", err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ClearQueue cancels running jobs and removes queued ones.
// DELETE /api/queue
func (h *Handlers) ClearQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ClearQueue(r.Context())
	if err != nil {
		writeError(w, r, "clear queue", err)
		return
	}
	logging.Info("Queue cleared: %d cancelled, %d removed", res.Cancelled, res.Removed)
	respondJSON(w, http.StatusOK, res)
}
