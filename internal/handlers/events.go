package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"media-optimizer/internal/logging"
)

const eventBuffer = 64

// Events streams progress updates as server-sent events. The optional job
// query parameter limits the stream to one job. A slow client loses
// updates rather than holding up the pipeline.
// GET /api/events?job={id}
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	jobID := r.URL.Query().Get("job")

	sub := h.svc.Subscribe(eventBuffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			if jobID != "" && u.JobID != jobID {
				continue
			}
			data, err := json.Marshal(u)
			if err != nil {
				logging.Warn("Failed to encode progress update for %s: %v", u.JobID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
