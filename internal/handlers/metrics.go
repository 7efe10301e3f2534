package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the default Prometheus registry, where every
// collector in the metrics package registers.
func (h *Handlers) MetricsHandler() http.Handler {
	return promhttp.Handler()
}
