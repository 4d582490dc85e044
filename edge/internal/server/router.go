package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/telhawk-systems/telhawk-edge/common/middleware"
	"github.com/telhawk-systems/telhawk-edge/edge/internal/handlers"
)

// NewRouter constructs a ServeMux with the control API routes registered.
func NewRouter(h *handlers.ControlHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/events", h.Events)
	mux.HandleFunc("/v1/status", h.Status)
	mux.HandleFunc("/v1/flush", h.Flush)
	mux.HandleFunc("/v1/pause", h.Pause)
	mux.HandleFunc("/v1/resume", h.Resume)
	mux.HandleFunc("/v1/network/restored", h.NetworkRestored)
	mux.HandleFunc("/v1/dead-letters", h.DeadLetters)

	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
