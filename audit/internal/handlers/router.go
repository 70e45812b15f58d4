package handlers

import (
	"net/http"

	"github.com/telhawk-systems/telhawk-audit/common/middleware"
)

// NewRouter registers the audit API routes.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/audit/events", h.CreateEvent)
	mux.HandleFunc("POST /api/v1/audit/events/batch", h.CreateEvents)
	mux.HandleFunc("GET /api/v1/audit/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/audit/events/{id}", h.GetEvent)
	mux.HandleFunc("POST /api/v1/audit/events/{id}/resolve", h.ResolveEvent)
	mux.HandleFunc("GET /api/v1/audit/events/{id}/verify", h.VerifyEvent)
	return middleware.ActorFromHeaders(mux)
}
