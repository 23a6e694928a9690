package server

import (
	"net/http"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health and version
	mux.HandleFunc("/health", s.app.HealthHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.versionHandler)

	// Job read surface and operator retry
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.JobHandler) // /{id}, /{id}/events, /{id}/retry

	// Media-server webhook ingress, /webhooks/{source}
	mux.HandleFunc("/webhooks", s.app.WebhookHandler.Handle)
	mux.HandleFunc("/webhooks/", s.app.WebhookHandler.Handle)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// versionHandler reports the build version.
func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	if !handlers.RequireMethod(w, r, http.MethodGet) {
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetFullVersion(),
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "not found")
}
