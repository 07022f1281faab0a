package handlers

import (
	"io/fs"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP API. Everything under /api/v1 requires
// apiToken when it is set. A non-nil static filesystem is served as the web
// client for any other path.
func NewRouter(apiToken string, static fs.FS) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(apiToken))

		r.Get("/ws", TerminalWS)

		r.Get("/sessions", ListSessions)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", CloseSession)
		r.Get("/sessions/{id}/events", GetSessionEvents)

		r.Get("/endpoints", ListEndpoints)
		r.Post("/endpoints", CreateEndpoint)
		r.Get("/endpoints/{id}", GetEndpoint)
		r.Put("/endpoints/{id}", UpdateEndpoint)
		r.Delete("/endpoints/{id}", DeleteEndpoint)

		r.Get("/folders", ListFolders)
		r.Post("/folders", CreateFolder)
		r.Delete("/folders/*", DeleteFolder)

		r.Get("/audit", GetAuditLogs)

		r.Get("/recordings", ListRecordings)
		r.Get("/recordings/{name}", GetRecording)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})

	if static != nil {
		spa := middleware.NewSPAHandler(static)
		r.NotFound(spa.ServeHTTP)
	}

	return r
}
