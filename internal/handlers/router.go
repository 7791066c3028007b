package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/claworc/chanmux/internal/metrics"
)

// NewRouter builds the endpoint's routes.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", HealthCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ssh", SSHConnect)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", ListConnections)
		r.Get("/connections/{id}", GetConnection)
		r.Delete("/connections/{id}", CloseConnection)
		r.Get("/events", GetConnectionEvents)

		r.Get("/audit", GetAuditLogs)
		r.Delete("/audit", PurgeAuditLogs)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})
	return r
}
