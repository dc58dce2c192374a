package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/synapse/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *noteservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/*", h.GetNote)
	r.Put("/notes/*", h.UpdateNote)
	r.Delete("/notes/*", h.DeleteNote)

	// Search.
	r.Get("/search", h.Search)

	// Links.
	r.Get("/links", h.Links)
	r.Delete("/links", h.RemoveLink)
	r.Post("/links/restore", h.RestoreLink)
	r.Get("/backlinks", h.Backlinks)
	r.Get("/similar", h.Similar)
	r.Get("/concepts", h.Concepts)

	// Authored references.
	r.Get("/references", h.References)
	r.Get("/referrers", h.Referrers)
	r.Get("/linked", h.Linked)

	// Maintenance.
	r.Get("/maintenance/check", h.Check)
	r.Post("/maintenance/rebuild", h.Rebuild)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
