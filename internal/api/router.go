// Package api assembles the chi router and its middleware stack.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateGeneration http.HandlerFunc
	GetGeneration    http.HandlerFunc
	CancelGeneration http.HandlerFunc
	StreamGeneration http.HandlerFunc

	ComputeCallback http.HandlerFunc

	CreateWebhook http.HandlerFunc
	ListWebhooks  http.HandlerFunc
	DeleteWebhook http.HandlerFunc

	GetAccount http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
// The compute callback route sits outside the API-key group; the backend
// authenticates with its own static token inside the handler.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Post("/api/v1/callbacks/compute", orNotImplemented(deps.ComputeCallback))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/generations", orNotImplemented(deps.CreateGeneration))
		r.Get("/api/v1/generations/{id}", orNotImplemented(deps.GetGeneration))
		r.Post("/api/v1/generations/{id}/cancel", orNotImplemented(deps.CancelGeneration))
		r.Get("/api/v1/generations/{id}/stream", orNotImplemented(deps.StreamGeneration))

		r.Post("/api/v1/webhooks", orNotImplemented(deps.CreateWebhook))
		r.Get("/api/v1/webhooks", orNotImplemented(deps.ListWebhooks))
		r.Delete("/api/v1/webhooks/{id}", orNotImplemented(deps.DeleteWebhook))

		r.Get("/api/v1/account", orNotImplemented(deps.GetAccount))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
