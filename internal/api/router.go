package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/cogrelay/internal/api/middleware"
	"github.com/kiranshivaraju/cogrelay/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	CreatePrediction http.HandlerFunc
	GetPrediction    http.HandlerFunc
	WorkerWebSocket  http.HandlerFunc
	PoolStatus       http.HandlerFunc
	ModelFiles       http.HandlerFunc
	Outputs          http.HandlerFunc
	Upload           http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.NotFound(w, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public routes. Prediction ids and file keys are unguessable.
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Get("/v1/predictions/{id}", orNotImplemented(deps.GetPrediction))
	r.Get("/outputs/*", orNotImplemented(deps.Outputs))
	r.Get("/v1/models/{owner}/{name}/files/*", orNotImplemented(deps.ModelFiles))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/v1/models/{owner}/{name}/websocket", orNotImplemented(deps.WorkerWebSocket))
		r.Get("/v1/models/{owner}/{name}/status", orNotImplemented(deps.PoolStatus))
		r.Post("/upload", orNotImplemented(deps.Upload))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireAllow)

			r.Post("/v1/predictions", orNotImplemented(deps.CreatePrediction))
		})
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
