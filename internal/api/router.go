package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/mediaforge/internal/api/middleware"
	"github.com/kiranshivaraju/mediaforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	// MediaHandler serves objects written by the local storage backend.
	MediaHandler http.Handler

	SubmitJob       http.HandlerFunc
	ListJobs        http.HandlerFunc
	GetJob          http.HandlerFunc
	CancelJob       http.HandlerFunc
	PersistJob      http.HandlerFunc
	DeleteJob       http.HandlerFunc
	StartTraining   http.HandlerFunc
	StartConversion http.HandlerFunc

	ListCredentials  http.HandlerFunc
	PutCredential    http.HandlerFunc
	DeleteCredential http.HandlerFunc
	PutStorage       http.HandlerFunc
	DeleteStorage    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.MediaHandler != nil {
		r.Method(http.MethodGet, "/media/*", deps.MediaHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Post("/", orNotImplemented(deps.SubmitJob))
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.Get("/{jobID}", orNotImplemented(deps.GetJob))
			r.Delete("/{jobID}", orNotImplemented(deps.DeleteJob))
			r.Post("/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/{jobID}/persist", orNotImplemented(deps.PersistJob))
		})

		r.Post("/api/v1/clones/{cloneID}/training", orNotImplemented(deps.StartTraining))
		r.Post("/api/v1/models/{modelID}/conversions", orNotImplemented(deps.StartConversion))

		r.Get("/api/v1/credentials", orNotImplemented(deps.ListCredentials))
		r.Put("/api/v1/credentials/{provider}", orNotImplemented(deps.PutCredential))
		r.Delete("/api/v1/credentials/{provider}", orNotImplemented(deps.DeleteCredential))

		r.Put("/api/v1/storage", orNotImplemented(deps.PutStorage))
		r.Delete("/api/v1/storage", orNotImplemented(deps.DeleteStorage))
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
