package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/cardscan/internal/api/middleware"
	"github.com/kiranshivaraju/cardscan/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	SubmitScanHandler http.HandlerFunc
	GetScanHandler    http.HandlerFunc
	BudgetHandler     http.HandlerFunc
	SweepHandler      http.HandlerFunc
	CreateKeyHandler  http.HandlerFunc
	ListKeysHandler   http.HandlerFunc
	RevokeKeyHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope("scans:write")).
			Post("/api/v1/scans", orNotImplemented(deps.SubmitScanHandler))
		r.With(deps.Auth.RequireScope("scans:read")).
			Get("/api/v1/scans/{scanID}", orNotImplemented(deps.GetScanHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/admin/budget", orNotImplemented(deps.BudgetHandler))
			r.Post("/api/v1/admin/sweep", orNotImplemented(deps.SweepHandler))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
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
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
