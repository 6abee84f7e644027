package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/davidbz/tollgate/internal/config"
	"github.com/davidbz/tollgate/internal/http/middleware"
)

// RouterDeps holds what the router mounts besides the handler.
type RouterDeps struct {
	Handler  *Handler
	Admin    *config.AdminConfig
	Recorder middleware.HTTPRecorder
	Metrics  http.Handler
}

// NewRouter builds the chi router with all routes.
func NewRouter(deps RouterDeps) chi.Router {
	h := deps.Handler
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics(deps.Recorder))

	r.Get("/health", h.HandleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/calls", h.HandleCall)
		v1.Post("/quotes", h.HandleQuote)
		v1.Get("/providers", h.HandleProviders)
		v1.Get("/pricing", h.HandleGetPricing)

		v1.Group(func(admin chi.Router) {
			var key string
			if deps.Admin != nil {
				key = deps.Admin.APIKey
			}
			admin.Use(adminAuth(key))

			admin.Put("/pricing", h.HandleSwapPricing)
			admin.Post("/accounts", h.HandleCreateAccount)
			admin.Post("/accounts/{id}/fund", h.HandleFund)
			admin.Post("/accounts/{id}/close", h.HandleCloseAccount)
			admin.Get("/accounts/{id}/balance", h.HandleBalance)
			admin.Get("/accounts/{id}/transactions", h.HandleTransactions)
			admin.Get("/accounts/{id}/analytics", h.HandleAnalytics)
		})
	})

	return r
}
