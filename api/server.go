/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the web app
  5. Auth:       Identity token on /api (auth.go)

ROUTE GROUPS:
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint
  /api/*                Caller operations (any identity)
  /api/admin/*          Webhooks, pipeline outcomes and refunds, adjustments,
                        links, reconciliation
  /api/scenarios/*      Demo scenarios (admin, only when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions are the deployment-dependent parts of the router.
type RouterOptions struct {
	AllowedOrigins  []string
	Gatherer        prometheus.Gatherer
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/catalog", h.ListCosts)
		r.Get("/balance", h.GetBalance)
		r.Get("/transactions", h.GetTransactions)
		r.Post("/signup-bonus", h.GrantSignupBonus)

		r.Post("/generations/charge", h.ChargeGeneration)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Post("/webhooks/subscription", h.SubscriptionWebhook)
			r.Post("/webhooks/purchase", h.PurchaseWebhook)
			r.Post("/generations/outcome", h.RecordOutcome)
			r.Post("/generations/{task}/refund", h.RefundGeneration)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/links", h.CreateLink)
			r.Get("/resolve/{id}", h.Resolve)
			r.Get("/accounts/{id}", h.GetAccount)
			r.Post("/accounts/{id}/status", h.SetStatus)
			r.Post("/reconcile", h.TriggerReconciliation)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}
