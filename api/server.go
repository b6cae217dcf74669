/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/eligibility/*    Coverage resolution
  /api/orders/*         Order registration and commission computation
  /api/commissions/*    Ledger queries and state transitions
  /api/rules/*          Rule-set administration
  /api/reps/*           Sales rep administration
  /api/links            Attribution links
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Eligibility routes
		r.Route("/eligibility", func(r chi.Router) {
			r.Post("/resolve", h.ResolveEligibility)
		})

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/commissions/compute", h.ComputeCommissions)
			r.Get("/{id}/commissions", h.GetOrderCommissions)
			r.Get("/{id}/audit", h.GetOrderAudit)
		})

		// Commission ledger routes
		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", h.ListCommissions)
			r.Get("/{id}", h.GetCommission)
			r.Post("/{id}/approve", h.ApproveCommission)
			r.Post("/{id}/pay", h.PayCommission)
			r.Post("/{id}/reverse", h.ReverseCommission)
		})

		// Rule admin routes
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.LoadRuleSet)
			r.Get("/eligibility", h.ListEligibilityRules)
			r.Delete("/eligibility/{id}", h.DeactivateEligibilityRule)
		})

		// Rep and attribution routes
		r.Route("/reps", func(r chi.Router) {
			r.Post("/", h.CreateRep)
			r.Get("/{id}", h.GetRep)
			r.Get("/{id}/commissions", h.GetRepCommissions)
		})
		r.Post("/links", h.CreateLink)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	// No frontend is bundled; serve a minimal endpoint index at the root.
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Commission Engine</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Commission Engine API</h1>
<h2>API Endpoints</h2>
<ul>
<li><code>POST /api/eligibility/resolve</code> - Resolve coverage for an order context</li>
<li><code>POST /api/orders/{id}/commissions/compute</code> - Compute commissions</li>
<li><code>GET /api/commissions?status=pending</code> - List commission records</li>
<li><a href="/api/scenarios">/api/scenarios</a> - List scenarios</li>
</ul>
</body>
</html>`))
	})

	return r
}
