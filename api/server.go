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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/accounts/*       Balances, buffs, impact preview, history
  /api/market/*         Escrow marketplace
  /api/admin/*          Admin balance operations
  /api/config           Engine tuning
  /api/scenarios/*      Demo data loaders (development only)
  /api/health           Liveness probe

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
		// Account routes
		r.Route("/accounts/{addr}", func(r chi.Router) {
			r.Get("/balances", h.GetBalances)
			r.Get("/listings", h.GetSellerListings)
			r.Get("/purchases", h.GetPurchaseHistory)

			r.Route("/buffs", func(r chi.Router) {
				r.Post("/", h.GrantBuff)
				r.Get("/{typeID}", h.GetBuffAggregate)
				r.Delete("/{typeID}/{sourceID}", h.RevokeBuff)
				r.Post("/{typeID}/{sourceID}/impact", h.PreviewImpact)
			})
		})

		// Market routes
		r.Route("/market", func(r chi.Router) {
			r.Get("/listings", h.BrowseListings)
			r.Post("/listings", h.CreateListing)
			r.Post("/listings/{id}/purchase", h.PurchaseListing)
			r.Post("/listings/{id}/cancel", h.CancelListing)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/credit", h.CreditBalance)
			r.Post("/set", h.SetBalance)
		})

		// Config routes
		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)

		// Demo scenarios (development only; loading resets the store)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
