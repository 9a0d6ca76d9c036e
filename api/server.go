/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. Logger:        Request logging
  3. Recoverer:     Panic recovery (500 instead of crash)
  4. CORS:          Cross-origin requests for station dashboards
  5. Authenticate:  Bearer JWT on /api (except scenarios)

ROUTE GROUPS:
  /healthz              Liveness + database ping
  /api/bookings/*       Booking read, cancel, complete
  /api/stations/*       Availability
  /api/payments/*       Top-up settlement (admin)
  /api/admin/*          Sweep trigger and history (admin)
  /api/scenarios/*      Demo scenarios (only when enabled)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authentication middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions controls the outer surface of the router.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	DevScenarios   bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
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

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		if opts.DevScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.JWTSecret))

			// Booking routes
			r.Route("/bookings/{id}", func(r chi.Router) {
				r.Get("/", h.GetBooking)
				r.Get("/events", h.GetBookingEvents)
				r.Post("/cancel", h.CancelBooking)
				r.With(RequireRole(RoleStaff)).Post("/complete", h.CompleteBooking)
			})

			// Station routes
			r.Get("/stations/{id}/availability", h.GetAvailability)

			// Payment routes
			r.With(RequireRole(RoleAdmin)).Post("/payments/{id}/topup-completed", h.CompleteTopUp)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(RoleAdmin))
				r.Post("/sweep", h.TriggerSweep)
				r.Get("/sweeps", h.ListSweepRuns)
			})
		})
	})

	return r
}
