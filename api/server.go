/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (slog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/listings/*       Listings, participants, decisions, occupancy
  /api/users/*          Notification inbox
  /api/admin/*          Reconciliation
  /api/scenarios/*      Demo scenarios and reset (dev only)
  /api/health           Liveness and store reachability
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Owner and participant identities are
  taken from the request as-is.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Listing routes
		r.Route("/listings", func(r chi.Router) {
			r.Get("/", h.ListListings)
			r.Post("/", h.CreateListing)
			r.Post("/import", h.ImportListings)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetListing)
				r.Post("/close", h.CloseListing)
				r.Get("/occupancy", h.GetOccupancy)

				r.Route("/participants", func(r chi.Router) {
					r.Get("/", h.ListParticipants)
					r.Post("/", h.Join)
					r.Get("/{participantID}", h.GetParticipation)
					r.Delete("/{participantID}", h.Cancel)
					r.Post("/{participantID}/decision", h.Decide)
					r.Post("/{participantID}/remove", h.Remove)
				})
			})
		})

		// Notification routes
		r.Get("/users/{id}/notifications", h.ListNotifications)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconcile", h.GetLastReconcile)
			r.Post("/reconcile", h.TriggerReconcile)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	return r
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
