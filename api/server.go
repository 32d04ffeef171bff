/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the HTTP router (chi), middleware stack, and route definitions.
	This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
 1. Logger:     Request logging
 2. Recoverer:  Panic recovery (500 instead of crash)
 3. RequestID:  Unique ID per request for tracing
 4. CORS:       Cross-origin requests for the admin UI
 5. Identity:   Caller identity (API routes only)

ROUTE GROUPS:

	/api/remittances/*    Remittance operations and reads
	/healthz              Liveness and backend health
	/metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	// JWTSecret enables bearer tokens. Empty trusts gateway headers.
	JWTSecret []byte
	// Gatherer backs /metrics. Nil omits the route.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderOrgID, HeaderActorRole},
		ExposedHeaders: []string{"Retry-After"},
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Identity(opts.JWTSecret))

		r.Route("/remittances", func(r chi.Router) {
			r.Get("/check", h.Check)
			r.Post("/process", h.Process)
			r.Post("/repair", h.Repair)
			r.Post("/undo", h.Undo)
			r.Post("/sanitize", h.Sanitize)
			r.Post("/stage", h.Stage)
			r.Get("/{parentTxId}", h.GetRecord)
		})
	})

	return r
}
