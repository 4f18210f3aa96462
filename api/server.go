/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. RealIP:     Client address for login throttling
  3. Logger:     zap access log
  4. Metrics:    Prometheus counters/latency per route pattern
  5. Recoverer:  Panic recovery (500 instead of crash)
  6. CORS:       Cross-origin requests for the counter/kiosk frontend
  The whole router is wrapped in otelhttp so every request is a span.

ROUTE GROUPS:
  /api/customers/*      Customer self-service (public)
  /api/admin/login      PIN login (public, throttled)
  /api/admin/*          Staff operations (Bearer token)
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Metrics, access log and admin auth
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string

	// Registry receives HTTP metrics and is served on /metrics. A nil
	// registry gets a private one.
	Registry *prometheus.Registry

	// EnableScenarios mounts the demo data loaders.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	metrics := newHTTPMetrics(reg)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(metrics.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.Root)
		r.Get("/health", h.Health)

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Post("/lookup", h.Lookup)
			r.Post("/signup", h.Signup)
			r.Get("/{id}", h.GetCustomer)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", h.AdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin(h.Auth))
				r.Get("/customers", h.ListCustomers)
				r.Get("/customers/{id}/audit", h.AuditCustomer)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/add-punch", h.AddPunch)
				r.Post("/redeem-reward", h.RedeemReward)

				if opts.EnableScenarios {
					r.Get("/scenarios", h.ListScenarios)
					r.Post("/scenarios/load", h.LoadScenario)
				}
			})
		})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return otelhttp.NewHandler(r, "punch-ledger",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
