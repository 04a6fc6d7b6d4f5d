/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request
  4. CORS:       Cross-origin requests for the frontend
  5. otelhttp:   One server span per request (outermost, see Instrument)

ROUTE GROUPS:
  /healthz               Liveness + database ping
  /metrics               Prometheus scrape endpoint
  /api/users/*           Directory management (DevRoutes only)
  /api/scenarios/*       Demo scenarios (DevRoutes only, resets the database)
  /api/*                 Engine operations, X-User-ID required
  /api/admin/*           Maintenance, administrators only

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireActor / RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterOptions configures the parts of the router that differ between
// deployments.
type RouterOptions struct {
	AllowedOrigins []string
	// Metrics serves /metrics. Nil uses the default Prometheus registry.
	Metrics http.Handler
	// DevRoutes mounts the unauthenticated users and scenarios routes.
	// Anyone reaching them can create administrators or wipe the database.
	DevRoutes bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUserID},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api", func(r chi.Router) {
		if opts.DevRoutes {
			r.Route("/users", func(r chi.Router) {
				r.Get("/", h.ListUsers)
				r.Post("/", h.CreateUser)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(h.RequireActor)

			r.Route("/contraventions", func(r chi.Router) {
				r.Post("/", h.FileContravention)
				r.Get("/{id}", h.GetContravention)
				r.Patch("/{id}", h.UpdateContravention)
				r.Delete("/{id}", h.DeleteContravention)
				r.Post("/{id}/reassign", h.ReassignEmployee)
				r.Post("/{id}/document", h.UploadDocument)
				r.Post("/{id}/complete", h.MarkComplete)
				r.Post("/{id}/acknowledge", h.Acknowledge)
				r.Post("/{id}/approvals", h.RequestApproval)
				r.Get("/{id}/approvals", h.ListApprovals)
				r.Post("/{id}/resubmit", h.Resubmit)
			})

			r.Post("/approvals/{id}/review", h.ReviewApproval)

			r.Route("/employees/{id}", func(r chi.Router) {
				r.Get("/points", h.GetPointsSummary)
				r.Post("/training", h.AssignTraining)
				r.Post("/training/{recordID}/credit", h.ApplyTrainingCredit)
			})

			r.Route("/training/{id}", func(r chi.Router) {
				r.Post("/start", h.StartTraining)
				r.Post("/complete", h.CompleteTraining)
			})

			r.Post("/escalations/{id}/actions", h.CompleteEscalationAction)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/policy", h.GetPolicy)
				r.Post("/catalog", h.LoadCatalog)
				r.Post("/fiscal-year/reset", h.ResetFiscalYear)
				r.Post("/escalations/recalculate", h.RecalculateEscalations)
				r.Post("/points/sync", h.SyncPoints)
			})
		})
	})

	return r
}

// Instrument wraps the router with an OpenTelemetry server span per request.
func Instrument(router http.Handler) http.Handler {
	return otelhttp.NewHandler(router, "contravention-engine",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Health reports liveness and database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
