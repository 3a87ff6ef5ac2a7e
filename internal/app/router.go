// Package app assembles the orchestrator: router construction and the
// wiring shared by the server binary and the end-to-end tests.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/benchfleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer)
	r.Use(httpserver.RequestID)
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(api chi.Router) {
		// Operator-facing mutations share a rate limit bucket.
		api.Group(func(mu chi.Router) {
			mu.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			mu.Post("/register", srv.RegisterHandler())
			mu.Post("/reset", srv.ResetHandler())
			mu.Post("/campaigns", srv.CreateCampaignHandler())
			mu.Put("/workers/{id}/status", srv.SetWorkerStatusHandler())
			mu.Put("/workers/{id}/reset", srv.ResetWorkerHandler())
		})

		// The worker data path stays outside the limiter: a fleet behind
		// one NAT address would starve itself on heartbeats.
		api.Post("/workers/{id}/heartbeat", srv.HeartbeatHandler())
		api.Put("/jobs/{id}/claim", srv.ClaimJobHandler())

		// Read-only endpoints
		api.Get("/health", srv.HealthHandler())
		api.Get("/workers", srv.ListWorkersHandler())
		api.Get("/workers/{id}", srv.GetWorkerHandler())
		api.Get("/workers/{id}/health", srv.WorkerHealthHandler())
		api.Get("/health/workers", srv.FleetHealthHandler())
		api.Get("/campaigns", srv.ListCampaignsHandler())
		api.Get("/campaigns/{id}", srv.GetCampaignHandler())
		api.Get("/campaigns/{id}/results", srv.CampaignResultsHandler())
		api.Get("/jobs/{id}", srv.GetJobHandler())
		api.Get("/queue/status", srv.QueueStatusHandler())
		api.Get("/results/files", srv.ListReportsHandler())
		api.Get("/results/download/{name}", srv.DownloadReportHandler())
		api.Get("/monitoring/stats", srv.MonitoringStatsHandler())
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
