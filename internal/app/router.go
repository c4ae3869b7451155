// Package app wires the HTTP surface: router, middleware stack, and
// readiness checks.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/stepflow/internal/adapter/httpserver"
	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
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
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", httpserver.HeaderIdemReplayed, httpserver.HeaderIdemOriginal},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints: rate limited, idempotency-replay capable.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(srv.Idempotency)
		wr.Post("/runs", srv.CreateRunHandler())
		wr.Post("/runs/{runId}/steps/{stepId}/retry", srv.RetryStepHandler())
		wr.Post("/runs/{runId}/cancel", srv.CancelRunHandler())
	})

	// Read-only endpoints.
	r.Get("/runs/{runId}", srv.GetRunHandler())
	r.Get("/dev/queue", srv.DevQueueHandler())
	r.Get("/dev/dlq", srv.DevDLQHandler())
	r.Post("/dev/dlq/rehydrate", srv.DevRehydrateHandler())

	// Health and metrics.
	r.Get("/health", srv.HealthHandler())
	r.Get("/health/live", srv.LivezHandler())
	r.Get("/health/ready", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
