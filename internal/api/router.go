package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careerfolio/portal/internal/database"
	mw "github.com/careerfolio/portal/internal/middleware"
	inats "github.com/careerfolio/portal/internal/nats"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// AI feature endpoints. UsageGate wraps each feature route.
	Features  []string
	Generate  http.HandlerFunc
	UsageGate func(feature string) func(http.Handler) http.Handler

	// Usage governance (caller scoped)
	GetUsage       http.HandlerFunc
	ListViolations http.HandlerFunc
	SubmitAppeal   http.HandlerFunc
	ListAuditLogs  http.HandlerFunc

	// Usage governance (admin)
	GetUserUsage       http.HandlerFunc
	ListUserViolations http.HandlerFunc
	ResetUserFeature   http.HandlerFunc
	RunReset           http.HandlerFunc
	GetSchedule        http.HandlerFunc

	// Auth middleware
	AuthMiddleware  func(http.Handler) http.Handler
	AdminMiddleware func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	AdminRateLimiter   func(http.Handler) http.Handler
}

func NewRouter(pool *pgxpool.Pool, natsClient *inats.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"nats":     "healthy",
		}

		status := http.StatusOK

		if pool == nil {
			health["database"] = "not configured"
		} else if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		// NATS only carries events and generation tasks; usage enforcement keeps working without it.
		if natsClient == nil {
			health["nats"] = "not configured"
		} else if !natsClient.Healthy() {
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			// Every feature gets its own route so the gate is bound at construction time.
			r.Route("/ai", func(r chi.Router) {
				for _, feature := range h.Features {
					r.With(h.UsageGate(feature)).Post("/{feature:"+feature+"}", h.Generate)
				}
			})

			r.Route("/usage", func(r chi.Router) {
				r.Get("/", h.GetUsage)
				r.Get("/violations", h.ListViolations)
				r.Get("/audit", h.ListAuditLogs)
				r.Post("/restrictions/{restrictionID}/appeal", h.SubmitAppeal)
			})

			r.Route("/admin/usage", func(r chi.Router) {
				if cfg.AdminRateLimiter != nil {
					r.Use(cfg.AdminRateLimiter)
				}
				r.Use(h.AdminMiddleware)

				r.Get("/schedule", h.GetSchedule)
				r.Post("/reset/{job}", h.RunReset)
				r.Route("/users/{userID}", func(r chi.Router) {
					r.Get("/", h.GetUserUsage)
					r.Get("/violations", h.ListUserViolations)
					r.Post("/features/{feature}/reset", h.ResetUserFeature)
				})
			})
		})
	})

	return r
}
