package api

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/coverflow-ai/coverflow/internal/database"
	mw "github.com/coverflow-ai/coverflow/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Generation handlers
	CreateGeneration http.HandlerFunc
	ListGenerations  http.HandlerFunc

	// Staged artifacts, fetched by providers without auth
	ServeArtifact http.HandlerFunc

	// Payment handlers
	ListPackages   http.HandlerFunc
	CreatePayment  http.HandlerFunc
	PaymentWebhook http.HandlerFunc

	// User status handlers
	UserLimits   http.HandlerFunc
	UserActivity http.HandlerFunc

	// Auth middleware
	AuthMiddleware func(http.Handler) http.Handler
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	// GenerationRateLimiter runs after authentication so limits apply per account.
	GenerationRateLimiter func(http.Handler) http.Handler
	// StorageDir is served read-only under /storage/. Empty disables the route.
	StorageDir string
	// EventsHealthy reports broker health; nil means events are not configured.
	EventsHealthy func() bool
}

func NewRouter(pool *pgxpool.Pool, redisClient redis.Cmdable, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe: always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := map[string]string{
			"status":   "healthy",
			"database": "healthy",
			"redis":    "healthy",
			"nats":     "healthy",
		}
		status := http.StatusOK

		if pool == nil || database.HealthCheck(ctx, pool) != nil {
			health["database"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if redisClient == nil || redisClient.Ping(ctx).Err() != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		switch {
		case cfg.EventsHealthy == nil:
			health["nats"] = "not configured"
		case !cfg.EventsHealthy():
			health["nats"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Staged inputs for providers and stored results for clients
	r.Get("/api/image/{artifactID}", h.ServeArtifact)
	if cfg.StorageDir != "" {
		r.Handle("/storage/*", http.StripPrefix("/storage/", http.FileServer(noDirFS{http.Dir(cfg.StorageDir)})))
	}

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/packages", h.ListPackages)
		r.Post("/payments/webhook", h.PaymentWebhook)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Route("/generations", func(r chi.Router) {
				r.Get("/", h.ListGenerations)
				r.Group(func(r chi.Router) {
					if cfg.GenerationRateLimiter != nil {
						r.Use(cfg.GenerationRateLimiter)
					}
					r.Post("/", h.CreateGeneration)
				})
			})

			r.Post("/payments", h.CreatePayment)

			r.Route("/user", func(r chi.Router) {
				r.Get("/limits", h.UserLimits)
				r.Get("/activity", h.UserActivity)
			})
		})
	})

	return r
}

// noDirFS hides directory listings from http.FileServer.
type noDirFS struct {
	fs http.FileSystem
}

func (n noDirFS) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
