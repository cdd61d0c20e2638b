// Package api exposes chatd over HTTP: the messenger IPC websocket plus
// health, log, snapshot, model and metrics endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/api/middleware"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/messenger"
	"github.com/MaiM-with-u/Maimchat/internal/model"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

// Deps are the components served by the router. Any of them may be nil
// except Logger.
type Deps struct {
	Logger   zerolog.Logger
	Service  *messenger.Service
	IPC      http.Handler
	Catalog  *model.Catalog
	Store    store.Store
	Backend  string
	Ring     *logging.Ring
	Views    *transform.Store
	IPCToken string

	// Limiter counts requests; nil disables rate limiting.
	Limiter   middleware.Counter
	Whitelist []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) *chi.Mux {
	logger := logging.Module(deps.Logger, "http")
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if deps.Limiter != nil {
		limiter := middleware.NewRateLimiter(deps.Limiter, logger, middleware.RateLimiterConfig{Whitelist: deps.Whitelist})
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{
		service: deps.Service,
		catalog: deps.Catalog,
		store:   deps.Store,
		backend: deps.Backend,
		ring:    deps.Ring,
		views:   deps.Views,
		logger:  logger,
		started: time.Now(),
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireToken(deps.IPCToken, logger))

		if deps.IPC != nil {
			r.Get("/ipc", deps.IPC.ServeHTTP)
		}
		r.Get("/logs", h.Logs)
		r.Delete("/logs", h.ClearLogs)
		r.Get("/api/snapshot", h.Snapshot)
		r.Get("/api/models", h.Models)
		r.Post("/api/models/rescan", h.RescanModels)
		r.Get("/api/models/{folder}", h.Model)
		r.Get("/api/transforms/{key}", h.Transform)
		r.Put("/api/transforms/{key}", h.SaveTransform)
		r.Delete("/api/transforms/{key}", h.ClearTransform)
	})

	return r
}
