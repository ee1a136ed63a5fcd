package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cfotel "github.com/Strob0t/autopack/internal/adapter/otel"
	"github.com/Strob0t/autopack/internal/middleware"
	"github.com/Strob0t/autopack/internal/port/cache"
)

// RouterConfig carries what NewRouter needs besides the handlers.
type RouterConfig struct {
	CORSOrigin string
	// ServiceName enables otelhttp spans when non-empty.
	ServiceName string
	// Events serves the /ws event stream when set.
	Events http.HandlerFunc
	// APIToken returns the operator token; nil or empty disables auth.
	APIToken func() string
	// Limiter throttles the API routes when set.
	Limiter *middleware.RateLimiter
	// Idempotency records mutating responses for replay when set.
	Idempotency    cache.Cache
	IdempotencyTTL time.Duration
}

// NewRouter builds the control server router with its middleware stack.
func NewRouter(h *Handlers, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(SecurityHeaders)
	if cfg.ServiceName != "" {
		r.Use(cfotel.HTTPMiddleware(cfg.ServiceName))
	}
	if cfg.APIToken != nil {
		r.Use(middleware.Auth(cfg.APIToken))
	}

	r.Get("/health", h.Health)
	if cfg.Events != nil {
		r.Get("/ws", cfg.Events)
	}

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		if cfg.Limiter != nil {
			r.Use(cfg.Limiter.Handler)
		}
		if cfg.Idempotency != nil {
			r.Use(middleware.Idempotency(cfg.Idempotency, cfg.IdempotencyTTL))
		}
		MountRoutes(r, h)
	})
	return r
}

// MountRoutes registers the API routes on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/cancel", h.CancelRun)

		r.Get("/governance/requests", h.ListGovernanceRequests)
		r.Get("/governance/requests/{id}", h.GetGovernanceRequest)
		r.Post("/governance/requests/{id}/approve", h.ApproveGovernanceRequest)
		r.Post("/governance/requests/{id}/deny", h.DenyGovernanceRequest)
	})
}
