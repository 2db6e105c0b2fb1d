package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/iago/aggregation-orchestrator/internal/http/handlers"
	"github.com/iago/aggregation-orchestrator/internal/http/middleware"
	"github.com/phuslu/log"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the public routes. ctx bounds background work owned by the
// middleware chain.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Trace(deps.Logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", deps.API.Health)

	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))

		r.Post("/v1/updates", deps.API.Updates)
		r.Get("/v1/jobs/{jobID}", deps.API.JobStatus)

		// Paths used by existing reporting clients.
		r.Post("/api/update", deps.API.Updates)
		r.Get("/api/job-status/{jobID}", deps.API.JobStatus)
	})

	return router
}
