package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/abdul-hamid-achik/attest/internal/config"
	"github.com/abdul-hamid-achik/attest/internal/middleware"
)

// Dependencies holds all the dependencies needed for handlers. DB and
// Redis may be nil.
type Dependencies struct {
	Config *config.Config
	Store  Backend
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Logger *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Metrics())
	r.Use(middleware.Logging(deps.Logger))
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(chimiddleware.Timeout(deps.Config.Server.RequestTimeout))
	r.Use(middleware.SecurityHeaders(deps.Config.IsProduction()))

	r.NotFound(NotFoundHandler)
	r.MethodNotAllowed(MethodNotAllowedHandler)

	// Redis shares the budget across replicas; without it each process
	// limits on its own.
	var limiter middleware.Limiter
	if deps.Redis != nil {
		limiter = middleware.NewRateLimiter(deps.Redis, deps.Config.RateLimit.Requests, deps.Config.RateLimit.Window)
	} else {
		limiter = middleware.NewLocalLimiter(deps.Config.RateLimit.Requests, deps.Config.RateLimit.Window)
	}

	healthHandler := NewHealthHandler(deps.DB, deps.Redis, deps.Store)
	apiHandler := NewAPIHandler(deps.Store, deps.Config.Server.MaxRequestBodySize)

	// Health checks and metrics (no auth, no rate limit)
	r.Get("/health", healthHandler.Liveness)
	r.Get("/ready", healthHandler.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter))
		r.Use(middleware.BearerAuth(deps.Config.Auth.Token))
		r.Use(middleware.Provenance())

		r.Route("/identities", func(r chi.Router) {
			r.Get("/", apiHandler.ListIdentities)
			r.Post("/", apiHandler.CreateIdentity)
			r.Get("/{id}", apiHandler.GetIdentity)
			r.Put("/{id}", apiHandler.UpdateIdentity)
			r.Delete("/{id}", apiHandler.DeleteIdentity)
		})

		r.Route("/signatures", func(r chi.Router) {
			r.Get("/", apiHandler.ListSignatures)
			r.Post("/", apiHandler.CreateSignature)
			r.Get("/{id}", apiHandler.GetSignature)
		})

		r.Route("/audit-logs", func(r chi.Router) {
			r.Get("/", apiHandler.ListAuditLogs)
			r.Post("/", apiHandler.AppendAuditLog)
			r.Get("/tail", apiHandler.AuditTail)
		})
	})

	return r
}
