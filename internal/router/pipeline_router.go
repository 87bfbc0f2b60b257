package router

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memoryvault/ingest/internal/handler"
	"github.com/memoryvault/ingest/internal/middleware"
	"github.com/memoryvault/ingest/internal/service"
)

// PipelineDependencies bundles everything the standalone ingestion-pipeline
// server needs: the health check, the pipeline's own HTTP surface (§6), and
// optional rate-limiting middleware. The /metrics endpoint is always served.
type PipelineDependencies struct {
	DB          handler.DBPinger
	Version     string
	FrontendURL string
	Pipeline    handler.PipelineDeps
	RateLimiter *middleware.RateLimiter

	// Auth, when non-nil, gates every route but /api/health and /metrics behind Firebase
	// ID token (or internal service-token) verification.
	Auth               *service.AuthService
	InternalAuthSecret string
}

// NewPipelineRouter builds the chi router for the ingestion pipeline
// service, exposing the §6 ingress shapes (upload, status, delete, search,
// ask) alongside the teacher's health/CORS/logging middleware stack.
func NewPipelineRouter(deps PipelineDependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(deps.FrontendURL))
	r.Use(chimw.Recoverer)

	r.Get("/api/health", handler.Health(deps.DB, deps.Version))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(middleware.RateLimit(deps.RateLimiter))
		}
		if deps.Auth != nil {
			r.Use(middleware.InternalOrFirebaseAuth(deps.Auth, deps.InternalAuthSecret))
		}

		r.Post("/upload", handler.Upload(deps.Pipeline))
		r.Get("/upload-status", handler.UploadStatus(deps.Pipeline))
		r.Delete("/documents", handler.DeleteIngestedDocument(deps.Pipeline))
		r.Delete("/indexes", handler.DeleteIndexHandler(deps.Pipeline))
		r.Get("/indexes", handler.ListIndexes(deps.Pipeline))
		r.Post("/search", handler.Search(deps.Pipeline))
		r.Post("/ask", handler.Ask(deps.Pipeline))
	})

	return r
}
