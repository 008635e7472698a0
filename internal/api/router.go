package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ARiSE-Lab/kGymSuite/internal/store"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// JobService is the slice of the scheduler the write endpoints go through;
// reads hit the store directly.
type JobService interface {
	CreateJob(ctx context.Context, req types.JobRequest) (types.JobID, error)
	AbortJob(ctx context.Context, id types.JobID) error
	RestartJob(ctx context.Context, id types.JobID, fromStage int) error
}

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Store          *store.Store
	Jobs           JobService
	DeploymentName string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	h := &handler{
		store:          cfg.Store,
		jobs:           cfg.Jobs,
		deploymentName: cfg.DeploymentName,
		logger:         cfg.Logger.Named("api"),
	}

	r.Get("/jobs", h.listJobs)
	r.Post("/newJob", h.newJob)

	// Job ids on REST paths are exactly 8 lowercase hex characters.
	r.Route("/jobs/{jobID:[0-9a-f]{8}}", func(r chi.Router) {
		r.Get("/", h.getJob)
		r.Post("/abort", h.abortJob)
		r.Post("/restart", h.restartJob)
		r.Get("/log", h.jobLogs)
		r.Get("/tags", h.jobTags)
		r.Get("/tags/{tagKey}", h.getJobTag)
		r.Post("/tags/{tagKey}", h.setJobTag)
	})

	r.Get("/tags", h.tagKeys)
	r.Get("/search", h.searchTags)

	r.Get("/system/info", h.systemInfo)
	r.Get("/system/displays/systemLog", h.systemLogDisplay)
	r.Get("/system/displays/jobLog", h.jobLogDisplay)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
