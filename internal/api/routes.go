package api

import (
	"net/http"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/health"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
	"github.com/kpiteira/ktrdr-sub003/internal/resume"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Registry      *job.Registry
	Resumer       *resume.Orchestrator
	Checkpoints   *checkpoint.Store
	Workers       *directory.Directory
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
	Retention     time.Duration
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Registry, cfg.Resumer, cfg.Checkpoints, cfg.Workers, cfg.HealthChecker, cfg.Retention)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Worker-facing endpoints - auth required like everything else; workers
	// carry the same key.
	authMiddleware := AuthMiddleware(cfg.APIKey)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux.Handle("POST /v1/jobs", protected(handler.CreateJob))
	mux.Handle("GET /v1/jobs", protected(handler.ListJobs))
	mux.Handle("GET /v1/jobs/{jobId}", protected(handler.GetJob))
	mux.Handle("POST /v1/jobs/{jobId}/resume", protected(handler.ResumeJob))
	mux.Handle("PATCH /v1/jobs/{jobId}/status", protected(handler.PatchStatus))
	mux.Handle("POST /v1/jobs/{jobId}/progress", protected(handler.PostProgress))

	mux.Handle("POST /v1/workers/register", protected(handler.RegisterWorker))
	mux.Handle("GET /v1/workers", protected(handler.ListWorkers))
	mux.Handle("GET /v1/workers/{workerId}", protected(handler.GetWorker))

	mux.Handle("GET /v1/checkpoints", protected(handler.ListCheckpoints))
	mux.Handle("POST /v1/checkpoints/cleanup", protected(handler.CleanupCheckpoints))
	mux.Handle("GET /v1/checkpoints/{jobId}", protected(handler.GetCheckpoint))
	mux.Handle("DELETE /v1/checkpoints/{jobId}", protected(handler.DeleteCheckpoint))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
