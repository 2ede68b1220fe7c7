// Package api provides the HTTP API handlers and routing for the coordinator.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/health"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/resume"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion.
// Checkpoint artifacts never travel through this API; workers write them to
// shared storage directly.
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains HTTP handlers for the coordinator API
type Handler struct {
	registry    *job.Registry
	resumer     *resume.Orchestrator
	checkpoints *checkpoint.Store
	workers     *directory.Directory
	health      *health.Checker
	retention   time.Duration
}

// NewHandler creates a new API handler
func NewHandler(
	registry *job.Registry,
	resumer *resume.Orchestrator,
	checkpoints *checkpoint.Store,
	workers *directory.Directory,
	healthChecker *health.Checker,
	retention time.Duration,
) *Handler {
	return &Handler{
		registry:    registry,
		resumer:     resumer,
		checkpoints: checkpoints,
		workers:     workers,
		health:      healthChecker,
		retention:   retention,
	}
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	ID       string            `json:"id,omitempty"`
	Type     job.Type          `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Local    bool              `json:"local,omitempty"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION", "Invalid request body: "+err.Error(), nil)
		return
	}

	created, err := h.registry.Create(r.Context(), job.CreateParams{
		ID:       req.ID,
		Type:     req.Type,
		Metadata: req.Metadata,
		Local:    req.Local,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	dispatched, err := h.resumer.DispatchNew(r.Context(), created.ID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, dispatched)
}

// ListJobs handles GET /v1/jobs. An optional status query filters the result.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []job.Status
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, job.Status(s))
	}

	jobs, err := h.registry.List(r.Context(), statuses...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	j, err := h.registry.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ResumeJob handles POST /v1/jobs/{jobId}/resume
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	receipt, err := h.resumer.Resume(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, receipt)
}

// StatusPatchRequest is the body of PATCH /v1/jobs/{jobId}/status. Workers
// report lifecycle changes with it.
type StatusPatchRequest struct {
	Status       job.Status     `json:"status"`
	WorkerID     string         `json:"workerId,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// PatchStatus handles PATCH /v1/jobs/{jobId}/status
func (h *Handler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	jobID := r.PathValue("jobId")

	var req StatusPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION", "Invalid request body: "+err.Error(), nil)
		return
	}

	var (
		j   *job.Job
		err error
	)
	switch req.Status {
	case job.StatusRunning:
		j, err = h.registry.Start(r.Context(), jobID, req.WorkerID)
	case job.StatusCompleted:
		j, err = h.registry.Complete(r.Context(), jobID, req.Result)
	case job.StatusFailed:
		j, err = h.registry.Fail(r.Context(), jobID, req.ErrorMessage)
	case job.StatusCancelled:
		var prev *job.Job
		if prev, err = h.registry.Get(r.Context(), jobID); err == nil {
			j, err = h.registry.Cancel(r.Context(), jobID)
			// A cancel from anyone but the owning worker needs a stop
			// command so the worker actually halts the computation.
			if err == nil && prev.OwnerWorkerID != "" && prev.OwnerWorkerID != req.WorkerID {
				h.resumer.DispatchStop(r.Context(), jobID, prev.OwnerWorkerID)
			}
		}
	default:
		h.writeError(w, http.StatusBadRequest, "VALIDATION",
			"status must be one of running, completed, failed, cancelled", nil)
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	if req.Status.Terminal() && req.WorkerID != "" {
		h.workers.ClearCurrentJob(req.WorkerID, jobID)
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ProgressRequest is the body of POST /v1/jobs/{jobId}/progress.
type ProgressRequest struct {
	ProgressPct     float64 `json:"progressPct"`
	ProgressMessage string  `json:"progressMessage,omitempty"`
}

// PostProgress handles POST /v1/jobs/{jobId}/progress. Progress lives in
// memory only, so this path stays cheap for chatty workers.
func (h *Handler) PostProgress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	jobID := r.PathValue("jobId")

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION", "Invalid request body: "+err.Error(), nil)
		return
	}

	if err := h.registry.UpdateProgress(r.Context(), jobID, req.ProgressPct, req.ProgressMessage); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RegisterWorker handles POST /v1/workers/register
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var reg directory.Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION", "Invalid request body: "+err.Error(), nil)
		return
	}

	result, err := h.workers.Register(r.Context(), &reg)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetWorker handles GET /v1/workers/{workerId}. The 404 from this route is
// what tells a worker the coordinator has forgotten it.
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.workers.Get(r.PathValue("workerId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, worker)
}

// ListWorkers handles GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"workers": h.workers.List()})
}

// ListCheckpoints handles GET /v1/checkpoints. The optional older_than_days
// query restricts the listing to checkpoints older than the cutoff.
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Time
	if days := r.URL.Query().Get("older_than_days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "VALIDATION",
				"older_than_days must be a positive integer", nil)
			return
		}
		olderThan = time.Now().UTC().Add(-time.Duration(n) * 24 * time.Hour)
	}

	recs, err := h.checkpoints.List(r.Context(), olderThan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*checkpoint.Record{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"checkpoints": recs})
}

// CheckpointResponse is the body of GET /v1/checkpoints/{jobId}.
type CheckpointResponse struct {
	Record    *checkpoint.Record `json:"record"`
	Artifacts map[string][]byte  `json:"artifacts,omitempty"`
}

// GetCheckpoint handles GET /v1/checkpoints/{jobId}. With
// include_artifacts=true the artifact files come back base64-encoded.
func (h *Handler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	includeArtifacts := r.URL.Query().Get("include_artifacts") == "true"

	rec, artifacts, err := h.checkpoints.Load(r.Context(), jobID, includeArtifacts)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckpointResponse{Record: rec, Artifacts: artifacts})
}

// DeleteCheckpoint handles DELETE /v1/checkpoints/{jobId}
func (h *Handler) DeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if err := h.checkpoints.Delete(r.Context(), r.PathValue("jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CleanupCheckpoints handles POST /v1/checkpoints/cleanup. The optional
// max_age_days query overrides the configured retention.
func (h *Handler) CleanupCheckpoints(w http.ResponseWriter, r *http.Request) {
	maxAge := h.retention
	if days := r.URL.Query().Get("max_age_days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "VALIDATION",
				"max_age_days must be a positive integer", nil)
			return
		}
		maxAge = time.Duration(n) * 24 * time.Hour
	}

	removed, err := h.checkpoints.Cleanup(r.Context(), maxAge)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the durable store is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// errorInfo is the machine-readable error envelope. Clients branch on Code
// and read Details for their next action; Message is for humans.
type errorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	h.writeJSON(w, status, map[string]errorInfo{"error": {
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// handleError maps service-layer errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.Code(err), err.Error(), apperrors.Details(err))
}
