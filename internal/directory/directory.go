// Package directory tracks live workers and reconciles their claims against
// the job records. The directory itself is in-memory: workers rebuild it by
// re-registering, and registration doubles as the recovery protocol after a
// coordinator restart.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
)

// Worker is a directory entry for a registered worker.
type Worker struct {
	ID           string    `json:"id"`
	WorkerType   string    `json:"workerType,omitempty"`
	Hostname     string    `json:"hostname"`
	BaseURL      string    `json:"baseUrl"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CurrentJobID string    `json:"currentJobId,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Reachable    bool      `json:"reachable"`
}

// CompletedReport is a worker's account of a job that finished while the
// coordinator was not listening.
type CompletedReport struct {
	JobID   string         `json:"jobId"`
	JobType job.Type       `json:"jobType"`
	Status  job.Status     `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Registration is a worker's registration payload. Workers send it on boot
// and again whenever they suspect the coordinator lost track of them.
type Registration struct {
	WorkerID       string            `json:"workerId"`
	WorkerType     string            `json:"workerType,omitempty"`
	Hostname       string            `json:"hostname"`
	BaseURL        string            `json:"baseUrl"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	CurrentJobID   string            `json:"currentJobId,omitempty"`
	CurrentJobType job.Type          `json:"currentJobType,omitempty"`
	CompletedJobs  []CompletedReport `json:"completedJobs,omitempty"`
}

// RegistrationResult tells the worker what the coordinator decided.
type RegistrationResult struct {
	Accepted bool `json:"accepted"`
	// StopJobID instructs the worker to stop its claimed job because the
	// coordinator holds a terminal record for it.
	StopJobID string `json:"stopJobId,omitempty"`
}

// Directory is the in-memory worker registry.
type Directory struct {
	registry *job.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// New creates an empty directory.
func New(registry *job.Registry, metrics *observability.Metrics) *Directory {
	return &Directory{
		registry: registry,
		metrics:  metrics,
		logger:   slog.Default().With("component", "directory"),
		workers:  make(map[string]*Worker),
	}
}

// Register processes a worker registration. It is idempotent: re-registering
// refreshes the entry in place.
//
// Completed-job reports are applied before the current-job claim so a worker
// that finished one job and started another cannot have its old completion
// misread as the live claim.
func (d *Directory) Register(ctx context.Context, reg *Registration) (*RegistrationResult, error) {
	if reg.WorkerID == "" {
		return nil, apperrors.Validation("workerId", "workerId is required")
	}
	if reg.BaseURL == "" {
		return nil, apperrors.Validation("baseUrl", "baseUrl is required")
	}

	for _, rep := range reg.CompletedJobs {
		if err := d.registry.RecordReported(ctx, rep.JobID, rep.Status, rep.Result, rep.Error, rep.JobType); err != nil {
			d.logger.Warn("failed to apply completed-job report",
				"workerId", reg.WorkerID, "jobId", rep.JobID, "error", err)
		}
	}

	result := &RegistrationResult{Accepted: true}
	if reg.CurrentJobID != "" {
		stop, err := d.reconcileClaim(ctx, reg)
		if err != nil {
			return nil, err
		}
		result.StopJobID = stop
	}

	now := time.Now().UTC()
	d.mu.Lock()
	w, known := d.workers[reg.WorkerID]
	if !known {
		w = &Worker{ID: reg.WorkerID, RegisteredAt: now}
		d.workers[reg.WorkerID] = w
	}
	w.WorkerType = reg.WorkerType
	w.Hostname = reg.Hostname
	w.BaseURL = reg.BaseURL
	w.Capabilities = reg.Capabilities
	w.LastSeenAt = now
	w.Reachable = true
	if result.StopJobID != "" {
		w.CurrentJobID = ""
	} else {
		w.CurrentJobID = reg.CurrentJobID
	}
	d.mu.Unlock()

	if !known && d.metrics != nil {
		d.metrics.RecordWorkerAdded(ctx)
	}
	d.logger.Info("worker registered",
		"workerId", reg.WorkerID, "baseUrl", reg.BaseURL,
		"currentJobId", reg.CurrentJobID, "reported", len(reg.CompletedJobs))
	return result, nil
}

// reconcileClaim settles a worker's current-job claim against the record. The
// returned job id, when non-empty, tells the worker to stop that job.
func (d *Directory) reconcileClaim(ctx context.Context, reg *Registration) (string, error) {
	j, err := d.registry.Get(ctx, reg.CurrentJobID)
	if err != nil {
		if !isNotFound(err) {
			return "", err
		}
		// No record at all. The worker is doing real work; adopt it.
		jobType := reg.CurrentJobType
		if jobType == "" {
			jobType = job.TypeTraining
		}
		if _, err := d.registry.AdoptRunning(ctx, reg.CurrentJobID, reg.WorkerID, jobType); err != nil {
			return "", err
		}
		d.recordReconciliation(ctx, "adopted")
		return "", nil
	}

	switch {
	case j.Status == job.StatusCompleted:
		// Terminal record wins over liveness. A completed job must never
		// restart.
		d.logger.Warn("worker claims a completed job, instructing stop",
			"workerId", reg.WorkerID, "jobId", j.ID)
		d.recordReconciliation(ctx, "stop_instructed")
		return j.ID, nil

	case j.Status != job.StatusRunning:
		// The live worker is authoritative over a stale non-terminal or
		// failed/cancelled record.
		if _, err := d.registry.ForceRun(ctx, j.ID, reg.WorkerID); err != nil {
			return "", err
		}
		d.recordReconciliation(ctx, "restored")
		return "", nil

	case j.OwnerWorkerID != "" && j.OwnerWorkerID != reg.WorkerID:
		// Two workers claim the same job. Last registration wins; the
		// displaced worker's next status report will be rejected or
		// re-reconciled. Known limitation, surfaced loudly.
		d.logger.Warn("conflicting ownership claim, last registration wins",
			"jobId", j.ID, "previousOwner", j.OwnerWorkerID, "newOwner", reg.WorkerID)
		if _, err := d.registry.AssignOwner(ctx, j.ID, reg.WorkerID); err != nil {
			return "", err
		}
		d.recordReconciliation(ctx, "ownership_transferred")
		return "", nil

	case j.OwnerWorkerID == "":
		if _, err := d.registry.AssignOwner(ctx, j.ID, reg.WorkerID); err != nil {
			return "", err
		}
		d.recordReconciliation(ctx, "reclaimed")
		return "", nil

	default:
		d.recordReconciliation(ctx, "confirmed")
		return "", nil
	}
}

// Get returns a worker by id.
func (d *Directory) Get(workerID string) (*Worker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[workerID]
	if !ok {
		return nil, apperrors.NotFound("worker", workerID)
	}
	cp := *w
	return &cp, nil
}

// List returns all workers sorted by id.
func (d *Directory) List() []*Worker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Worker, 0, len(d.workers))
	for _, w := range d.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// PickAvailable returns a reachable idle worker able to run the given job
// type, preferring the least recently used. A worker advertising no
// capabilities accepts anything. ok is false when no worker qualifies.
func (d *Directory) PickAvailable(jobType job.Type) (*Worker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *Worker
	for _, w := range d.workers {
		if !w.Reachable || w.CurrentJobID != "" || !capable(w, jobType) {
			continue
		}
		if best == nil || w.LastSeenAt.Before(best.LastSeenAt) {
			best = w
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

func capable(w *Worker, jobType job.Type) bool {
	if len(w.Capabilities) == 0 {
		return true
	}
	for _, c := range w.Capabilities {
		if c == string(jobType) {
			return true
		}
	}
	return false
}

// IsReachable reports whether the worker is registered and passed its last
// probe. The orphan detector keys off this.
func (d *Directory) IsReachable(workerID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.workers[workerID]
	return ok && w.Reachable
}

// SetCurrentJob marks a worker busy with a job.
func (d *Directory) SetCurrentJob(workerID, jobID string) {
	d.mu.Lock()
	if w, ok := d.workers[workerID]; ok {
		w.CurrentJobID = jobID
	}
	d.mu.Unlock()
}

// ClearCurrentJob marks a worker idle if it was working the given job.
func (d *Directory) ClearCurrentJob(workerID, jobID string) {
	d.mu.Lock()
	if w, ok := d.workers[workerID]; ok && w.CurrentJobID == jobID {
		w.CurrentJobID = ""
	}
	d.mu.Unlock()
}

// markProbed updates liveness bookkeeping after a health probe.
func (d *Directory) markProbed(workerID string, reachable bool) {
	d.mu.Lock()
	if w, ok := d.workers[workerID]; ok {
		w.Reachable = reachable
		if reachable {
			w.LastSeenAt = time.Now().UTC()
		}
	}
	d.mu.Unlock()
}

// remove drops a worker from the directory.
func (d *Directory) remove(ctx context.Context, workerID string) {
	d.mu.Lock()
	_, ok := d.workers[workerID]
	delete(d.workers, workerID)
	d.mu.Unlock()
	if ok {
		if d.metrics != nil {
			d.metrics.RecordWorkerRemoved(ctx)
		}
		d.logger.Info("worker removed from directory", "workerId", workerID)
	}
}

func (d *Directory) recordReconciliation(ctx context.Context, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordReconciliation(ctx, outcome)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
