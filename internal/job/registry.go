package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
)

// Store is the durable persistence the registry delegates to.
type Store interface {
	// Insert persists a new job. Returns false without error when a row
	// with the same id already exists (idempotent retry).
	Insert(ctx context.Context, j *Job) (bool, error)

	// Get returns a job or apperrors.NotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs filtered by status; no filter returns everything.
	List(ctx context.Context, statuses ...Status) ([]*Job, error)

	// UpdateFrom writes all mutable fields of j guarded by the current
	// status being one of from. Returns false when the guard did not
	// match (the caller lost a race). This is the registry's
	// compare-and-set primitive.
	UpdateFrom(ctx context.Context, j *Job, from ...Status) (bool, error)
}

// Registry is the in-process API for creating and mutating jobs. It owns the
// transition rules, keeps a read-through cache over the store, and holds the
// in-memory-only progress state.
type Registry struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Job

	// onCompleted runs after a successful transition to COMPLETED;
	// wired to checkpoint deletion at process start.
	onCompleted func(ctx context.Context, jobID string)
}

// NewRegistry creates a registry over the given store. Metrics may be nil.
func NewRegistry(store Store, metrics *observability.Metrics) *Registry {
	return &Registry{
		store:   store,
		metrics: metrics,
		logger:  slog.With("component", "registry"),
		cache:   make(map[string]*Job),
	}
}

// SetCompletionHook registers the callback run after a job completes.
func (r *Registry) SetCompletionHook(hook func(ctx context.Context, jobID string)) {
	r.onCompleted = hook
}

// CreateParams are the caller-supplied fields of a new job.
type CreateParams struct {
	ID       string // optional; generated when empty
	Type     Type
	Metadata map[string]string
	Local    bool
}

// Create persists a new PENDING job. Retrying with the same id returns the
// existing record instead of duplicating it.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Job, error) {
	if p.Type == "" {
		return nil, apperrors.Validation("type", "job type is required")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	j := &Job{
		ID:        id,
		Type:      p.Type,
		Status:    StatusPending,
		Local:     p.Local,
		Metadata:  p.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	inserted, err := r.store.Insert(ctx, j)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r.cacheSet(existing)
		return existing.Clone(), nil
	}

	r.cacheSet(j)
	r.logger.Info("Job created", "jobId", id, "type", p.Type, "local", p.Local)
	return j.Clone(), nil
}

// Get returns a job from the cache, falling through to the store on miss.
func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cacheSet(j)
	return j.Clone(), nil
}

// List returns jobs filtered by status, with in-memory progress merged in.
func (r *Registry) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	jobs, err := r.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	for _, j := range jobs {
		if cached, ok := r.cache[j.ID]; ok {
			j.ProgressPct = cached.ProgressPct
			j.ProgressMessage = cached.ProgressMessage
		}
	}
	r.mu.RUnlock()
	return jobs, nil
}

// Start moves a dispatched job to RUNNING and records its owner. Valid from
// PENDING and PENDING_RECONCILIATION; repeating with the same target state is
// a no-op.
func (r *Registry) Start(ctx context.Context, id, workerID string) (*Job, error) {
	return r.transition(ctx, id, StatusRunning, func(j *Job) {
		if !j.Local {
			j.OwnerWorkerID = workerID
		}
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
	})
}

// Complete moves a RUNNING job to COMPLETED and fires the completion hook
// (checkpoint deletion). COMPLETED is terminal and irreversible.
func (r *Registry) Complete(ctx context.Context, id string, result map[string]any) (*Job, error) {
	j, err := r.transition(ctx, id, StatusCompleted, func(j *Job) {
		j.OwnerWorkerID = ""
		j.Result = result
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if r.onCompleted != nil {
		r.onCompleted(ctx, id)
	}
	return j, nil
}

// Fail moves a job to FAILED with an error message.
func (r *Registry) Fail(ctx context.Context, id, errMsg string) (*Job, error) {
	return r.transition(ctx, id, StatusFailed, func(j *Job) {
		j.OwnerWorkerID = ""
		j.ErrorMessage = errMsg
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
}

// Cancel moves a RUNNING job to CANCELLED.
func (r *Registry) Cancel(ctx context.Context, id string) (*Job, error) {
	return r.transition(ctx, id, StatusCancelled, func(j *Job) {
		j.OwnerWorkerID = ""
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
}

// MarkPendingReconciliation stamps a RUNNING job during coordinator startup,
// opening the grace window for its worker to re-register.
func (r *Registry) MarkPendingReconciliation(ctx context.Context, id string) (*Job, error) {
	return r.transition(ctx, id, StatusPendingReconciliation, func(j *Job) {
		j.OwnerWorkerID = ""
	})
}

// UpdateProgress records progress in memory only. Deliberately not persisted
// per call so worker-facing updates stay cheap.
func (r *Registry) UpdateProgress(ctx context.Context, id string, pct float64, message string) error {
	r.mu.Lock()
	cached, ok := r.cache[id]
	r.mu.Unlock()
	if !ok {
		j, err := r.store.Get(ctx, id)
		if err != nil {
			return err
		}
		r.cacheSet(j)
		r.mu.Lock()
		cached = r.cache[id]
		r.mu.Unlock()
	}

	r.mu.Lock()
	cached.ProgressPct = pct
	cached.ProgressMessage = message
	r.mu.Unlock()
	return nil
}

// TryResume is the race-safe status flip of the resume protocol: a single
// compare-and-set to RUNNING guarded by status in {CANCELLED, FAILED}. It
// clears the error message and completion timestamp and leaves the job
// un-owned until dispatch. Exactly one concurrent caller observes won=true.
func (r *Registry) TryResume(ctx context.Context, id string) (won bool, current *Job, err error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}

	nj := j.Clone()
	nj.Status = StatusRunning
	nj.OwnerWorkerID = ""
	nj.ErrorMessage = ""
	nj.CompletedAt = nil
	now := time.Now().UTC()
	nj.StartedAt = &now

	ok, err := r.store.UpdateFrom(ctx, nj, ResumableStatuses...)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		// Lost the race or the job was never resumable; the caller
		// re-reads to report the correct conflict.
		fresh, err := r.store.Get(ctx, id)
		if err != nil {
			return false, nil, err
		}
		r.cacheSet(fresh)
		return false, fresh.Clone(), nil
	}

	r.cacheSet(nj)
	r.recordTransition(nj.Type, j.Status, StatusRunning)
	return true, nj.Clone(), nil
}

// AssignOwner records the worker a RUNNING job was dispatched to.
func (r *Registry) AssignOwner(ctx context.Context, id, workerID string) (*Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusRunning {
		return nil, apperrors.InvalidTransition(id, string(j.Status), string(StatusRunning))
	}
	nj := j.Clone()
	nj.OwnerWorkerID = workerID
	ok, err := r.store.UpdateFrom(ctx, nj, StatusRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.InvalidTransition(id, string(j.Status), string(StatusRunning))
	}
	r.cacheSet(nj)
	return nj.Clone(), nil
}

// ForceRun transitions a job to RUNNING owned by workerID regardless of its
// current non-terminal state. Used by registration reconciliation where the
// live worker is authoritative. Fails with AlreadyCompleted for COMPLETED
// jobs: the coordinator's terminal record wins over liveness.
func (r *Registry) ForceRun(ctx context.Context, id, workerID string) (*Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCompleted {
		return nil, apperrors.AlreadyCompleted(id)
	}

	nj := j.Clone()
	from := j.Status
	nj.Status = StatusRunning
	nj.OwnerWorkerID = workerID
	nj.ErrorMessage = ""
	nj.CompletedAt = nil
	if nj.StartedAt == nil {
		now := time.Now().UTC()
		nj.StartedAt = &now
	}

	ok, err := r.store.UpdateFrom(ctx, nj,
		StatusPending, StatusPendingReconciliation, StatusFailed, StatusCancelled, StatusRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Only a concurrent completion can invalidate the guard.
		return nil, apperrors.AlreadyCompleted(id)
	}
	r.cacheSet(nj)
	r.recordTransition(nj.Type, from, StatusRunning)
	return nj.Clone(), nil
}

// AdoptRunning creates a RUNNING record for a job the coordinator has no
// record of but a live worker claims to own. Recovers from a coordinator
// that lost the row.
func (r *Registry) AdoptRunning(ctx context.Context, id, workerID string, jobType Type) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:            id,
		Type:          jobType,
		Status:        StatusRunning,
		OwnerWorkerID: workerID,
		CreatedAt:     now,
		StartedAt:     &now,
	}
	inserted, err := r.store.Insert(ctx, j)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return r.ForceRun(ctx, id, workerID)
	}
	r.cacheSet(j)
	r.logger.Info("Adopted unknown running job from worker claim", "jobId", id, "workerId", workerID)
	return j.Clone(), nil
}

// RecordReported applies a worker's completed-job report: creates a terminal
// record for unknown jobs, force-transitions known non-terminal jobs to the
// reported terminal status, and no-ops on jobs already terminal.
func (r *Registry) RecordReported(ctx context.Context, id string, status Status, result map[string]any, errMsg string, jobType Type) error {
	if !status.Terminal() {
		return apperrors.Validation("status", "completed job report must carry a terminal status")
	}

	j, err := r.store.Get(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
		now := time.Now().UTC()
		nj := &Job{
			ID:           id,
			Type:         jobType,
			Status:       status,
			Result:       result,
			ErrorMessage: errMsg,
			CreatedAt:    now,
			CompletedAt:  &now,
		}
		if _, err := r.store.Insert(ctx, nj); err != nil {
			return err
		}
		r.cacheSet(nj)
		return nil
	}

	if j.Status.Terminal() {
		return nil
	}

	nj := j.Clone()
	from := j.Status
	nj.Status = status
	nj.OwnerWorkerID = ""
	nj.Result = result
	nj.ErrorMessage = errMsg
	now := time.Now().UTC()
	nj.CompletedAt = &now

	ok, err := r.store.UpdateFrom(ctx, nj,
		StatusPending, StatusRunning, StatusPendingReconciliation)
	if err != nil {
		return err
	}
	if ok {
		r.cacheSet(nj)
		r.recordTransition(nj.Type, from, status)
		if status == StatusCompleted && r.onCompleted != nil {
			r.onCompleted(ctx, id)
		}
	}
	return nil
}

// transition performs a validated, CAS-persisted status change. Repeating a
// transition whose target state already holds is a no-op, not an error.
func (r *Registry) transition(ctx context.Context, id string, to Status, mutate func(*Job)) (*Job, error) {
	j, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for range 3 {
		if j.Status == to {
			return j, nil
		}
		if !CanTransition(j.Status, to) {
			if j.Status == StatusCompleted {
				return nil, apperrors.AlreadyCompleted(id)
			}
			return nil, apperrors.InvalidTransition(id, string(j.Status), string(to))
		}

		nj := j.Clone()
		from := j.Status
		nj.Status = to
		mutate(nj)

		ok, err := r.store.UpdateFrom(ctx, nj, from)
		if err != nil {
			return nil, err
		}
		if ok {
			r.cacheSet(nj)
			r.recordTransition(nj.Type, from, to)
			r.logger.Info("Job transitioned", "jobId", id, "from", from, "to", to)
			return nj.Clone(), nil
		}

		// Lost a race with a concurrent writer; re-read and re-evaluate.
		j, err = r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r.cacheSet(j)
	}
	return nil, apperrors.InvalidTransition(id, string(j.Status), string(to))
}

func (r *Registry) cacheSet(j *Job) {
	r.mu.Lock()
	if prev, ok := r.cache[j.ID]; ok {
		// Preserve in-memory progress across persisted updates.
		c := j.Clone()
		c.ProgressPct = prev.ProgressPct
		c.ProgressMessage = prev.ProgressMessage
		r.cache[j.ID] = c
	} else {
		r.cache[j.ID] = j.Clone()
	}
	r.mu.Unlock()
}

func (r *Registry) recordTransition(jobType Type, from, to Status) {
	if r.metrics != nil {
		r.metrics.RecordTransition(context.Background(), string(jobType), string(from), string(to))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
