package directory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
)

// CheckpointSource looks up a job's checkpoint record. Satisfied by
// checkpoint.Store; the reconciler only does record-only loads.
type CheckpointSource interface {
	Load(ctx context.Context, jobID string, includeArtifacts bool) (*checkpoint.Record, map[string][]byte, error)
}

// Reconciler settles jobs left RUNNING by a previous coordinator process. It
// must run to completion before the orphan detector starts, so stale rows are
// never mistaken for freshly orphaned jobs.
type Reconciler struct {
	registry    *job.Registry
	checkpoints CheckpointSource
	logger      *slog.Logger

	// Grace is how long a remote job may sit in PENDING_RECONCILIATION
	// waiting for its worker to re-register before it is failed.
	Grace time.Duration
}

// NewReconciler creates a startup reconciler.
func NewReconciler(registry *job.Registry, checkpoints CheckpointSource, grace time.Duration) *Reconciler {
	return &Reconciler{
		registry:    registry,
		checkpoints: checkpoints,
		logger:      slog.Default().With("component", "reconciler"),
		Grace:       grace,
	}
}

// ReconcileStartup classifies every RUNNING job found at boot.
//
// Local jobs ran in the dead coordinator process itself, so their work is
// gone: they fail immediately. Remote jobs may still be alive on a worker;
// they move to PENDING_RECONCILIATION and get Grace for their worker to
// re-register and reclaim them, after which expireUnclaimed fails the rest.
func (r *Reconciler) ReconcileStartup(ctx context.Context) error {
	running, err := r.registry.List(ctx, job.StatusRunning)
	if err != nil {
		return err
	}

	pending := 0
	for _, j := range running {
		if j.Local {
			if _, err := r.registry.Fail(ctx, j.ID, r.localFailureMessage(ctx, j.ID)); err != nil {
				r.logger.Error("failed to fail stale local job", "jobId", j.ID, "error", err)
				continue
			}
			r.logger.Info("failed stale local job from previous process", "jobId", j.ID)
			continue
		}

		if _, err := r.registry.MarkPendingReconciliation(ctx, j.ID); err != nil {
			r.logger.Error("failed to mark job pending reconciliation", "jobId", j.ID, "error", err)
			continue
		}
		pending++
		r.logger.Info("job awaiting worker re-registration",
			"jobId", j.ID, "previousOwner", j.OwnerWorkerID, "grace", r.Grace)
	}

	if pending > 0 {
		go r.expireUnclaimed(ctx)
	}
	return nil
}

// localFailureMessage tells the operator whether the dead local job can be
// resumed or must start over.
func (r *Reconciler) localFailureMessage(ctx context.Context, jobID string) string {
	if r.checkpoints != nil {
		if rec, _, err := r.checkpoints.Load(ctx, jobID, false); err == nil {
			return fmt.Sprintf(
				"coordinator restarted while job was running in-process; resumable from %s checkpoint at unit %d",
				rec.Kind, rec.Unit)
		}
	}
	return "coordinator restarted while job was running in-process; no checkpoint to resume from"
}

// expireUnclaimed fails jobs still in PENDING_RECONCILIATION after the grace
// window. Jobs reclaimed via registration have already moved back to RUNNING
// and are untouched.
func (r *Reconciler) expireUnclaimed(ctx context.Context) {
	select {
	case <-time.After(r.Grace):
	case <-ctx.Done():
		return
	}

	stale, err := r.registry.List(ctx, job.StatusPendingReconciliation)
	if err != nil {
		r.logger.Error("failed to list unclaimed jobs", "error", err)
		return
	}
	for _, j := range stale {
		if _, err := r.registry.Fail(ctx, j.ID, "worker did not re-register after coordinator restart"); err != nil {
			r.logger.Error("failed to expire unclaimed job", "jobId", j.ID, "error", err)
			continue
		}
		r.logger.Warn("unclaimed job failed after reconciliation grace", "jobId", j.ID)
	}
}
