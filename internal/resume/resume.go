// Package resume implements the resume protocol: a race-safe status flip,
// checkpoint validation, and dispatch back onto a worker.
package resume

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/dispatcher"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
	"github.com/kpiteira/ktrdr-sub003/pkg/command"
)

// LocalRunner executes local jobs in the coordinator process.
type LocalRunner interface {
	RunLocal(ctx context.Context, j *job.Job, fromCheckpoint bool) error
}

// Source describes the checkpoint a resume restarted from.
type Source struct {
	Kind           string    `json:"kind"`
	CreatedAt      time.Time `json:"createdAt"`
	ProgressMarker int64     `json:"progressMarker"`
}

// Receipt is the successful outcome of a resume request.
type Receipt struct {
	JobID       string     `json:"jobId"`
	Status      job.Status `json:"status"`
	WorkerID    string     `json:"workerId,omitempty"`
	ResumedFrom *Source    `json:"resumedFrom"`
}

// Orchestrator coordinates the resume steps across the registry, the
// checkpoint store, and the worker directory.
type Orchestrator struct {
	registry    *job.Registry
	checkpoints *checkpoint.Store
	workers     *directory.Directory
	dispatcher  dispatcher.Dispatcher
	local       LocalRunner
	signingKey  string
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// New creates a resume orchestrator. local may be nil when the coordinator
// hosts no in-process backends; dispatcher may be nil in tests.
func New(
	registry *job.Registry,
	checkpoints *checkpoint.Store,
	workers *directory.Directory,
	disp dispatcher.Dispatcher,
	local LocalRunner,
	signingKey string,
	metrics *observability.Metrics,
) *Orchestrator {
	return &Orchestrator{
		registry:    registry,
		checkpoints: checkpoints,
		workers:     workers,
		dispatcher:  disp,
		local:       local,
		signingKey:  signingKey,
		metrics:     metrics,
		logger:      slog.Default().With("component", "resume"),
	}
}

// Resume restarts a CANCELLED or FAILED job from its latest checkpoint.
//
// The status flip is a single compare-and-set, so concurrent resumes of the
// same job produce exactly one winner; losers re-read the job and report the
// conflict they actually lost to. A winner that then finds no usable
// checkpoint rolls the job back to FAILED rather than leaving a phantom
// RUNNING record.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) (*Receipt, error) {
	won, current, err := o.registry.TryResume(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, o.classifyConflict(ctx, jobID, current)
	}

	rec, _, err := o.checkpoints.Load(ctx, jobID, false)
	if err == nil {
		err = o.checkpoints.CheckArtifacts(rec)
	}
	if err != nil {
		outcome := "no_checkpoint"
		reason := "resume aborted: no checkpoint"
		if errors.Is(err, apperrors.ErrCorrupted) {
			outcome = "corrupted"
			reason = "resume aborted: checkpoint corrupted"
		}
		if _, failErr := o.registry.Fail(ctx, jobID, reason); failErr != nil {
			o.logger.Error("failed to roll back aborted resume", "jobId", jobID, "error", failErr)
		}
		o.recordResume(ctx, outcome)
		return nil, err
	}

	receipt := &Receipt{
		JobID:  jobID,
		Status: job.StatusRunning,
		ResumedFrom: &Source{
			Kind:           rec.Kind,
			CreatedAt:      rec.CreatedAt,
			ProgressMarker: rec.Unit,
		},
	}

	workerID, err := o.dispatch(ctx, current)
	if err != nil {
		return nil, err
	}
	receipt.WorkerID = workerID

	o.recordResume(ctx, "won")
	o.logger.Info("job resumed",
		"jobId", jobID, "checkpointKind", rec.Kind, "unit", rec.Unit, "workerId", workerID)
	return receipt, nil
}

// classifyConflict turns a lost compare-and-set into the precise conflict the
// caller raced against.
func (o *Orchestrator) classifyConflict(ctx context.Context, jobID string, current *job.Job) error {
	switch current.Status {
	case job.StatusRunning, job.StatusPendingReconciliation:
		o.recordResume(ctx, "already_running")
		return apperrors.AlreadyRunning(jobID)
	case job.StatusCompleted:
		o.recordResume(ctx, "already_completed")
		return apperrors.AlreadyCompleted(jobID)
	default:
		o.recordResume(ctx, "not_resumable")
		allowed := make([]string, len(job.ResumableStatuses))
		for i, st := range job.ResumableStatuses {
			allowed[i] = string(st)
		}
		return apperrors.NotResumable(jobID, string(current.Status), allowed)
	}
}

// dispatch hands the resumed job to an executor. Local jobs restart
// in-process. Remote jobs go to an available worker; when none is available
// the job stays RUNNING and un-owned, and either a registering worker claims
// it or the orphan detector fails it.
func (o *Orchestrator) dispatch(ctx context.Context, j *job.Job) (string, error) {
	if j.Local {
		if o.local == nil {
			o.logger.Warn("no local runner configured, job awaits manual intervention", "jobId", j.ID)
			return "", nil
		}
		if err := o.local.RunLocal(ctx, j, true); err != nil {
			if _, failErr := o.registry.Fail(ctx, j.ID, "local restart failed: "+err.Error()); failErr != nil {
				o.logger.Error("failed to fail job after local restart error", "jobId", j.ID, "error", failErr)
			}
			return "", err
		}
		return "", nil
	}

	w, ok := o.workers.PickAvailable(j.Type)
	if !ok {
		o.logger.Warn("no worker available for resumed job", "jobId", j.ID)
		return "", nil
	}

	if _, err := o.registry.AssignOwner(ctx, j.ID, w.ID); err != nil {
		return "", err
	}
	o.workers.SetCurrentJob(w.ID, j.ID)

	if o.dispatcher == nil {
		return w.ID, nil
	}
	delivery := &dispatcher.Delivery{
		Payload:     command.New(command.TypeResumeJob, j.ID),
		Destination: w.BaseURL + "/jobs/" + j.ID + "/run",
		SigningKey:  o.signingKey,
		OnFailure: func(*dispatcher.Delivery) {
			// Release the reservation; the orphan detector owns the job now.
			o.workers.ClearCurrentJob(w.ID, j.ID)
			o.logger.Warn("resume command undeliverable", "jobId", j.ID, "workerId", w.ID)
		},
	}
	if err := o.dispatcher.Dispatch(delivery); err != nil {
		o.logger.Warn("resume dispatch rejected", "jobId", j.ID, "workerId", w.ID, "error", err)
	}
	return w.ID, nil
}

// DispatchStop sends a cooperative stop command to the worker owning a job.
// Best effort: the job is already terminal in the registry, and a worker that
// never hears the stop reports the outcome itself or gets corrected at its
// next registration.
func (o *Orchestrator) DispatchStop(ctx context.Context, jobID, workerID string) {
	if o.dispatcher == nil {
		return
	}
	w, err := o.workers.Get(workerID)
	if err != nil {
		o.logger.Warn("stop target worker unknown", "jobId", jobID, "workerId", workerID)
		return
	}

	delivery := &dispatcher.Delivery{
		Payload:     command.New(command.TypeStopJob, jobID),
		Destination: w.BaseURL + "/jobs/" + jobID + "/stop",
		SigningKey:  o.signingKey,
	}
	if err := o.dispatcher.Dispatch(delivery); err != nil {
		o.logger.Warn("stop dispatch rejected", "jobId", jobID, "workerId", workerID, "error", err)
	}
}

// DispatchNew sends a freshly created PENDING job to a worker or the local
// runner. The job moves to RUNNING once an executor takes it.
func (o *Orchestrator) DispatchNew(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := o.registry.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusPending {
		return j, nil
	}

	if j.Local {
		if o.local == nil {
			return j, nil
		}
		started, err := o.registry.Start(ctx, jobID, "")
		if err != nil {
			return nil, err
		}
		if err := o.local.RunLocal(ctx, started, false); err != nil {
			if _, failErr := o.registry.Fail(ctx, jobID, "local start failed: "+err.Error()); failErr != nil {
				o.logger.Error("failed to fail job after local start error", "jobId", jobID, "error", failErr)
			}
			return nil, err
		}
		return started, nil
	}

	w, ok := o.workers.PickAvailable(j.Type)
	if !ok {
		// Stays PENDING until a worker registers; the next dispatch attempt
		// or an explicit run command picks it up.
		return j, nil
	}

	started, err := o.registry.Start(ctx, jobID, w.ID)
	if err != nil {
		return nil, err
	}
	o.workers.SetCurrentJob(w.ID, jobID)

	if o.dispatcher != nil {
		delivery := &dispatcher.Delivery{
			Payload:     command.New(command.TypeRunJob, jobID),
			Destination: w.BaseURL + "/jobs/" + jobID + "/run",
			SigningKey:  o.signingKey,
			OnFailure: func(*dispatcher.Delivery) {
				o.workers.ClearCurrentJob(w.ID, jobID)
				o.logger.Warn("run command undeliverable", "jobId", jobID, "workerId", w.ID)
			},
		}
		if err := o.dispatcher.Dispatch(delivery); err != nil {
			o.logger.Warn("run dispatch rejected", "jobId", jobID, "workerId", w.ID, "error", err)
		}
	}
	return started, nil
}

func (o *Orchestrator) recordResume(ctx context.Context, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordResume(ctx, outcome)
	}
}
