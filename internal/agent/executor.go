package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
)

// ErrBusy is returned when a run command arrives while a job is executing.
// The executor runs exactly one job at a time.
var ErrBusy = errors.New("a job is already running")

// ErrUnknownJobType is returned when no backend is registered for a job's type.
var ErrUnknownJobType = errors.New("no backend registered for job type")

// StatusReporter delivers lifecycle and progress updates for a job. The
// remote implementation PATCHes the coordinator; the local one writes to the
// registry directly.
type StatusReporter interface {
	ReportStatus(ctx context.Context, jobID string, patch StatusPatch) error
	ReportProgress(ctx context.Context, jobID string, pct float64, message string) error
}

// RunFunc is a job backend. It computes in units (epochs, bars), checking
// Cancelled() and offering Checkpoint() at every unit boundary. When
// Cancelled() turns true the backend returns promptly; the executor handles
// the final checkpoint and the status report.
type RunFunc func(ec *ExecContext) (map[string]any, error)

// cancel reasons
const (
	reasonStop     = "stop"
	reasonShutdown = "shutdown"
)

// ExecContext is the backend's window into the execution wrapper.
type ExecContext struct {
	job       *job.Job
	startUnit int64
	restored  []byte

	exec *Executor

	mu           sync.Mutex
	cancelled    bool
	cancelReason string

	// Latest state offered by the backend, kept even when the policy declines
	// a periodic save so the final checkpoint has something to persist.
	lastUnit      int64
	lastState     []byte
	lastArtifacts map[string][]byte
	snapshotTaken bool

	done chan struct{}
}

// JobID returns the id of the executing job.
func (ec *ExecContext) JobID() string { return ec.job.ID }

// Job returns the executing job.
func (ec *ExecContext) Job() *job.Job { return ec.job }

// StartUnit is the first unit the backend should compute. Zero for a fresh
// run; checkpointed unit + 1 after a resume.
func (ec *ExecContext) StartUnit() int64 { return ec.startUnit }

// RestoredState is the checkpointed state blob on resume, nil otherwise.
func (ec *ExecContext) RestoredState() []byte { return ec.restored }

// Cancelled reports whether a stop or shutdown was requested. Backends check
// it at unit boundaries.
func (ec *ExecContext) Cancelled() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelled
}

// Checkpoint offers the current state for a periodic checkpoint. The state is
// always snapshotted; whether it is persisted now is up to the policy. A
// failed save is logged and reported back but never stops the run.
func (ec *ExecContext) Checkpoint(unit int64, state []byte, artifacts map[string][]byte) error {
	ec.mu.Lock()
	ec.lastUnit = unit
	ec.lastState = state
	ec.lastArtifacts = artifacts
	ec.snapshotTaken = true
	ec.mu.Unlock()

	e := ec.exec
	if !e.policy.ShouldCheckpoint(ec.job.ID, string(ec.job.Type), unit, false) {
		return nil
	}
	return e.saveCheckpoint(ec, checkpoint.KindPeriodic, unit, state, artifacts)
}

// Progress reports in-memory progress. Delivery failures are logged and
// dropped; progress is advisory.
func (ec *ExecContext) Progress(pct float64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ec.exec.reporter.ReportProgress(ctx, ec.job.ID, pct, message); err != nil {
		ec.exec.logger.Debug("progress report dropped", "jobId", ec.job.ID, "error", err)
	}
}

func (ec *ExecContext) cancel(reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.cancelled {
		return
	}
	ec.cancelled = true
	ec.cancelReason = reason
}

func (ec *ExecContext) reason() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelReason
}

func (ec *ExecContext) snapshot() (int64, []byte, map[string][]byte, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.lastUnit, ec.lastState, ec.lastArtifacts, ec.snapshotTaken
}

// Executor is the execution wrapper. It runs one job at a time, enforces the
// checkpoint policy, and owns the cancel / final-checkpoint / report sequence
// on every exit path.
type Executor struct {
	backends    map[job.Type]RunFunc
	checkpoints *checkpoint.Store
	policy      *checkpoint.Policy
	reporter    StatusReporter
	workerID    string
	logger      *slog.Logger

	mu      sync.Mutex
	current *ExecContext
}

// NewExecutor creates an execution wrapper. workerID is empty for the
// coordinator's in-process executor.
func NewExecutor(
	backends map[job.Type]RunFunc,
	checkpoints *checkpoint.Store,
	policy *checkpoint.Policy,
	reporter StatusReporter,
	workerID string,
) *Executor {
	return &Executor{
		backends:    backends,
		checkpoints: checkpoints,
		policy:      policy,
		reporter:    reporter,
		workerID:    workerID,
		logger:      slog.Default().With("component", "executor", "workerId", workerID),
	}
}

// Start begins executing a job asynchronously. With fromCheckpoint the
// latest checkpoint is loaded and the backend restarts at its unit + 1.
func (e *Executor) Start(j *job.Job, fromCheckpoint bool) error {
	fn, ok := e.backends[j.Type]
	if !ok {
		return ErrUnknownJobType
	}

	ec := &ExecContext{job: j, exec: e, done: make(chan struct{})}

	if fromCheckpoint {
		rec, artifacts, err := e.checkpoints.Load(context.Background(), j.ID, true)
		if err != nil {
			return err
		}
		ec.startUnit = rec.Unit + 1
		ec.restored = rec.State
		ec.lastUnit = rec.Unit
		ec.lastState = rec.State
		ec.lastArtifacts = artifacts
		ec.snapshotTaken = true
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	e.current = ec
	e.mu.Unlock()

	e.logger.Info("job execution starting",
		"jobId", j.ID, "jobType", j.Type, "fromCheckpoint", fromCheckpoint, "startUnit", ec.startUnit)

	go e.run(ec, fn)
	return nil
}

// run drives one execution to its end and reports the outcome.
func (e *Executor) run(ec *ExecContext, fn RunFunc) {
	defer func() {
		e.policy.Forget(ec.job.ID)
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
		close(ec.done)
	}()

	result, err := fn(ec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case ec.reason() == reasonShutdown:
		// The shutdown race: best-effort checkpoint, best-effort report.
		// Both may fail; the orphan detector and the checkpoint record
		// together keep the job recoverable either way.
		e.saveFinalCheckpoint(ec, checkpoint.KindShutdown)
		e.report(ctx, ec.job.ID, StatusPatch{
			Status: job.StatusCancelled, WorkerID: e.workerID,
		})

	case ec.reason() == reasonStop:
		e.saveFinalCheckpoint(ec, checkpoint.KindCancellation)
		e.report(ctx, ec.job.ID, StatusPatch{
			Status: job.StatusCancelled, WorkerID: e.workerID,
		})

	case err != nil:
		e.saveFinalCheckpoint(ec, checkpoint.KindFailure)
		e.report(ctx, ec.job.ID, StatusPatch{
			Status: job.StatusFailed, WorkerID: e.workerID, ErrorMessage: err.Error(),
		})

	default:
		e.report(ctx, ec.job.ID, StatusPatch{
			Status: job.StatusCompleted, WorkerID: e.workerID, Result: result,
		})
	}

	e.logger.Info("job execution finished",
		"jobId", ec.job.ID, "cancelReason", ec.reason(), "error", err)
}

// Stop requests cooperative cancellation of the current job. It returns false
// when jobID is not executing here.
func (e *Executor) Stop(jobID string) bool {
	e.mu.Lock()
	ec := e.current
	e.mu.Unlock()
	if ec == nil || ec.job.ID != jobID {
		return false
	}
	ec.cancel(reasonStop)
	return true
}

// CurrentJobID returns the id of the executing job, or "".
func (e *Executor) CurrentJobID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.job.ID
}

// CurrentJobType returns the type of the executing job, or "".
func (e *Executor) CurrentJobType() job.Type {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.job.Type
}

// Shutdown cancels the current job with the shutdown reason and waits for the
// final checkpoint and status report, bounded by ctx. A unit that outlives the
// grace window is abandoned; startup reconciliation and the orphan detector
// cover that case.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	ec := e.current
	e.mu.Unlock()
	if ec == nil {
		return
	}

	ec.cancel(reasonShutdown)
	select {
	case <-ec.done:
	case <-ctx.Done():
		e.logger.Warn("shutdown grace expired with job still running", "jobId", ec.job.ID)
	}
}

// RunLocal satisfies the resume orchestrator's local-runner contract for
// jobs executing inside the coordinator process.
func (e *Executor) RunLocal(_ context.Context, j *job.Job, fromCheckpoint bool) error {
	return e.Start(j, fromCheckpoint)
}

// saveFinalCheckpoint persists the latest snapshot. Nothing to save is fine;
// a save failure is logged and swallowed, terminal reporting matters more.
func (e *Executor) saveFinalCheckpoint(ec *ExecContext, kind string) {
	unit, state, artifacts, ok := ec.snapshot()
	if !ok {
		return
	}
	if err := e.saveCheckpoint(ec, kind, unit, state, artifacts); err != nil {
		e.logger.Warn("final checkpoint save failed", "jobId", ec.job.ID, "kind", kind, "error", err)
	}
}

func (e *Executor) saveCheckpoint(ec *ExecContext, kind string, unit int64, state []byte, artifacts map[string][]byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := e.checkpoints.Save(ctx, checkpoint.SaveRequest{
		JobID:     ec.job.ID,
		JobType:   string(ec.job.Type),
		Kind:      kind,
		Unit:      unit,
		State:     state,
		Artifacts: artifacts,
	})
	if err != nil {
		e.logger.Warn("checkpoint save failed", "jobId", ec.job.ID, "unit", unit, "error", err)
		return err
	}

	e.policy.MarkCheckpointed(ec.job.ID, unit)
	e.logger.Info("checkpoint saved", "jobId", ec.job.ID, "kind", kind, "unit", unit)
	return nil
}

func (e *Executor) report(ctx context.Context, jobID string, patch StatusPatch) {
	if err := e.reporter.ReportStatus(ctx, jobID, patch); err != nil {
		e.logger.Warn("status report failed",
			"jobId", jobID, "status", patch.Status, "error", err)
	}
}
