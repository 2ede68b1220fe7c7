package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/store"
	"github.com/kpiteira/ktrdr-sub003/internal/testutil"
)

type recordingReporter struct {
	mu      sync.Mutex
	patches []StatusPatch
}

func (r *recordingReporter) ReportStatus(ctx context.Context, jobID string, patch StatusPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, patch)
	return nil
}

func (r *recordingReporter) ReportProgress(ctx context.Context, jobID string, pct float64, message string) error {
	return nil
}

func (r *recordingReporter) last() (StatusPatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.patches) == 0 {
		return StatusPatch{}, false
	}
	return r.patches[len(r.patches)-1], true
}

func newTestCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return checkpoint.NewStore(store.NewCheckpointStore(db), t.TempDir(), nil)
}

func newTestExecutor(t *testing.T, backends map[job.Type]RunFunc, everyUnits int64) (*Executor, *recordingReporter, *checkpoint.Store) {
	t.Helper()
	checkpoints := newTestCheckpoints(t)
	policy := checkpoint.NewPolicy(checkpoint.PolicyConfig{
		Defaults: checkpoint.Rule{EveryUnits: everyUnits, EveryInterval: time.Hour},
	})
	reporter := &recordingReporter{}
	return NewExecutor(backends, checkpoints, policy, reporter, "w-1"), reporter, checkpoints
}

// countingBackend computes units startUnit..lastUnit, offering a checkpoint
// at every boundary.
func countingBackend(lastUnit int64) RunFunc {
	return func(ec *ExecContext) (map[string]any, error) {
		for unit := ec.StartUnit(); unit <= lastUnit; unit++ {
			if ec.Cancelled() {
				return nil, nil
			}
			state := []byte(fmt.Sprintf(`{"unit":%d}`, unit))
			ec.Checkpoint(unit, state, nil)
		}
		return map[string]any{"lastUnit": float64(lastUnit)}, nil
	}
}

func waitTerminal(t *testing.T, reporter *recordingReporter) StatusPatch {
	t.Helper()
	testutil.MustWaitFor(t, 2*time.Second, "no terminal status reported", func() bool {
		patch, ok := reporter.last()
		return ok && patch.Status.Terminal()
	})
	patch, _ := reporter.last()
	return patch
}

func TestExecutorRunsToCompletion(t *testing.T) {
	t.Parallel()
	backends := map[job.Type]RunFunc{job.TypeTraining: countingBackend(9)}
	exec, reporter, checkpoints := newTestExecutor(t, backends, 3)

	j := &job.Job{ID: "j-1", Type: job.TypeTraining}
	if err := exec.Start(j, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	patch := waitTerminal(t, reporter)
	if patch.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want completed", patch.Status)
	}
	if patch.Result["lastUnit"] != float64(9) {
		t.Errorf("Result = %v", patch.Result)
	}
	if patch.WorkerID != "w-1" {
		t.Errorf("WorkerID = %q", patch.WorkerID)
	}

	// Periodic checkpoints happened along the way.
	rec, _, err := checkpoints.Load(context.Background(), "j-1", false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rec.Kind != checkpoint.KindPeriodic {
		t.Errorf("Kind = %s, want periodic", rec.Kind)
	}
	if rec.Unit < 6 {
		t.Errorf("Unit = %d, want at least 6 with cadence 3 over 10 units", rec.Unit)
	}
}

func TestExecutorResumeRestartsAfterCheckpointedUnit(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var observedStart int64
	var observedState []byte
	backends := map[job.Type]RunFunc{
		job.TypeTraining: func(ec *ExecContext) (map[string]any, error) {
			mu.Lock()
			observedStart = ec.StartUnit()
			observedState = ec.RestoredState()
			mu.Unlock()
			return nil, nil
		},
	}
	exec, reporter, checkpoints := newTestExecutor(t, backends, 100)

	if _, err := checkpoints.Save(context.Background(), checkpoint.SaveRequest{
		JobID: "j-1", JobType: "training", Kind: checkpoint.KindPeriodic, Unit: 4,
		State: []byte(`{"unit":4}`),
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	j := &job.Job{ID: "j-1", Type: job.TypeTraining}
	if err := exec.Start(j, true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitTerminal(t, reporter)

	mu.Lock()
	defer mu.Unlock()
	if observedStart != 5 {
		t.Errorf("StartUnit = %d, want 5 (checkpointed unit + 1)", observedStart)
	}
	if string(observedState) != `{"unit":4}` {
		t.Errorf("RestoredState = %s", observedState)
	}
}

func TestExecutorResumeWithoutCheckpointFails(t *testing.T) {
	t.Parallel()
	backends := map[job.Type]RunFunc{job.TypeTraining: countingBackend(3)}
	exec, _, _ := newTestExecutor(t, backends, 1)

	err := exec.Start(&job.Job{ID: "j-x", Type: job.TypeTraining}, true)
	if err == nil {
		t.Fatal("Start() from missing checkpoint succeeded")
	}
}

func TestExecutorStopCancelsAndCheckpoints(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	backends := map[job.Type]RunFunc{
		job.TypeTraining: func(ec *ExecContext) (map[string]any, error) {
			for unit := int64(0); ; unit++ {
				if unit == 1 {
					close(started)
				}
				if ec.Cancelled() {
					return nil, nil
				}
				ec.Checkpoint(unit, []byte(fmt.Sprintf(`{"unit":%d}`, unit)), nil)
				time.Sleep(5 * time.Millisecond)
			}
		},
	}
	exec, reporter, checkpoints := newTestExecutor(t, backends, 1000)

	j := &job.Job{ID: "j-1", Type: job.TypeTraining}
	if err := exec.Start(j, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-started

	if !exec.Stop("j-1") {
		t.Fatal("Stop() = false for the executing job")
	}

	patch := waitTerminal(t, reporter)
	if patch.Status != job.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", patch.Status)
	}

	rec, _, err := checkpoints.Load(context.Background(), "j-1", false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rec.Kind != checkpoint.KindCancellation {
		t.Errorf("final checkpoint Kind = %s, want cancellation", rec.Kind)
	}
}

func TestExecutorStopUnknownJob(t *testing.T) {
	t.Parallel()
	exec, _, _ := newTestExecutor(t, nil, 1)
	if exec.Stop("j-1") {
		t.Error("Stop() = true with nothing running")
	}
}

func TestExecutorShutdownRace(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	backends := map[job.Type]RunFunc{
		job.TypeTraining: func(ec *ExecContext) (map[string]any, error) {
			for unit := int64(0); ; unit++ {
				if unit == 1 {
					close(started)
				}
				if ec.Cancelled() {
					return nil, nil
				}
				ec.Checkpoint(unit, []byte(fmt.Sprintf(`{"unit":%d}`, unit)), nil)
				time.Sleep(5 * time.Millisecond)
			}
		},
	}
	exec, reporter, checkpoints := newTestExecutor(t, backends, 1000)

	j := &job.Job{ID: "j-1", Type: job.TypeTraining}
	if err := exec.Start(j, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exec.Shutdown(ctx)

	patch, ok := reporter.last()
	if !ok || patch.Status != job.StatusCancelled {
		t.Fatalf("patch = %+v, want cancelled after shutdown", patch)
	}

	rec, _, err := checkpoints.Load(context.Background(), "j-1", false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rec.Kind != checkpoint.KindShutdown {
		t.Errorf("Kind = %s, want shutdown", rec.Kind)
	}
}

func TestExecutorShutdownWithNothingRunning(t *testing.T) {
	t.Parallel()
	exec, _, _ := newTestExecutor(t, nil, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	exec.Shutdown(ctx) // must return immediately
}

func TestExecutorRejectsSecondJob(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	backends := map[job.Type]RunFunc{
		job.TypeTraining: func(ec *ExecContext) (map[string]any, error) {
			<-release
			return nil, nil
		},
	}
	exec, reporter, _ := newTestExecutor(t, backends, 1)

	if err := exec.Start(&job.Job{ID: "j-1", Type: job.TypeTraining}, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := exec.Start(&job.Job{ID: "j-2", Type: job.TypeTraining}, false); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start() error = %v, want ErrBusy", err)
	}
	if got := exec.CurrentJobID(); got != "j-1" {
		t.Errorf("CurrentJobID() = %q", got)
	}

	close(release)
	waitTerminal(t, reporter)

	// Slot is free again once the first job finishes.
	testutil.MustWaitFor(t, time.Second, "executor slot not released", func() bool {
		return exec.CurrentJobID() == ""
	})
}

func TestExecutorBackendErrorReportsFailed(t *testing.T) {
	t.Parallel()

	backends := map[job.Type]RunFunc{
		job.TypeTraining: func(ec *ExecContext) (map[string]any, error) {
			ec.Checkpoint(3, []byte(`{"unit":3}`), nil)
			return nil, errors.New("gpu oom")
		},
	}
	exec, reporter, checkpoints := newTestExecutor(t, backends, 1)

	if err := exec.Start(&job.Job{ID: "j-1", Type: job.TypeTraining}, false); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	patch := waitTerminal(t, reporter)
	if patch.Status != job.StatusFailed || patch.ErrorMessage != "gpu oom" {
		t.Fatalf("patch = %+v", patch)
	}

	// The failure path still preserves the last offered state for resume.
	rec, _, err := checkpoints.Load(context.Background(), "j-1", false)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if rec.Unit != 3 {
		t.Errorf("Unit = %d, want 3", rec.Unit)
	}
	if rec.Kind != checkpoint.KindFailure {
		t.Errorf("Kind = %s, want failure", rec.Kind)
	}
}

func TestExecutorUnknownJobType(t *testing.T) {
	t.Parallel()
	exec, _, _ := newTestExecutor(t, map[job.Type]RunFunc{}, 1)

	err := exec.Start(&job.Job{ID: "j-1", Type: "render"}, false)
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("Start() error = %v, want ErrUnknownJobType", err)
	}
}
