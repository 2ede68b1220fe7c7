package job

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
)

// memStore is an in-memory Store with the same CAS semantics as the SQL store.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) Insert(ctx context.Context, j *Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return false, nil
	}
	s.jobs[j.ID] = j.Clone()
	return true, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (s *memStore) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if len(statuses) == 0 {
			out = append(out, j.Clone())
			continue
		}
		for _, st := range statuses {
			if j.Status == st {
				out = append(out, j.Clone())
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) UpdateFrom(ctx context.Context, j *Job, from ...Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[j.ID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if current.Status == f {
			s.jobs[j.ID] = j.Clone()
			return true, nil
		}
	}
	return false, nil
}

func newTestRegistry() (*Registry, *memStore) {
	s := newMemStore()
	return NewRegistry(s, nil), s
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPendingReconciliation, true},
		{StatusPendingReconciliation, StatusRunning, true},
		{StatusPendingReconciliation, StatusFailed, true},
		// Terminal jobs re-enter RUNNING only via the resume compare-and-set,
		// never via the generic path.
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusFailed, false},
		{StatusPendingReconciliation, StatusCancelled, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCreateGeneratesIDAndPersistsPending(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, err := r.Create(ctx, CreateParams{Type: TypeTraining, Metadata: map[string]string{"symbol": "EURUSD"}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if j.ID == "" {
		t.Error("Create() did not generate an id")
	}
	if j.Status != StatusPending {
		t.Errorf("Status = %s, want pending", j.Status)
	}

	got, err := r.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Metadata["symbol"] != "EURUSD" {
		t.Error("metadata not round-tripped")
	}
}

func TestCreateRetrySameIDDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	r, s := newTestRegistry()
	ctx := context.Background()

	for range 2 {
		if _, err := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeBacktest}); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Errorf("store holds %d jobs, want 1", len(all))
	}
}

func TestStartSetsOwnerOnRemoteJobsOnly(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	remote, _ := r.Create(ctx, CreateParams{ID: "remote", Type: TypeTraining})
	local, _ := r.Create(ctx, CreateParams{ID: "local", Type: TypeBacktest, Local: true})

	started, err := r.Start(ctx, remote.ID, "worker-a")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if started.OwnerWorkerID != "worker-a" {
		t.Errorf("OwnerWorkerID = %q, want worker-a", started.OwnerWorkerID)
	}
	if started.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	startedLocal, err := r.Start(ctx, local.ID, "worker-a")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if startedLocal.OwnerWorkerID != "" {
		t.Error("local jobs must never carry an owner")
	}
}

func TestOwnerClearedOnTerminalStates(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	for _, tt := range []struct {
		name string
		end  func(id string) (*Job, error)
		want Status
	}{
		{"complete", func(id string) (*Job, error) { return r.Complete(ctx, id, nil) }, StatusCompleted},
		{"fail", func(id string) (*Job, error) { return r.Fail(ctx, id, "boom") }, StatusFailed},
		{"cancel", func(id string) (*Job, error) { return r.Cancel(ctx, id) }, StatusCancelled},
	} {
		j, _ := r.Create(ctx, CreateParams{ID: "job-" + tt.name, Type: TypeTraining})
		r.Start(ctx, j.ID, "worker-a")

		ended, err := tt.end(j.ID)
		if err != nil {
			t.Fatalf("%s error: %v", tt.name, err)
		}
		if ended.Status != tt.want {
			t.Errorf("%s: Status = %s, want %s", tt.name, ended.Status, tt.want)
		}
		if ended.OwnerWorkerID != "" {
			t.Errorf("%s: owner not cleared", tt.name)
		}
		if ended.CompletedAt == nil {
			t.Errorf("%s: CompletedAt not set", tt.name)
		}
	}
}

func TestRepeatedTransitionIsNoOp(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	if _, err := r.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if _, err := r.Cancel(ctx, j.ID); err != nil {
		t.Errorf("repeated Cancel() should be a no-op, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})

	// pending -> completed is not an edge
	if _, err := r.Complete(ctx, j.ID, nil); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Complete(pending) error = %v, want InvalidTransition", err)
	}

	r.Start(ctx, j.ID, "worker-a")
	r.Complete(ctx, j.ID, nil)

	// completed is irreversible
	if _, err := r.Fail(ctx, j.ID, "x"); !errors.Is(err, apperrors.ErrAlreadyCompleted) {
		t.Errorf("Fail(completed) error = %v, want AlreadyCompleted", err)
	}
}

func TestStartCannotRestartTerminalJob(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	r.Fail(ctx, j.ID, "worker died")

	// A plain status update must not revive a terminal job; that would skip
	// the checkpoint check and leave the failure fields behind.
	if _, err := r.Start(ctx, j.ID, "worker-b"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("Start(failed) error = %v, want InvalidTransition", err)
	}

	got, _ := r.Get(ctx, j.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "worker died" || got.CompletedAt == nil {
		t.Errorf("failed job mutated by rejected Start: %+v", got)
	}

	// Resume remains the one path back to RUNNING, and it resets the fields.
	won, current, err := r.TryResume(ctx, j.ID)
	if err != nil || !won {
		t.Fatalf("TryResume() = %v, %v, want a win", won, err)
	}
	if current.ErrorMessage != "" || current.CompletedAt != nil {
		t.Errorf("resume left terminal fields set: %+v", current)
	}

	j2, _ := r.Create(ctx, CreateParams{ID: "j-2", Type: TypeTraining})
	r.Start(ctx, j2.ID, "worker-a")
	r.Cancel(ctx, j2.ID)
	if _, err := r.Start(ctx, j2.ID, "worker-b"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Errorf("Start(cancelled) error = %v, want InvalidTransition", err)
	}
}

func TestCompletionHookFires(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	var hooked string
	r.SetCompletionHook(func(ctx context.Context, jobID string) { hooked = jobID })

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	r.Fail(ctx, j.ID, "transient")
	if hooked != "" {
		t.Error("hook must fire on COMPLETED only")
	}

	j2, _ := r.Create(ctx, CreateParams{ID: "j-2", Type: TypeTraining})
	r.Start(ctx, j2.ID, "worker-a")
	r.Complete(ctx, j2.ID, nil)
	if hooked != "j-2" {
		t.Errorf("hook fired for %q, want j-2", hooked)
	}
}

func TestUpdateProgressStaysInMemory(t *testing.T) {
	t.Parallel()
	r, s := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")

	if err := r.UpdateProgress(ctx, j.ID, 42.5, "epoch 17/40"); err != nil {
		t.Fatalf("UpdateProgress() error: %v", err)
	}

	got, _ := r.Get(ctx, j.ID)
	if got.ProgressPct != 42.5 || got.ProgressMessage != "epoch 17/40" {
		t.Errorf("progress = %v %q, want 42.5 %q", got.ProgressPct, got.ProgressMessage, "epoch 17/40")
	}

	// The durable row never sees progress.
	stored, _ := s.Get(ctx, j.ID)
	if stored.ProgressPct != 0 {
		t.Error("progress leaked into the durable store")
	}
}

func TestProgressSurvivesPersistedUpdates(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	r.UpdateProgress(ctx, j.ID, 10, "bar 1000")
	r.UpdateProgress(ctx, j.ID, 20, "bar 2000")

	got, _ := r.Get(ctx, j.ID)
	if got.ProgressPct != 20 {
		t.Errorf("ProgressPct = %v, want 20", got.ProgressPct)
	}
}

func TestTryResumeRaceExactlyOneWinner(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	r.Cancel(ctx, j.ID)

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, _, err := r.TryResume(ctx, j.ID)
			if err != nil {
				t.Errorf("TryResume() error: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}

	got, _ := r.Get(ctx, j.ID)
	if got.Status != StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.ErrorMessage != "" || got.CompletedAt != nil {
		t.Error("resume must clear error message and completion timestamp")
	}
}

func TestTryResumeNotResumableStates(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	won, current, err := r.TryResume(ctx, j.ID)
	if err != nil {
		t.Fatalf("TryResume() error: %v", err)
	}
	if won {
		t.Error("resume must not win against a pending job")
	}
	if current.Status != StatusPending {
		t.Errorf("current.Status = %s, want pending", current.Status)
	}
}

func TestForceRun(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	r.Fail(ctx, j.ID, "worker a died")

	got, err := r.ForceRun(ctx, j.ID, "worker-b")
	if err != nil {
		t.Fatalf("ForceRun() error: %v", err)
	}
	if got.Status != StatusRunning || got.OwnerWorkerID != "worker-b" {
		t.Errorf("got %s/%s, want running/worker-b", got.Status, got.OwnerWorkerID)
	}
	if got.ErrorMessage != "" {
		t.Error("ForceRun must clear the error message")
	}

	r.Complete(ctx, j.ID, nil)
	if _, err := r.ForceRun(ctx, j.ID, "worker-c"); !errors.Is(err, apperrors.ErrAlreadyCompleted) {
		t.Errorf("ForceRun(completed) error = %v, want AlreadyCompleted", err)
	}
}

func TestAdoptRunning(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	j, err := r.AdoptRunning(ctx, "ghost-1", "worker-a", TypeTraining)
	if err != nil {
		t.Fatalf("AdoptRunning() error: %v", err)
	}
	if j.Status != StatusRunning || j.OwnerWorkerID != "worker-a" {
		t.Errorf("got %s/%s, want running/worker-a", j.Status, j.OwnerWorkerID)
	}
}

func TestRecordReported(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()
	ctx := context.Background()

	// Unknown job: a terminal record is created.
	if err := r.RecordReported(ctx, "gone-1", StatusCompleted, map[string]any{"acc": 0.93}, "", TypeTraining); err != nil {
		t.Fatalf("RecordReported() error: %v", err)
	}
	got, _ := r.Get(ctx, "gone-1")
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}

	// Known running job: transitioned to the reported status.
	j, _ := r.Create(ctx, CreateParams{ID: "j-1", Type: TypeTraining})
	r.Start(ctx, j.ID, "worker-a")
	if err := r.RecordReported(ctx, j.ID, StatusFailed, nil, "oom", TypeTraining); err != nil {
		t.Fatalf("RecordReported() error: %v", err)
	}
	got, _ = r.Get(ctx, j.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "oom" {
		t.Errorf("got %s/%q, want failed/oom", got.Status, got.ErrorMessage)
	}

	// Already terminal: untouched.
	if err := r.RecordReported(ctx, j.ID, StatusCompleted, nil, "", TypeTraining); err != nil {
		t.Fatalf("RecordReported() error: %v", err)
	}
	got, _ = r.Get(ctx, j.ID)
	if got.Status != StatusFailed {
		t.Error("terminal status must not be overwritten by a report")
	}

	// Non-terminal report is rejected.
	if err := r.RecordReported(ctx, "j-x", StatusRunning, nil, "", TypeTraining); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("RecordReported(running) error = %v, want validation error", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry()

	_, err := r.Get(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() error = %v, want NotFound", err)
	}
}
