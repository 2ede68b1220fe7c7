package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/health"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/resume"
	"github.com/kpiteira/ktrdr-sub003/internal/store"
)

const testAPIKey = "test-key"

type env struct {
	srv         *httptest.Server
	registry    *job.Registry
	checkpoints *checkpoint.Store
	workers     *directory.Directory
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := store.Open("sqlite3", filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}

	registry := job.NewRegistry(store.NewJobStore(db), nil)
	checkpoints := checkpoint.NewStore(store.NewCheckpointStore(db), t.TempDir(), nil)
	workers := directory.New(registry, nil)
	resumer := resume.New(registry, checkpoints, workers, nil, nil, "", nil)

	router := NewRouter(RouterConfig{
		Registry:      registry,
		Resumer:       resumer,
		Checkpoints:   checkpoints,
		Workers:       workers,
		HealthChecker: health.NewChecker(db),
		APIKey:        testAPIKey,
		Retention:     30 * 24 * time.Hour,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, registry: registry, checkpoints: checkpoints, workers: workers}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeError(t *testing.T, data []byte) errorInfo {
	t.Helper()
	var body map[string]errorInfo
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("error body does not decode: %v (%s)", err, data)
	}
	return body["error"]
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", resp.StatusCode)
	}
}

func TestProbesRequireNoAuth(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, path := range []string{"/livez", "/readyz"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, data := e.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{
		Type:     job.TypeTraining,
		Metadata: map[string]string{"symbol": "EURUSD"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status = %d, body %s", resp.StatusCode, data)
	}
	var created job.Job
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != job.StatusPending {
		t.Errorf("created = %s/%s, want generated id and pending", created.ID, created.Status)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", resp.StatusCode)
	}
	var got job.Job
	json.Unmarshal(data, &got)
	if got.Metadata["symbol"] != "EURUSD" {
		t.Error("metadata lost across the API")
	}
}

func TestCreateDispatchesWhenWorkerAvailable(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.workers.Register(ctx, &directory.Registration{WorkerID: "w-1", BaseURL: "http://w-1:9100"})

	resp, data := e.do(t, http.MethodPost, "/v1/jobs", CreateJobRequest{Type: job.TypeBacktest})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var created job.Job
	json.Unmarshal(data, &created)
	if created.Status != job.StatusRunning || created.OwnerWorkerID != "w-1" {
		t.Errorf("created = %s/%s, want running/w-1", created.Status, created.OwnerWorkerID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, data := e.do(t, http.MethodGet, "/v1/jobs/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "JOB_NOT_FOUND" {
		t.Errorf("code = %q, want JOB_NOT_FOUND", info.Code)
	}
}

func TestStatusPatchLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.registry.Create(ctx, job.CreateParams{ID: "j-1", Type: job.TypeTraining})

	resp, _ := e.do(t, http.MethodPatch, "/v1/jobs/j-1/status", StatusPatchRequest{
		Status: job.StatusRunning, WorkerID: "w-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch running: status = %d", resp.StatusCode)
	}

	resp, data := e.do(t, http.MethodPatch, "/v1/jobs/j-1/status", StatusPatchRequest{
		Status: job.StatusCompleted, WorkerID: "w-1",
		Result: map[string]any{"accuracy": 0.93},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch completed: status = %d, body %s", resp.StatusCode, data)
	}
	var done job.Job
	json.Unmarshal(data, &done)
	if done.Status != job.StatusCompleted || done.Result["accuracy"] != 0.93 {
		t.Errorf("got %s/%v", done.Status, done.Result)
	}

	// COMPLETED is final.
	resp, data = e.do(t, http.MethodPatch, "/v1/jobs/j-1/status", StatusPatchRequest{Status: job.StatusFailed})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("patch after completed: status = %d, want 409", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "ALREADY_COMPLETED" {
		t.Errorf("code = %q, want ALREADY_COMPLETED", info.Code)
	}
}

func TestStatusPatchCannotRestartTerminalJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.registry.Create(ctx, job.CreateParams{ID: "j-1", Type: job.TypeTraining})
	e.registry.Start(ctx, "j-1", "w-1")
	e.registry.Fail(ctx, "j-1", "worker died")

	// A status patch must not bypass the resume endpoint for terminal jobs.
	resp, data := e.do(t, http.MethodPatch, "/v1/jobs/j-1/status", StatusPatchRequest{
		Status: job.StatusRunning, WorkerID: "w-2",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("patch running on failed job: status = %d, want 409", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "INVALID_TRANSITION" {
		t.Errorf("code = %q, want INVALID_TRANSITION", info.Code)
	}

	got, _ := e.registry.Get(ctx, "j-1")
	if got.Status != job.StatusFailed || got.ErrorMessage != "worker died" {
		t.Errorf("job mutated by rejected patch: %+v", got)
	}
}

func TestStatusPatchRejectsBadStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.registry.Create(context.Background(), job.CreateParams{ID: "j-1", Type: job.TypeTraining})

	resp, data := e.do(t, http.MethodPatch, "/v1/jobs/j-1/status", map[string]string{"status": "paused"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "VALIDATION" {
		t.Errorf("code = %q, want VALIDATION", info.Code)
	}
}

func TestProgressRoundTrip(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.registry.Create(ctx, job.CreateParams{ID: "j-1", Type: job.TypeTraining})
	e.registry.Start(ctx, "j-1", "w-1")

	resp, _ := e.do(t, http.MethodPost, "/v1/jobs/j-1/progress", ProgressRequest{
		ProgressPct: 37.5, ProgressMessage: "epoch 15/40",
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("progress: status = %d, want 204", resp.StatusCode)
	}

	_, data := e.do(t, http.MethodGet, "/v1/jobs/j-1", nil)
	var got job.Job
	json.Unmarshal(data, &got)
	if got.ProgressPct != 37.5 || got.ProgressMessage != "epoch 15/40" {
		t.Errorf("progress = %v %q", got.ProgressPct, got.ProgressMessage)
	}
}

func TestResumeEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.registry.Create(ctx, job.CreateParams{ID: "j-1", Type: job.TypeTraining})
	e.registry.Start(ctx, "j-1", "w-1")
	e.registry.Fail(ctx, "j-1", "gpu oom")

	// No checkpoint: 404, and the job rolls back to FAILED.
	resp, data := e.do(t, http.MethodPost, "/v1/jobs/j-1/resume", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resume without checkpoint: status = %d, body %s", resp.StatusCode, data)
	}
	if info := decodeError(t, data); info.Code != "CHECKPOINT_NOT_FOUND" {
		t.Errorf("code = %q, want CHECKPOINT_NOT_FOUND", info.Code)
	}
	j, _ := e.registry.Get(ctx, "j-1")
	if j.Status != job.StatusFailed {
		t.Fatalf("job = %s, want failed after rollback", j.Status)
	}

	// With a checkpoint the resume wins and reports its source.
	if _, err := e.checkpoints.Save(ctx, checkpoint.SaveRequest{
		JobID: "j-1", JobType: "training", Kind: checkpoint.KindPeriodic, Unit: 23,
		State: []byte(`{"epoch":23}`),
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	resp, data = e.do(t, http.MethodPost, "/v1/jobs/j-1/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume: status = %d, body %s", resp.StatusCode, data)
	}
	var receipt resume.Receipt
	json.Unmarshal(data, &receipt)
	if receipt.Status != job.StatusRunning || receipt.ResumedFrom == nil || receipt.ResumedFrom.ProgressMarker != 23 {
		t.Errorf("receipt = %+v", receipt)
	}

	// A second resume now conflicts.
	resp, data = e.do(t, http.MethodPost, "/v1/jobs/j-1/resume", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat resume: status = %d, want 409", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "ALREADY_RUNNING" {
		t.Errorf("code = %q, want ALREADY_RUNNING", info.Code)
	}
}

func TestResumeNotResumableDetails(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.registry.Create(context.Background(), job.CreateParams{ID: "j-1", Type: job.TypeTraining})

	resp, data := e.do(t, http.MethodPost, "/v1/jobs/j-1/resume", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	info := decodeError(t, data)
	if info.Code != "NOT_RESUMABLE" {
		t.Errorf("code = %q, want NOT_RESUMABLE", info.Code)
	}
	if info.Details["status"] != "pending" {
		t.Errorf("details.status = %q, want pending", info.Details["status"])
	}
}

func TestWorkerEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	resp, data := e.do(t, http.MethodPost, "/v1/workers/register", directory.Registration{
		WorkerID: "w-1", Hostname: "gpu-1", BaseURL: "http://gpu-1:9100",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status = %d, body %s", resp.StatusCode, data)
	}
	var result directory.RegistrationResult
	json.Unmarshal(data, &result)
	if !result.Accepted {
		t.Error("registration not accepted")
	}

	resp, data = e.do(t, http.MethodGet, "/v1/workers/w-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get worker: status = %d", resp.StatusCode)
	}
	var w directory.Worker
	json.Unmarshal(data, &w)
	if w.Hostname != "gpu-1" {
		t.Errorf("Hostname = %q", w.Hostname)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/workers/w-2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown worker: status = %d, want 404", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "WORKER_NOT_FOUND" {
		t.Errorf("code = %q, want WORKER_NOT_FOUND", info.Code)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/workers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list workers: status = %d", resp.StatusCode)
	}
	var list struct {
		Workers []*directory.Worker `json:"workers"`
	}
	json.Unmarshal(data, &list)
	if len(list.Workers) != 1 {
		t.Errorf("workers = %d, want 1", len(list.Workers))
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.checkpoints.Save(ctx, checkpoint.SaveRequest{
		JobID: "j-1", JobType: "training", Kind: checkpoint.KindPeriodic, Unit: 7,
		State:     []byte(`{"epoch":7}`),
		Artifacts: map[string][]byte{"weights.bin": []byte("www")},
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	resp, data := e.do(t, http.MethodGet, "/v1/checkpoints", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var list struct {
		Checkpoints []*checkpoint.Record `json:"checkpoints"`
	}
	json.Unmarshal(data, &list)
	if len(list.Checkpoints) != 1 || list.Checkpoints[0].Unit != 7 {
		t.Errorf("checkpoints = %+v", list.Checkpoints)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/checkpoints?older_than_days=30", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered list: status = %d", resp.StatusCode)
	}
	list.Checkpoints = nil
	json.Unmarshal(data, &list)
	if len(list.Checkpoints) != 0 {
		t.Errorf("fresh checkpoint matched 30-day cutoff: %+v", list.Checkpoints)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/checkpoints?older_than_days=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cutoff: status = %d, want 400", resp.StatusCode)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/checkpoints/j-1?include_artifacts=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status = %d", resp.StatusCode)
	}
	var cp CheckpointResponse
	json.Unmarshal(data, &cp)
	if string(cp.Artifacts["weights.bin"]) != "www" {
		t.Errorf("artifacts = %v", cp.Artifacts)
	}

	resp, _ = e.do(t, http.MethodDelete, "/v1/checkpoints/j-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d, want 204", resp.StatusCode)
	}

	resp, data = e.do(t, http.MethodGet, "/v1/checkpoints/j-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", resp.StatusCode)
	}
	if info := decodeError(t, data); info.Code != "CHECKPOINT_NOT_FOUND" {
		t.Errorf("code = %q, want CHECKPOINT_NOT_FOUND", info.Code)
	}
}

func TestCheckpointCleanup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.checkpoints.Save(ctx, checkpoint.SaveRequest{
		JobID: "j-1", JobType: "training", Kind: checkpoint.KindPeriodic,
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	resp, _ := e.do(t, http.MethodPost, "/v1/checkpoints/cleanup?max_age_days=0", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad max_age_days: status = %d, want 400", resp.StatusCode)
	}

	resp, data := e.do(t, http.MethodPost, "/v1/checkpoints/cleanup?max_age_days=30", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: status = %d", resp.StatusCode)
	}
	var out map[string]int
	json.Unmarshal(data, &out)
	if out["removed"] != 0 {
		t.Errorf("removed = %d, want 0 (nothing stale)", out["removed"])
	}
}

func TestContentTypeEnforced(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/jobs", bytes.NewReader([]byte("type=training")))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", resp.StatusCode)
	}
}

func TestListJobsFilter(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	e.registry.Create(ctx, job.CreateParams{ID: "a", Type: job.TypeTraining})
	e.registry.Create(ctx, job.CreateParams{ID: "b", Type: job.TypeTraining})
	e.registry.Start(ctx, "b", "w-1")

	resp, data := e.do(t, http.MethodGet, "/v1/jobs?status=running", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status = %d", resp.StatusCode)
	}
	var list struct {
		Jobs []*job.Job `json:"jobs"`
	}
	json.Unmarshal(data, &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != "b" {
		t.Errorf("jobs = %s", fmt.Sprint(list.Jobs))
	}
}
