// Package checkpoint persists resumable job state. A checkpoint is a hybrid
// of a durable record (the serialized engine state plus bookkeeping, kept in
// the relational store) and an optional artifact directory on shared storage
// for payloads too large to inline, such as model weights.
//
// Each job has at most one checkpoint. Saving replaces the previous one
// all-or-nothing: new artifacts are written first, the record row is swapped
// in a single upsert, and only then is the old artifact directory removed.
package checkpoint

import (
	"context"
	"time"
)

// Kind records what triggered a checkpoint save.
const (
	KindPeriodic     = "periodic"
	KindCancellation = "cancellation"
	KindFailure      = "failure"
	KindShutdown     = "shutdown"
)

// Record is the durable portion of a checkpoint.
type Record struct {
	JobID   string `json:"jobId"`
	JobType string `json:"jobType"`
	Kind    string `json:"kind"`

	// Unit is the backend's progress marker: epoch for training, bar index
	// for backtests.
	Unit int64 `json:"unit"`

	// State is the serialized engine state, opaque to the coordinator.
	State []byte `json:"state,omitempty"`

	// ArtifactDir is empty when the checkpoint carries no artifacts.
	ArtifactDir       string    `json:"artifactDir,omitempty"`
	StateSizeBytes    int64     `json:"stateSizeBytes"`
	ArtifactSizeBytes int64     `json:"artifactSizeBytes"`
	CreatedAt         time.Time `json:"createdAt"`
}

// RecordStore is the durable backend for checkpoint records. The SQL
// implementation lives in internal/store.
type RecordStore interface {
	// Upsert inserts or replaces the record for its job id.
	Upsert(ctx context.Context, rec *Record) error
	// Get returns the record for a job, or apperrors.NotFound.
	Get(ctx context.Context, jobID string) (*Record, error)
	// Delete removes the record. Deleting a missing record is not an error;
	// the returned bool reports whether a row existed.
	Delete(ctx context.Context, jobID string) (bool, error)
	// List returns all records older than the cutoff. A zero cutoff returns
	// everything.
	List(ctx context.Context, olderThan time.Time) ([]*Record, error)
	// ArtifactRefs returns the artifact directory referenced by each job's
	// record, keyed by job id. Records without artifacts are omitted.
	ArtifactRefs(ctx context.Context) (map[string]string, error)
}
