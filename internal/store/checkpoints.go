package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
)

// CheckpointStore persists checkpoint records, one row per job. It implements
// checkpoint.RecordStore.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a checkpoint record store on an open database.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

const checkpointColumns = `job_id, job_type, kind, unit, state, artifact_dir, state_size_bytes, artifact_size_bytes, created_at`

// Upsert inserts or replaces the record for rec's job id. The primary key on
// job_id enforces at most one checkpoint per job; the swap is one statement.
func (s *CheckpointStore) Upsert(ctx context.Context, rec *checkpoint.Record) error {
	query := s.db.rebind(`INSERT INTO checkpoints (` + checkpointColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			job_type = excluded.job_type,
			kind = excluded.kind,
			unit = excluded.unit,
			state = excluded.state,
			artifact_dir = excluded.artifact_dir,
			state_size_bytes = excluded.state_size_bytes,
			artifact_size_bytes = excluded.artifact_size_bytes,
			created_at = excluded.created_at`)
	_, err := s.db.db.ExecContext(ctx, query,
		rec.JobID, rec.JobType, rec.Kind, rec.Unit, rec.State,
		rec.ArtifactDir, rec.StateSizeBytes, rec.ArtifactSizeBytes, rec.CreatedAt.UTC())
	if err != nil {
		return apperrors.Transient("store.upsertCheckpoint", err)
	}
	return nil
}

// Get returns the checkpoint record for a job.
func (s *CheckpointStore) Get(ctx context.Context, jobID string) (*checkpoint.Record, error) {
	query := s.db.rebind(`SELECT ` + checkpointColumns + ` FROM checkpoints WHERE job_id = ?`)
	rec, err := scanCheckpoint(s.db.db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("checkpoint", jobID)
	}
	if err != nil {
		return nil, apperrors.Transient("store.getCheckpoint", err)
	}
	return rec, nil
}

// Delete removes a job's record and reports whether a row existed.
func (s *CheckpointStore) Delete(ctx context.Context, jobID string) (bool, error) {
	query := s.db.rebind(`DELETE FROM checkpoints WHERE job_id = ?`)
	res, err := s.db.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return false, apperrors.Transient("store.deleteCheckpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Transient("store.deleteCheckpoint", err)
	}
	return n == 1, nil
}

// List returns records older than the cutoff, oldest first. A zero cutoff
// returns everything.
func (s *CheckpointStore) List(ctx context.Context, olderThan time.Time) ([]*checkpoint.Record, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	var args []any
	if !olderThan.IsZero() {
		query += ` WHERE created_at < ?`
		args = append(args, olderThan.UTC())
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, apperrors.Transient("store.listCheckpoints", err)
	}
	defer rows.Close()

	var out []*checkpoint.Record
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, apperrors.Transient("store.listCheckpoints", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("store.listCheckpoints", err)
	}
	return out, nil
}

// ArtifactRefs returns each record's artifact directory keyed by job id.
func (s *CheckpointStore) ArtifactRefs(ctx context.Context) (map[string]string, error) {
	query := `SELECT job_id, artifact_dir FROM checkpoints WHERE artifact_dir <> ''`
	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Transient("store.checkpointRefs", err)
	}
	defer rows.Close()

	refs := make(map[string]string)
	for rows.Next() {
		var jobID, dir string
		if err := rows.Scan(&jobID, &dir); err != nil {
			return nil, apperrors.Transient("store.checkpointRefs", err)
		}
		refs[jobID] = dir
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("store.checkpointRefs", err)
	}
	return refs, nil
}

func scanCheckpoint(row rowScanner) (*checkpoint.Record, error) {
	var rec checkpoint.Record
	err := row.Scan(&rec.JobID, &rec.JobType, &rec.Kind, &rec.Unit,
		&rec.State, &rec.ArtifactDir, &rec.StateSizeBytes, &rec.ArtifactSizeBytes, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}
