package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
)

// JobStore persists jobs. It implements job.Store.
type JobStore struct {
	db *DB
}

// NewJobStore creates a job store on an open database.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, type, status, owner_worker_id, is_local, metadata, result, error_message, created_at, started_at, completed_at`

// Insert adds a new job row. It returns false without error when a row with
// the same id already exists, which lets retried creates stay idempotent.
func (s *JobStore) Insert(ctx context.Context, j *job.Job) (bool, error) {
	metadata, result, err := marshalJobBlobs(j)
	if err != nil {
		return false, apperrors.Internal("store.insertJob", err)
	}
	query := s.db.rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := s.db.db.ExecContext(ctx, query,
		j.ID, string(j.Type), string(j.Status), j.OwnerWorkerID, j.Local,
		metadata, result, j.ErrorMessage,
		j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if err != nil {
		return false, apperrors.Transient("store.insertJob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Transient("store.insertJob", err)
	}
	return n == 1, nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	query := s.db.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	j, err := scanJob(s.db.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, apperrors.Transient("store.getJob", err)
	}
	return j, nil
}

// List returns jobs, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, statuses ...job.Status) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, apperrors.Transient("store.listJobs", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperrors.Transient("store.listJobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Transient("store.listJobs", err)
	}
	return out, nil
}

// UpdateFrom writes the full job row, guarded on the current status being one
// of the given values. The single UPDATE statement makes the status change a
// compare-and-set: under a resume race exactly one caller sees true.
func (s *JobStore) UpdateFrom(ctx context.Context, j *job.Job, from ...job.Status) (bool, error) {
	if len(from) == 0 {
		return false, apperrors.Internal("store.updateJob", errors.New("empty status guard"))
	}
	metadata, result, err := marshalJobBlobs(j)
	if err != nil {
		return false, apperrors.Internal("store.updateJob", err)
	}
	query := `UPDATE jobs SET
			type = ?, status = ?, owner_worker_id = ?, is_local = ?,
			metadata = ?, result = ?, error_message = ?,
			started_at = ?, completed_at = ?
		WHERE id = ? AND status IN (?` + strings.Repeat(", ?", len(from)-1) + `)`
	args := []any{
		string(j.Type), string(j.Status), j.OwnerWorkerID, j.Local,
		metadata, result, j.ErrorMessage,
		nullTime(j.StartedAt), nullTime(j.CompletedAt),
		j.ID,
	}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.db.ExecContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return false, apperrors.Transient("store.updateJob", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Transient("store.updateJob", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                 job.Job
		jobType, status   string
		metadata, result  string
		startedAt, doneAt sql.NullTime
	)
	err := row.Scan(&j.ID, &jobType, &status, &j.OwnerWorkerID, &j.Local,
		&metadata, &result, &j.ErrorMessage, &j.CreatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}
	j.Type = job.Type(jobType)
	j.Status = job.Status(status)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &j.Metadata); err != nil {
			return nil, err
		}
	}
	if result != "" {
		if err := json.Unmarshal([]byte(result), &j.Result); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time.UTC()
		j.CompletedAt = &t
	}
	j.CreatedAt = j.CreatedAt.UTC()
	return &j, nil
}

func marshalJobBlobs(j *job.Job) (metadata, result string, err error) {
	if j.Metadata != nil {
		b, err := json.Marshal(j.Metadata)
		if err != nil {
			return "", "", err
		}
		metadata = string(b)
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return "", "", err
		}
		result = string(b)
	}
	return metadata, result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
