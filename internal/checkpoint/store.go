package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
)

// Store coordinates checkpoint records and their artifact directories.
type Store struct {
	records RecordStore
	root    string
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStore creates a checkpoint store rooted at the given artifact directory.
func NewStore(records RecordStore, artifactRoot string, metrics *observability.Metrics) *Store {
	return &Store{
		records: records,
		root:    artifactRoot,
		metrics: metrics,
		logger:  slog.Default().With("component", "checkpoint"),
	}
}

// SaveRequest describes a checkpoint to persist. Artifacts maps relative file
// names to their content; an empty map saves a record-only checkpoint.
type SaveRequest struct {
	JobID     string
	JobType   string
	Kind      string
	Unit      int64
	State     []byte
	Artifacts map[string][]byte
}

// Save persists a checkpoint, replacing any previous one for the job.
//
// Order matters: new artifacts land on disk first, then the record row is
// swapped in one upsert, then the old artifact directory is removed. A crash
// at any point leaves either the old checkpoint fully intact or the new one
// fully committed; stray directories are reclaimed by SweepOrphanArtifacts.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*Record, error) {
	if req.JobID == "" {
		return nil, apperrors.Validation("jobId", "jobId is required")
	}
	switch req.Kind {
	case KindPeriodic, KindCancellation, KindFailure, KindShutdown:
	default:
		return nil, apperrors.Validation("kind", fmt.Sprintf("unknown checkpoint kind %q", req.Kind))
	}

	start := time.Now()

	old, err := s.records.Get(ctx, req.JobID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	rec := &Record{
		JobID:          req.JobID,
		JobType:        req.JobType,
		Kind:           req.Kind,
		Unit:           req.Unit,
		State:          req.State,
		StateSizeBytes: int64(len(req.State)),
		CreatedAt:      time.Now().UTC(),
	}

	if len(req.Artifacts) > 0 {
		dir, written, werr := s.writeArtifacts(req.JobID, req.Artifacts)
		if werr != nil {
			s.recordError(ctx, req.Kind)
			return nil, werr
		}
		rec.ArtifactDir = dir
		rec.ArtifactSizeBytes = written
	}

	if err := s.records.Upsert(ctx, rec); err != nil {
		if rec.ArtifactDir != "" {
			if rmErr := os.RemoveAll(rec.ArtifactDir); rmErr != nil {
				s.logger.Warn("failed to remove artifacts after aborted save",
					"jobId", req.JobID, "dir", rec.ArtifactDir, "error", rmErr)
			}
		}
		s.recordError(ctx, req.Kind)
		return nil, err
	}

	if old != nil && old.ArtifactDir != "" && old.ArtifactDir != rec.ArtifactDir {
		if rmErr := os.RemoveAll(old.ArtifactDir); rmErr != nil {
			s.logger.Warn("failed to remove superseded artifacts",
				"jobId", req.JobID, "dir", old.ArtifactDir, "error", rmErr)
		}
	}

	totalBytes := rec.StateSizeBytes + rec.ArtifactSizeBytes
	if s.metrics != nil {
		s.metrics.RecordCheckpointSaved(ctx, req.Kind, totalBytes, time.Since(start).Seconds())
	}
	s.logger.Info("checkpoint saved",
		"jobId", req.JobID, "kind", req.Kind, "unit", req.Unit, "bytes", totalBytes)
	return rec, nil
}

func (s *Store) writeArtifacts(jobID string, artifacts map[string][]byte) (string, int64, error) {
	dir := filepath.Join(s.root, jobID, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, apperrors.Transient("checkpoint.writeArtifacts", err)
	}
	var written int64
	for name, content := range artifacts {
		if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
			os.RemoveAll(dir)
			return "", 0, apperrors.Validation("artifacts", fmt.Sprintf("invalid artifact name %q", name))
		}
		path := filepath.Join(dir, name)
		if sub := filepath.Dir(path); sub != dir {
			if err := os.MkdirAll(sub, 0o755); err != nil {
				os.RemoveAll(dir)
				return "", 0, apperrors.Transient("checkpoint.writeArtifacts", err)
			}
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			os.RemoveAll(dir)
			return "", 0, apperrors.Transient("checkpoint.writeArtifacts", err)
		}
		written += int64(len(content))
	}
	return dir, written, nil
}

// Load returns the checkpoint record for a job. With includeArtifacts the
// artifact files are read back as well; a record whose artifact directory is
// missing or empty is reported as corrupted rather than silently partial.
func (s *Store) Load(ctx context.Context, jobID string, includeArtifacts bool) (*Record, map[string][]byte, error) {
	rec, err := s.records.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !includeArtifacts || rec.ArtifactDir == "" {
		return rec, nil, nil
	}

	files, err := readArtifactDir(rec.ArtifactDir)
	if err != nil {
		return nil, nil, apperrors.Transient("checkpoint.load", err)
	}
	if len(files) == 0 {
		return nil, nil, apperrors.Corrupted(jobID, "artifact directory missing or empty")
	}
	return rec, files, nil
}

func readArtifactDir(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				files = nil
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CheckArtifacts verifies that a record's artifact directory exists and holds
// at least one file, without reading artifact contents. Records without
// artifacts always pass.
func (s *Store) CheckArtifacts(rec *Record) error {
	if rec.ArtifactDir == "" {
		return nil
	}
	entries, err := os.ReadDir(rec.ArtifactDir)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.Corrupted(rec.JobID, "artifact directory missing")
		}
		return apperrors.Transient("checkpoint.checkArtifacts", err)
	}
	if len(entries) == 0 {
		return apperrors.Corrupted(rec.JobID, "artifact directory empty")
	}
	return nil
}

// Delete removes a job's checkpoint record and artifacts. Missing checkpoints
// are a no-op.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	existed, err := s.records.Delete(ctx, jobID)
	if err != nil {
		return err
	}
	jobDir := filepath.Join(s.root, jobID)
	if rmErr := os.RemoveAll(jobDir); rmErr != nil {
		s.logger.Warn("failed to remove artifact directory", "jobId", jobID, "error", rmErr)
	}
	if existed {
		s.logger.Info("checkpoint deleted", "jobId", jobID)
	}
	return nil
}

// List returns checkpoint records created before olderThan. A zero cutoff
// returns everything.
func (s *Store) List(ctx context.Context, olderThan time.Time) ([]*Record, error) {
	return s.records.List(ctx, olderThan)
}

// Cleanup deletes checkpoints older than maxAge and returns how many were
// removed.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	recs, err := s.records.List(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		if err := s.Delete(ctx, rec.JobID); err != nil {
			s.logger.Warn("cleanup failed for checkpoint", "jobId", rec.JobID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepOrphanArtifacts removes artifact directories no record points at.
// These accumulate when a save or delete is interrupted between its disk and
// record steps.
func (s *Store) SweepOrphanArtifacts(ctx context.Context) (int, error) {
	refs, err := s.records.ArtifactRefs(ctx)
	if err != nil {
		return 0, err
	}

	jobDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperrors.Transient("checkpoint.sweep", err)
	}

	removed := 0
	for _, jobDir := range jobDirs {
		if !jobDir.IsDir() {
			continue
		}
		jobID := jobDir.Name()
		live := refs[jobID]

		versions, err := os.ReadDir(filepath.Join(s.root, jobID))
		if err != nil {
			continue
		}
		for _, v := range versions {
			path := filepath.Join(s.root, jobID, v.Name())
			if path == live {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				s.logger.Warn("failed to sweep orphan artifacts", "dir", path, "error", err)
				continue
			}
			s.logger.Info("swept orphan artifacts", "jobId", jobID, "dir", path)
			removed++
		}
		if live == "" {
			os.Remove(filepath.Join(s.root, jobID))
		}
	}
	return removed, nil
}

func (s *Store) recordError(ctx context.Context, kind string) {
	if s.metrics != nil {
		s.metrics.RecordCheckpointError(ctx, kind)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
