// Package job defines the job model and the state-machine registry that owns
// all status transitions.
package job

import (
	"time"
)

// Type categorizes what a job computes. The set is open; backends may
// register their own local types.
type Type string

const (
	TypeTraining Type = "training"
	TypeBacktest Type = "backtest"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusPendingReconciliation marks a job that was RUNNING when the
	// coordinator restarted and is waiting for its owning worker to
	// re-register. Only startup reconciliation enters this state.
	StatusPendingReconciliation Status = "pending_reconciliation"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether the status ends a job run. FAILED and CANCELLED
// jobs can re-enter RUNNING via resume; COMPLETED is irreversible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validNext is the transition table for the registry's generic transition
// path. Any edge not listed fails with InvalidTransition.
//
// FAILED/CANCELLED -> RUNNING is deliberately absent: restarting a terminal
// job requires a checkpoint check and field resets, so that edge exists only
// through the resume compare-and-set (TryResume) and registration
// reconciliation (ForceRun), never through a plain status update.
var validNext = map[Status][]Status{
	StatusPending:               {StatusRunning},
	StatusRunning:               {StatusCompleted, StatusFailed, StatusCancelled, StatusPendingReconciliation},
	StatusPendingReconciliation: {StatusRunning, StatusFailed},
	StatusFailed:                {},
	StatusCancelled:             {},
	StatusCompleted:             {},
}

// CanTransition reports whether from -> to is a valid edge.
func CanTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResumableStatuses is the set a job must be in for resume to win its
// compare-and-set.
var ResumableStatuses = []Status{StatusCancelled, StatusFailed}

// Job is a unit of long-running work tracked through the status lifecycle.
//
// Invariants: OwnerWorkerID is non-empty iff Status == running and the job is
// not local; progress fields are in-memory only and never persisted.
type Job struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	OwnerWorkerID string            `json:"ownerWorkerId,omitempty"`
	Local         bool              `json:"local"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Result        map[string]any    `json:"result,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Progress is kept in-memory only; worker progress calls stay cheap.
	ProgressPct     float64 `json:"progressPct"`
	ProgressMessage string  `json:"progressMessage,omitempty"`
}

// Clone returns a deep copy. Registry callers always receive copies so cache
// state can only change through registry operations.
func (j *Job) Clone() *Job {
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Result != nil {
		c.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
