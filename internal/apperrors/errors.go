// Package apperrors provides structured application errors with machine-readable
// codes and HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotResumable      = errors.New("not resumable")
	ErrAlreadyRunning    = errors.New("already running")
	ErrAlreadyCompleted  = errors.New("already completed")
	ErrCorrupted         = errors.New("checkpoint corrupted")
	ErrTransient         = errors.New("transient store error")
	ErrUnavailable       = errors.New("unavailable")
	ErrInternal          = errors.New("internal error")
)

// Error provides a structured error with context. Code is stable and
// machine-readable; clients branch on it, not on Message.
type Error struct {
	Sentinel error             // Wrapped sentinel for errors.Is() classification
	Code     string            // Machine-readable code (e.g. "JOB_NOT_FOUND")
	Message  string            // Human-readable message
	Field    string            // For validation errors (e.g. "jobId")
	Resource string            // For not found / conflict (e.g. "job", "checkpoint")
	Op       string            // Operation that failed (e.g. "store.upsertCheckpoint")
	Details  map[string]string // Extra context for the caller's next action
	Cause    error             // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Code:     "VALIDATION",
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
// Resource is one of "job", "checkpoint", "worker".
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Code:     codeForResource(resource),
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

func codeForResource(resource string) string {
	switch resource {
	case "job":
		return "JOB_NOT_FOUND"
	case "checkpoint":
		return "CHECKPOINT_NOT_FOUND"
	case "worker":
		return "WORKER_NOT_FOUND"
	default:
		return "NOT_FOUND"
	}
}

// InvalidTransition creates an error for a structurally invalid status edge.
// Never retried; surfaced to the caller as a logic error.
func InvalidTransition(jobID, from, to string) error {
	return &Error{
		Sentinel: ErrInvalidTransition,
		Code:     "INVALID_TRANSITION",
		Message:  fmt.Sprintf("job %s cannot transition from %s to %s", jobID, from, to),
		Resource: "job",
		Details:  map[string]string{"from": from, "to": to},
	}
}

// NotResumable creates a conflict error for a resume attempt against a job
// whose current status is outside the resumable set.
func NotResumable(jobID, current string, allowed []string) error {
	details := map[string]string{"status": current}
	for i, a := range allowed {
		details[fmt.Sprintf("allowed.%d", i)] = a
	}
	return &Error{
		Sentinel: ErrNotResumable,
		Code:     "NOT_RESUMABLE",
		Message:  fmt.Sprintf("job %s is %s and cannot be resumed", jobID, current),
		Resource: "job",
		Details:  details,
	}
}

// AlreadyRunning creates a conflict error for a resume race loser that
// observed the job already RUNNING.
func AlreadyRunning(jobID string) error {
	return &Error{
		Sentinel: ErrAlreadyRunning,
		Code:     "ALREADY_RUNNING",
		Message:  fmt.Sprintf("job %s is already running", jobID),
		Resource: "job",
	}
}

// AlreadyCompleted creates a conflict error for operations against a
// completed job. COMPLETED is terminal and irreversible.
func AlreadyCompleted(jobID string) error {
	return &Error{
		Sentinel: ErrAlreadyCompleted,
		Code:     "ALREADY_COMPLETED",
		Message:  fmt.Sprintf("job %s is already completed", jobID),
		Resource: "job",
	}
}

// Corrupted creates an error for a checkpoint whose artifact location is
// missing or empty. Resume must never proceed with silently missing weights.
func Corrupted(jobID, hint string) error {
	return &Error{
		Sentinel: ErrCorrupted,
		Code:     "CHECKPOINT_CORRUPTED",
		Message:  fmt.Sprintf("checkpoint for job %s is corrupted: %s", jobID, hint),
		Resource: "checkpoint",
		Details:  map[string]string{"remediation": "delete the checkpoint and start fresh"},
	}
}

// Transient creates an error for a durable-store I/O failure. Callers on the
// checkpoint path log it and continue; a missed checkpoint is never fatal.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Code:     "TRANSIENT_STORE_ERROR",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable creates an error for an unreachable worker or coordinator.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Code:     "UNAVAILABLE",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Code:     "INTERNAL",
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Code extracts the machine-readable code from an error, or "INTERNAL".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}

// Details extracts structured details from an error, or nil.
func Details(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
