// Package command defines the signed control-plane envelope exchanged between
// the coordinator and its workers. Commands carry only identifiers; workers
// pull checkpoint state and artifacts from shared durable storage themselves,
// so large payloads never cross the control path.
package command

import (
	"time"

	"github.com/google/uuid"
)

// Command types.
const (
	TypeRunJob         = "job.run"    // start a job from scratch
	TypeResumeJob      = "job.resume" // restart a job from its latest checkpoint
	TypeStopJob        = "job.stop"   // cooperative stop of the current job
	TypeShutdownNotify = "coordinator.shutdown" // early warning before coordinator exit
)

// Command is a single control instruction.
type Command struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	JobID    string            `json:"jobId,omitempty"`
	IssuedAt time.Time         `json:"issuedAt"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// New creates a command with a fresh id and the current time.
func New(cmdType, jobID string) *Command {
	return &Command{
		ID:       uuid.NewString(),
		Type:     cmdType,
		JobID:    jobID,
		IssuedAt: time.Now().UTC(),
	}
}
