// Package dispatcher provides async command delivery to workers with
// buffering and retry.
package dispatcher

import (
	"context"
	"errors"

	"github.com/kpiteira/ktrdr-sub003/pkg/command"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the
// command is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, command dropped")

// Dispatcher handles async delivery of control commands to workers.
type Dispatcher interface {
	// Dispatch queues a command for async delivery. Non-blocking.
	// Returns ErrBufferFull if the command cannot be queued.
	Dispatch(delivery *Delivery) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued commands.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Delivery is a command bound for a worker endpoint.
type Delivery struct {
	Payload     *command.Command
	Destination string // worker URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // number of times requeued due to circuit open (internal use)

	// OnFailure runs after delivery has failed all retries. The resume
	// orchestrator uses it to release the worker reservation.
	OnFailure func(delivery *Delivery)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total commands queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
