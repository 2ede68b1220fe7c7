// Package orphan fails remote jobs whose owning worker has disappeared. It is
// the safety net under every other recovery path: cooperative shutdown,
// re-registration, and resume dispatch all race against it and win when they
// work.
package orphan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
)

// WorkerChecker answers whether a worker is currently live.
type WorkerChecker interface {
	IsReachable(workerID string) bool
}

// Config controls detection timing.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Timeout is how long a job must stay ownerless or owned by a dead
	// worker before it is failed. It must comfortably exceed the worker
	// shutdown grace so cooperative handoff wins the race.
	Timeout time.Duration
}

// Detector periodically fails orphaned jobs.
type Detector struct {
	registry *job.Registry
	workers  WorkerChecker
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config

	mu        sync.Mutex
	firstSeen map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a detector. Metrics may be nil.
func New(registry *job.Registry, workers WorkerChecker, metrics *observability.Metrics, cfg Config) *Detector {
	return &Detector{
		registry:  registry,
		workers:   workers,
		metrics:   metrics,
		logger:    slog.Default().With("component", "orphan-detector"),
		cfg:       cfg,
		firstSeen: make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. Startup reconciliation must have finished
// first so stale rows from the previous process are not misread as orphans.
func (d *Detector) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop terminates the sweep loop and waits for it.
func (d *Detector) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep(ctx)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep examines every RUNNING and PENDING_RECONCILIATION job. A remote job
// is orphan-suspect when it has no owner or its owner is unreachable;
// suspects are failed once they have been continuously suspect for the
// timeout. A job whose owner comes back is un-tracked, so brief network blips
// never kill work.
//
// PENDING_RECONCILIATION jobs are normally settled by the startup
// reconciler's grace pass; listing them here too means a job cannot sit in
// that state forever if the pass errors out.
func (d *Detector) sweep(ctx context.Context) {
	running, err := d.registry.List(ctx, job.StatusRunning, job.StatusPendingReconciliation)
	if err != nil {
		d.logger.Error("orphan sweep failed to list jobs", "error", err)
		return
	}

	now := time.Now()
	live := make(map[string]bool, len(running))
	for _, j := range running {
		if j.Local {
			continue
		}
		if j.OwnerWorkerID != "" && d.workers.IsReachable(j.OwnerWorkerID) {
			continue
		}
		live[j.ID] = true

		d.mu.Lock()
		first, seen := d.firstSeen[j.ID]
		if !seen {
			first = now
			d.firstSeen[j.ID] = first
		}
		d.mu.Unlock()

		if now.Sub(first) < d.cfg.Timeout {
			continue
		}

		msg := fmt.Sprintf("orphaned: worker %s unreachable for %s", j.OwnerWorkerID, d.cfg.Timeout)
		if j.OwnerWorkerID == "" {
			msg = fmt.Sprintf("orphaned: unclaimed for %s", d.cfg.Timeout)
		}
		if _, err := d.registry.Fail(ctx, j.ID, msg); err != nil {
			d.logger.Error("failed to fail orphaned job", "jobId", j.ID, "error", err)
			continue
		}
		d.logger.Warn("orphaned job failed", "jobId", j.ID, "owner", j.OwnerWorkerID)
		if d.metrics != nil {
			d.metrics.RecordOrphanFailed(ctx, string(j.Type))
		}
		d.mu.Lock()
		delete(d.firstSeen, j.ID)
		d.mu.Unlock()
	}

	// Un-track jobs that were reclaimed, finished, or just failed.
	d.mu.Lock()
	for id := range d.firstSeen {
		if !live[id] {
			delete(d.firstSeen, id)
		}
	}
	d.mu.Unlock()
}
