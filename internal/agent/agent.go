package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/apperrors"
	"github.com/kpiteira/ktrdr-sub003/internal/config"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
)

// Agent ties the worker together: it registers with the coordinator, keeps
// the registration alive, relays execution outcomes, and queues terminal
// reports the coordinator missed so the next registration carries them.
type Agent struct {
	cfg      *config.WorkerConfig
	client   *Client
	executor *Executor
	logger   *slog.Logger

	mu        sync.Mutex
	pending   []directory.CompletedReport
	lastProbe time.Time
	fastPoll  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a worker agent. The executor is wired afterwards via
// SetExecutor because the executor reports status through the agent.
func New(cfg *config.WorkerConfig, client *Client) *Agent {
	return &Agent{
		cfg:    cfg,
		client: client,
		logger: slog.Default().With("component", "agent", "workerId", cfg.WorkerID),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// SetExecutor attaches the execution wrapper.
func (a *Agent) SetExecutor(e *Executor) { a.executor = e }

// Register sends the worker's current state to the coordinator, draining any
// queued completed-job reports into the payload. When the coordinator answers
// with a stop instruction the claimed job is abandoned.
func (a *Agent) Register(ctx context.Context) error {
	reg := &directory.Registration{
		WorkerID:     a.cfg.WorkerID,
		WorkerType:   a.cfg.WorkerType,
		Hostname:     a.cfg.Hostname,
		BaseURL:      a.cfg.BaseURL,
		Capabilities: a.cfg.Capabilities,
	}
	if a.executor != nil {
		reg.CurrentJobID = a.executor.CurrentJobID()
		reg.CurrentJobType = a.executor.CurrentJobType()
	}

	a.mu.Lock()
	reg.CompletedJobs = a.pending
	a.pending = nil
	a.mu.Unlock()

	result, err := a.client.RegisterWithRetry(ctx, reg)
	if err != nil {
		// Put the drained reports back for the next attempt.
		a.mu.Lock()
		a.pending = append(reg.CompletedJobs, a.pending...)
		a.mu.Unlock()
		return err
	}

	a.touchProbe()
	a.logger.Info("registered with coordinator",
		"reportedJobs", len(reg.CompletedJobs), "currentJobId", reg.CurrentJobID)

	if result.StopJobID != "" && a.executor != nil {
		a.logger.Warn("coordinator holds a terminal record for claimed job, stopping",
			"jobId", result.StopJobID)
		a.executor.Stop(result.StopJobID)
	}
	return nil
}

// ReportStatus relays a lifecycle update to the coordinator. A terminal
// outcome that cannot be delivered is queued and re-sent with the next
// registration so a coordinator outage never loses a finished job.
func (a *Agent) ReportStatus(ctx context.Context, jobID string, patch StatusPatch) error {
	err := a.client.ReportStatus(ctx, jobID, patch)
	if err == nil {
		return nil
	}

	if patch.Status.Terminal() {
		a.mu.Lock()
		a.pending = append(a.pending, directory.CompletedReport{
			JobID:  jobID,
			Status: patch.Status,
			Result: patch.Result,
			Error:  patch.ErrorMessage,
		})
		a.mu.Unlock()
		a.logger.Warn("terminal status undeliverable, queued for next registration",
			"jobId", jobID, "status", patch.Status, "error", err)
		return nil
	}
	return err
}

// ReportProgress relays progress to the coordinator.
func (a *Agent) ReportProgress(ctx context.Context, jobID string, pct float64, message string) error {
	return a.client.ReportProgress(ctx, jobID, pct, message)
}

// MarkProbed records a coordinator health probe. Called by the worker's
// /health handler; probe silence past the threshold triggers re-registration.
func (a *Agent) MarkProbed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastProbe = time.Now()
	a.fastPoll = false
}

func (a *Agent) touchProbe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastProbe = time.Now()
}

// NotifyShutdown handles the coordinator's early shutdown warning. The
// monitor switches to its fast interval so the worker re-registers promptly
// once the coordinator is back.
func (a *Agent) NotifyShutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fastPoll = true
	a.logger.Info("coordinator announced shutdown, monitor polling fast")
}

// StartMonitor runs the re-registration monitor until Stop is called. It
// re-registers when the coordinator has forgotten this worker (404 on
// lookup), when probes have been silent past the threshold, or when queued
// reports are waiting for delivery.
func (a *Agent) StartMonitor(ctx context.Context) {
	go a.monitorLoop(ctx)
}

// Stop terminates the monitor loop.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Agent) monitorLoop(ctx context.Context) {
	defer close(a.doneCh)

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(a.pollInterval()):
		}

		if reason := a.checkRegistration(ctx); reason != "" {
			a.logger.Info("re-registering", "reason", reason)
			// Bound the retry loop to one poll interval; the next tick
			// tries again if the coordinator is still down.
			regCtx, cancel := context.WithTimeout(ctx, a.cfg.MonitorInterval)
			if err := a.Register(regCtx); err != nil {
				a.logger.Warn("re-registration failed", "reason", reason, "error", err)
			}
			cancel()
		}
	}
}

func (a *Agent) pollInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fastPoll {
		return a.cfg.FastInterval
	}
	return a.cfg.MonitorInterval
}

// checkRegistration decides whether a re-registration is due and why.
func (a *Agent) checkRegistration(ctx context.Context) string {
	a.mu.Lock()
	pendingReports := len(a.pending) > 0
	probeSilence := !a.lastProbe.IsZero() && time.Since(a.lastProbe) > a.cfg.ProbeSilence
	a.mu.Unlock()

	if pendingReports {
		return "queued completed-job reports"
	}

	_, err := a.client.Lookup(ctx, a.cfg.WorkerID)
	switch {
	case err == nil:
		if probeSilence {
			return "no health probe within threshold"
		}
		return ""
	case errors.Is(err, apperrors.ErrNotFound):
		return "coordinator forgot this worker"
	default:
		// Coordinator unreachable. Registration retries with backoff anyway,
		// so treat it the same as being forgotten.
		return "coordinator lookup failed"
	}
}
