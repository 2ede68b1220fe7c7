// coordinator is the single coordination point: it owns the job registry,
// the worker directory, checkpoint records, orphan detection, and the resume
// protocol.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/agent"
	"github.com/kpiteira/ktrdr-sub003/internal/api"
	"github.com/kpiteira/ktrdr-sub003/internal/backend"
	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/config"
	"github.com/kpiteira/ktrdr-sub003/internal/directory"
	"github.com/kpiteira/ktrdr-sub003/internal/dispatcher"
	"github.com/kpiteira/ktrdr-sub003/internal/health"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
	"github.com/kpiteira/ktrdr-sub003/internal/observability"
	"github.com/kpiteira/ktrdr-sub003/internal/orphan"
	"github.com/kpiteira/ktrdr-sub003/internal/resume"
	"github.com/kpiteira/ktrdr-sub003/internal/store"
	"github.com/kpiteira/ktrdr-sub003/pkg/command"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Coordinator failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg := config.LoadCoordinatorConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Durable store
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("Connected to durable store", "driver", cfg.DBDriver)

	// Job registry and checkpoint store
	registry := job.NewRegistry(store.NewJobStore(db), metrics)
	checkpoints := checkpoint.NewStore(store.NewCheckpointStore(db), cfg.ArtifactRoot, metrics)
	registry.SetCompletionHook(func(ctx context.Context, jobID string) {
		if err := checkpoints.Delete(ctx, jobID); err != nil {
			slog.Warn("Checkpoint cleanup after completion failed", "jobId", jobID, "error", err)
		}
	})

	policy, err := checkpoint.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	// Worker directory and startup reconciliation. Reconciliation must finish
	// before the orphan detector starts, so local leftovers are failed and
	// remote ones are parked in PENDING_RECONCILIATION first.
	workers := directory.New(registry, metrics)
	reconciler := directory.NewReconciler(registry, checkpoints, cfg.ReconcileGrace)
	if err := reconciler.ReconcileStartup(ctx); err != nil {
		return err
	}

	if removed, err := checkpoints.SweepOrphanArtifacts(ctx); err != nil {
		slog.Warn("Orphan artifact sweep failed", "error", err)
	} else if removed > 0 {
		slog.Info("Swept orphan checkpoint artifacts", "removed", removed)
	}

	// Command dispatcher
	disp := dispatcher.NewMemory(dispatcherCfg, metrics)

	// In-process executor for local jobs. It reports straight into the
	// registry instead of PATCHing the API.
	localExec := agent.NewExecutor(backend.Builtin(), checkpoints, policy,
		&registryReporter{registry: registry}, "")

	resumer := resume.New(registry, checkpoints, workers, disp, localExec, cfg.SigningKey, metrics)

	// Background loops
	prober := directory.NewProber(workers, directory.ProberConfig{
		Interval:          cfg.ProbeInterval,
		Timeout:           cfg.ProbeTimeout,
		UnreachableWindow: cfg.UnreachableWindow,
	})
	prober.Start(ctx)

	detector := orphan.New(registry, workers, metrics, orphan.Config{
		Interval: cfg.OrphanInterval,
		Timeout:  cfg.OrphanTimeout,
	})
	detector.Start(ctx)

	// HTTP surface
	healthChecker := health.NewChecker(db)
	router := api.NewRouter(api.RouterConfig{
		Registry:      registry,
		Resumer:       resumer,
		Checkpoints:   checkpoints,
		Workers:       workers,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
		Retention:     cfg.RetentionAge,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: flip readiness so load balancers drain, and warn workers so
	// their registration monitors switch to fast polling.
	healthChecker.SetShuttingDown()
	notifyWorkers(workers, disp, cfg.SigningKey)

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones.
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: give local jobs their bounded cancel/checkpoint/report window.
	localCtx, localCancel := context.WithTimeout(context.Background(), 25*time.Second)
	localExec.Shutdown(localCtx)
	localCancel()

	// Phase 4: drain the command dispatcher and stop background loops.
	dispCtx, dispCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispCancel()
	if err := disp.Close(dispCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	detector.Stop()
	prober.Stop()

	stats := disp.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	// Remote jobs keep running on their workers; startup reconciliation picks
	// them up when the coordinator returns.
	slog.Info("Shutdown complete")
	return nil
}

// notifyWorkers sends the early shutdown warning to every known worker.
func notifyWorkers(workers *directory.Directory, disp dispatcher.Dispatcher, signingKey string) {
	for _, w := range workers.List() {
		delivery := &dispatcher.Delivery{
			Payload:     command.New(command.TypeShutdownNotify, ""),
			Destination: w.BaseURL + "/shutdown-notify",
			SigningKey:  signingKey,
		}
		if err := disp.Dispatch(delivery); err != nil {
			slog.Warn("Shutdown notice dispatch failed", "workerId", w.ID, "error", err)
		}
	}
}

// registryReporter adapts the job registry to the executor's status-report
// contract for jobs running inside the coordinator process.
type registryReporter struct {
	registry *job.Registry
}

func (r *registryReporter) ReportStatus(ctx context.Context, jobID string, patch agent.StatusPatch) error {
	var err error
	switch patch.Status {
	case job.StatusRunning:
		_, err = r.registry.Start(ctx, jobID, patch.WorkerID)
	case job.StatusCompleted:
		_, err = r.registry.Complete(ctx, jobID, patch.Result)
	case job.StatusFailed:
		_, err = r.registry.Fail(ctx, jobID, patch.ErrorMessage)
	case job.StatusCancelled:
		_, err = r.registry.Cancel(ctx, jobID)
	}
	return err
}

func (r *registryReporter) ReportProgress(ctx context.Context, jobID string, pct float64, message string) error {
	return r.registry.UpdateProgress(ctx, jobID, pct, message)
}
