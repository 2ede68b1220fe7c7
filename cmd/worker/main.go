// worker executes jobs handed to it by the coordinator. It registers on
// boot, keeps the registration alive, writes checkpoints to shared storage,
// and races a bounded grace window on shutdown to leave a resumable trail.
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
	"github.com/kpiteira/ktrdr-sub003/internal/backend"
	"github.com/kpiteira/ktrdr-sub003/internal/checkpoint"
	"github.com/kpiteira/ktrdr-sub003/internal/config"
	"github.com/kpiteira/ktrdr-sub003/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadWorkerConfig()
	slog.Info("Worker starting", "workerId", cfg.WorkerID, "coordinator", cfg.CoordinatorURL)

	// Shared durable store. Checkpoints are written here directly; they never
	// travel through the coordinator API.
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	checkpoints := checkpoint.NewStore(store.NewCheckpointStore(db), cfg.ArtifactRoot, nil)
	policy, err := checkpoint.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return err
	}

	client := agent.NewClient(cfg.CoordinatorURL, cfg.APIKey)
	a := agent.New(cfg, client)

	// The executor reports through the agent so terminal outcomes the
	// coordinator misses are queued for the next registration.
	executor := agent.NewExecutor(backend.Builtin(), checkpoints, policy, a, cfg.WorkerID)
	a.SetExecutor(executor)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      agent.NewServer(a, executor, client, cfg.SigningKey).Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting worker server", "port", cfg.Port, "baseUrl", cfg.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Initial registration retries with jittered backoff until the
	// coordinator answers or we are told to exit.
	regCtx, regCancel := context.WithCancel(ctx)
	go func() {
		defer regCancel()
		if err := a.Register(regCtx); err != nil {
			slog.Error("Initial registration abandoned", "error", err)
		}
	}()

	a.StartMonitor(ctx)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		return err
	}
	regCancel()

	// The shutdown race: within the grace window, cancel the running job,
	// save a shutdown checkpoint, and report the status. Whatever does not
	// finish in time is covered by the coordinator's orphan detector.
	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	executor.Shutdown(graceCtx)
	graceCancel()

	a.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Worker server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
