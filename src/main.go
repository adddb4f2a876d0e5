// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"algoworker/src/config"
	"algoworker/src/containerization"
	"algoworker/src/logging"
	"algoworker/src/processor"
	"algoworker/src/scheduler"
	"algoworker/src/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Generate Unique ID
	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting worker with UUID: %s", workerID), slog.LevelInfo)
	workerstats := logging.NewWorkerStats(workerID)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// Initialize Docker Client
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	// Create or get sandbox network for isolated container execution
	sandboxNetworkID, err := containerization.EnsureSandboxNetwork(ctx, cli, cfg.Container.Network)
	if err != nil {
		return fmt.Errorf("failed to setup sandbox network: %w", err)
	}
	if sandboxNetworkID != "" {
		logging.Log(fmt.Sprintf("Sandbox network ready: %s", sandboxNetworkID[:min(12, len(sandboxNetworkID))]), slog.LevelInfo)
	}

	logging.Log(fmt.Sprintf("Ensuring Docker image %s is available...", cfg.Container.Image), slog.LevelInfo)
	if err := containerization.EnsureImage(ctx, cli, cfg.Container.Image); err != nil {
		logging.Log(fmt.Sprintf("Warning: %v. Execution might fail if image is not present locally.", err), slog.LevelWarn)
	}

	runtime := containerization.NewDockerRuntime(cli)
	executor := processor.NewExecutor(st, runtime, workerstats, processor.Options{
		DefaultImage: cfg.Container.Image,
		WorkDir:      cfg.Container.WorkDir,
		Network:      cfg.Container.Network,
		MaxMemoryMB:  cfg.Container.MemoryMB,
		MaxCPUShares: cfg.Container.CPUShares,
		MaxRuntime:   cfg.MaxRuntime,
		DrainTimeout: cfg.DrainTimeout,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sched := scheduler.New(st, executor, cfg.MaxConcurrentTasks, scheduler.NewMetrics(registry))

	if err := processor.RecoverTasks(ctx, st, runtime, sched, workerstats); err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
	}
	go containerization.RunContainerReaper(ctx, runtime, cfg.ReaperInterval)

	api := NewAPIServer(st, sched, workerstats, registry, cfg.MaxConcurrentTasks)
	apiErr := make(chan error, 1)
	go func() { apiErr <- StartAPIServer(ctx, cfg.APIPort, api.Handler()) }()

	var notify <-chan *pq.Notification
	if cfg.StoreDriver == config.StoreDriverPostgres && cfg.NotifyChannel != "" {
		listener, err := processor.NewSubmissionListener(cfg.DB.DSN(), cfg.NotifyChannel)
		if err != nil {
			logging.Log(fmt.Sprintf("Warning: %v. Falling back to polling only.", err), slog.LevelWarn)
		} else {
			defer listener.Close()
			notify = listener.Notify
		}
	}

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)
	intakeDone := make(chan struct{})
	go func() {
		defer close(intakeDone)
		processor.RunIntake(ctx, st, sched, notify, cfg.PollingInterval)
	}()

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			logging.Log(err.Error(), slog.LevelError)
		}
		stop()
	}

	logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
	<-intakeDone
	sched.Close()
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	runtime.CleanupActiveContainers(cleanupCtx)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logging.Log("Using in-memory store; task records do not survive a restart", slog.LevelWarn)
		return store.NewMemoryStore(), nil
	}

	pg, err := store.OpenPostgres(cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pg.DB().PingContext(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pg.EnsureSchema(ctx, cfg.NotifyChannel); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
