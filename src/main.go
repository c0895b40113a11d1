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
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"continuumtasks/src/config"
	"continuumtasks/src/handlers/container"
	"continuumtasks/src/logging"
	"continuumtasks/src/processor"
	"continuumtasks/src/registry"
	"continuumtasks/src/repository"
	"continuumtasks/src/scheduler"
	"continuumtasks/src/task"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func main() {
	if err := run(); err != nil {
		logging.Log(fmt.Sprintf("Worker stopped: %v", err), slog.LevelError)
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

	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	logging.Log(fmt.Sprintf("Starting worker with node id: %s", nodeID), slog.LevelInfo)

	var db *sql.DB
	if cfg.StoreBackend == config.StorePostgres || cfg.SchedulerBackend == config.SchedulerNotify {
		db, err = sql.Open("postgres", cfg.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
	}

	store, objects, err := openStore(ctx, cfg, db)
	if err != nil {
		return err
	}

	sched, wake, closeSched, err := openScheduler(ctx, cfg, db, nodeID)
	if err != nil {
		return err
	}
	defer closeSched()

	// Initialize Docker Client
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	sandbox := container.NewSandbox(cli, container.Limits{
		Image:       cfg.ContainerImage,
		MemoryMB:    cfg.ContainerMemoryMB,
		CPULimit:    cfg.ContainerCPULimit,
		IdleTimeout: cfg.ContainerIdleTimeout,
	})
	networkID, err := sandbox.EnsureNetwork(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup sandbox network: %w", err)
	}
	logging.Log(fmt.Sprintf("Sandbox network ready: %s", networkID), slog.LevelInfo)
	if err := sandbox.PullImage(ctx); err != nil {
		logging.Log(fmt.Sprintf("Warning: %v. Execution might fail if image is not present locally.", err), slog.LevelWarn)
	}
	go sandbox.RunReaper(ctx)
	defer sandbox.Cleanup(context.Background())

	handlers := registry.New()
	if err := handlers.Register(container.URI, container.NewHandler(sandbox)); err != nil {
		return err
	}

	// Setup Worker OpenTelemetry Metrics
	logging.InitializeFloatCounter("worker_tasks_total", "Total number of tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_failed", "Number of failed tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_succeeded", "Number of succeeded tasks to the worker", "Task")
	logging.InitializeFloatCounter("worker_store_failures", "Number of store failures of the worker", "Task")
	logging.InitializeFloatCounter("task_flushes_total", "Pending modification batches written", "Batch")
	logging.InitializeFloatCounter("task_flush_failures_total", "Pending modification batches that failed", "Batch")
	logging.InitializeFloatCounter("task_scheduler_resyncs_total", "Scheduler resynchronizations requested", "Call")
	logging.InitializeFloatCounter("task_handlers_finished_total", "Handlers finished", "Handler")

	deps := task.Deps{Store: store, Scheduler: sched, Handlers: handlers, Objects: objects}
	stats := logging.NewWorkerStats(nodeID)
	proc := processor.New(store, deps, nodeID, stats)
	proc.StaleAfter = cfg.StaleAfter

	api := NewAPIServer(store, deps, stats)
	go func() {
		if err := StartAPIServer(ctx, cfg.APIPort, api); err != nil {
			logging.Log(err.Error(), slog.LevelError)
		}
	}()

	// Running handlers observe CanRun; the main loop may be inside one.
	go func() {
		<-ctx.Done()
		logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
		proc.Shutdown()
	}()

	var notify <-chan *pq.Notification
	if cfg.SchedulerBackend == config.SchedulerNotify {
		listener, err := scheduler.NewListener(cfg.DSN())
		if err != nil {
			return err
		}
		defer listener.Close()
		notify = listener.Notify()
	}

	// Setup a Timer for checking the task (Fall-back polling)
	ticker := time.NewTicker(cfg.PollingInterval)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for tasks (scheduler events + fallback polling)...", slog.LevelInfo)

	recoverAndProcess := func() {
		if _, err := proc.RecoverTasks(ctx); err != nil {
			logging.Log(fmt.Sprintf("Recovery incomplete: %v", err), slog.LevelWarn)
		}
		proc.ProcessTasks(ctx)
	}
	recoverAndProcess()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			proc.ProcessTasks(ctx)
		case n := <-notify:
			if e, ok := scheduler.FromNotification(n); ok && !e.Wakes() {
				continue
			}
			logging.Log("Received notification, checking for tasks...", slog.LevelInfo)
			recoverAndProcess()
		case <-wake:
			proc.ProcessTasks(ctx)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, db *sql.DB) (taskStore, task.ObjectResolver, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		s := repository.NewMemoryStore()
		return s, s, nil
	case config.StoreDynamo:
		// The DynamoDB table holds tasks only; objects are not resolvable there.
		s, err := repository.NewDynamoStore(ctx, cfg.AWSRegion, cfg.DynamoTable, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		s := repository.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

// openScheduler returns the scheduler tasks report to and, for Kafka, a
// channel that fires whenever an event may have made a task claimable.
func openScheduler(ctx context.Context, cfg config.Config, db *sql.DB, nodeID string) (task.Scheduler, <-chan struct{}, func(), error) {
	if cfg.SchedulerBackend != config.SchedulerKafka {
		return scheduler.NewNotifier(db), nil, func() {}, nil
	}

	producer, err := scheduler.NewKafkaScheduler(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, nil, err
	}
	consumer := scheduler.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	wake := make(chan struct{}, 1)
	go func() {
		err := consumer.Run(ctx, func(e scheduler.Event) {
			if !e.Wakes() {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			logging.Log(fmt.Sprintf("Kafka consumer on node %s stopped: %v", nodeID, err), slog.LevelError)
		}
	}()
	closeAll := func() {
		closeQuietly(producer)
		closeQuietly(consumer)
	}
	return producer, wake, closeAll, nil
}

func closeQuietly(c io.Closer) {
	if err := c.Close(); err != nil {
		logging.Log(fmt.Sprintf("close: %v", err), slog.LevelWarn)
	}
}
