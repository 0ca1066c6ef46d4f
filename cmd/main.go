package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"

	"tenant-provisioner/internal/api"
	"tenant-provisioner/internal/auth"
	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/config"
	"tenant-provisioner/internal/consumer"
	"tenant-provisioner/internal/crossaccount"
	"tenant-provisioner/internal/datastore"
	"tenant-provisioner/internal/deprovisioner"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/manager"
	"tenant-provisioner/internal/messaging"
	"tenant-provisioner/internal/metrics"
	"tenant-provisioner/internal/model"
	"tenant-provisioner/internal/poller"
	"tenant-provisioner/internal/provisioner"
	"tenant-provisioner/internal/registry"
	"tenant-provisioner/internal/storage"
	"tenant-provisioner/internal/tracing"
	"tenant-provisioner/internal/worker"
	"tenant-provisioner/internal/workflow"
)

func main() {
	// Init Metrics
	metrics.Init()

	// Load Configuration
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		slog.Error("failed to load config", logger.Error(err))
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTel:        cfg.Observability.OTelEnabled,
	})
	log.Info("configuration loaded", slog.String("path", path))

	if err := run(cfg, log); err != nil {
		log.Error("service stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	// Graceful Shutdown Setup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:      cfg.Observability.OTelEnabled,
		ServiceName:  cfg.Observability.ServiceName,
		SamplingRate: cfg.Observability.SamplingRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	// Setup JWT Secret
	auth.SetSecret(cfg.Auth.JWTSecret)

	entity, err := model.ParseEntity(cfg.Entity)
	if err != nil {
		return err
	}

	// Init AWS
	awsCfg, err := awsclient.LoadConfig(ctx, awsclient.Options{
		Region:      cfg.AWS.Region,
		EndpointURL: cfg.AWS.EndpointURL,
		MaxAttempts: cfg.AWS.MaxAttempts,
	})
	if err != nil {
		return err
	}
	home := awsclient.Home(awsCfg)
	broker := crossaccount.NewBroker(sts.NewFromConfig(awsCfg), crossaccount.Config{
		Partition:       cfg.AWS.Partition,
		RoleName:        cfg.AWS.RoleName,
		ExternalID:      cfg.AWS.ExternalID,
		SessionDuration: cfg.AWS.SessionDuration,
		MaxAttempts:     cfg.Workflow.AssumeRoleAttempts,
	})
	tenants := crossaccount.NewSession(broker, awsclient.NewBuilder(awsCfg))

	// Init Registry
	reg, closeRegistry, err := openRegistry(ctx, cfg, home, entity)
	if err != nil {
		return err
	}
	defer closeRegistry()
	log.Info("registry ready", slog.String("driver", cfg.Registry.Driver))

	// Init RabbitMQ
	rabbitClient, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}
	defer rabbitClient.Close()
	if err := rabbitClient.DeclareQueue(cfg.RabbitMQ.Queue); err != nil {
		return err
	}
	log.Info("RabbitMQ connected", slog.String("queue", cfg.RabbitMQ.Queue))

	// Init Workflow
	orch := workflow.New(reg, messaging.NewDispatcher(rabbitClient, cfg.RabbitMQ.Queue), workflow.Steps{
		Provisioner: provisioner.New(home, tenants, reg, provisioner.Config{
			Entity:      entity,
			SharedTable: cfg.SharedTable,
		}),
		Poller: poller.New(tenants, entity),
		Deprovisioner: deprovisioner.New(home, tenants, deprovisioner.Config{
			Entity:      entity,
			SharedTable: cfg.SharedTable,
			Retry: datastore.RetryPolicy{
				MaxRetries: cfg.Workflow.BatchMaxRetries,
				BaseDelay:  cfg.Workflow.BatchBaseDelay,
			},
		}),
		Tenants: tenants,
	}, workflow.Config{
		Entity:          entity,
		PollInterval:    cfg.Workflow.PollInterval,
		PollMaxAttempts: cfg.Workflow.PollMaxAttempts,
	}).WithTracer(tracer)

	// Start workers
	pool := worker.NewWorkerPool(cfg.RabbitMQ.Queue, cfg.Workers, consumer.WorkflowHandler(orch))
	pool.Start(ctx)
	c, err := consumer.StartConsumer(rabbitClient.GetConnection(), cfg.RabbitMQ.Queue, cfg.RabbitMQ.Prefetch, pool)
	if err != nil {
		return err
	}

	// Init TenantManager
	tm := manager.NewTenantManager(reg, orch, manager.Config{
		Entity:        entity,
		SharedTable:   cfg.SharedTable,
		HomeAccountID: cfg.AWS.HomeAccountID,
		StaleAfter:    cfg.Workflow.StaleAfter,
	})
	tm.AttachConsumer(c)

	go every(ctx, 10*time.Second, func() {
		rabbitClient.UpdateQueueDepth(cfg.RabbitMQ.Queue)
	})
	go every(ctx, cfg.Workflow.SweepInterval, func() {
		if _, err := tm.ReconcileStale(ctx); err != nil {
			log.Error("stale sweep failed", logger.Error(err))
		}
	})

	// Init API
	apiHandler := api.NewAPI(tm, cfg)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting API server", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// A consumer the broker dropped stops every workflow in this process; exit
	// non-zero so the supervisor restarts it with a fresh connection.
	var runErr error
	select {
	case <-ctx.Done(): // Wait for interrupt signal
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-c.DoneChan:
		runErr = fmt.Errorf("consumer stopped: %w", c.Err())
		log.Error("consumer stopped unexpectedly", logger.Error(runErr))
		// interrupt in-flight runs; their deliveries are redelivered by the broker
		stop()
	}
	log.Info("shutdown initiated")

	// Shutdown sequence
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown error", logger.Error(err))
	}

	// Stop consumers; interrupted runs are requeued
	tm.ShutdownAll()

	log.Info("graceful shutdown complete")
	return runErr
}

func openRegistry(ctx context.Context, cfg *config.Config, home *awsclient.Bundle, entity model.Entity) (registry.Store, func(), error) {
	switch cfg.Registry.Driver {
	case "postgres":
		db, err := storage.NewPostgresStore(cfg.Registry.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case "memory":
		return registry.NewMemoryStore(), func() {}, nil
	default:
		return storage.NewDynamoStore(home.DynamoDB, cfg.Registry.TableName, entity), func() {}, nil
	}
}

// every runs fn at interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
