package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lumamail/dispatcher/internal/dispatch_service/adapters/mailprovider"
	"github.com/lumamail/dispatcher/internal/dispatch_service/app"
	"github.com/lumamail/dispatcher/internal/dispatch_service/repository/postgres"
	"github.com/lumamail/dispatcher/internal/platform/config"
	"github.com/lumamail/dispatcher/internal/platform/database"
	"github.com/lumamail/dispatcher/internal/platform/logger"
	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	serviceName     = "dispatcher_service"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel).With("service", serviceName)
	log.Info("Starting service")

	startupCtx, startupCancel := context.WithTimeout(mainCtx, startupTimeout)
	defer startupCancel()

	dbPool, err := database.NewDBPool(startupCtx, cfg.PostgresDSN)
	if err != nil {
		log.Error("Failed to initialize database connection pool", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, log)
	if err != nil {
		log.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	log.Info("NATS connection initialized")

	// Repositories
	channelRepo := postgres.NewPgChannelRepository(dbPool, log, cfg.ChannelEMAAlpha, cfg.ChannelFailureThreshold)
	reservationRepo := postgres.NewPgReservationRepository(dbPool, log)
	jobRepo := postgres.NewPgJobRepository(dbPool, log)
	optOutRepo := postgres.NewPgOptOutRepository(dbPool, log)

	// Mail provider adapters, keyed by the provider name channels reference.
	providers := map[string]mailprovider.Adapter{
		"mock": mailprovider.NewMockProvider(log, nil, 0),
	}
	if cfg.ProviderAPIURL != "" {
		providers["smtp_relay"] = mailprovider.NewHTTPProvider("smtp_relay", log, cfg.ProviderAPIURL, cfg.ProviderAPIKey, nil)
	}

	retryController := app.NewRetryController(jobRepo, channelRepo, optOutRepo, natsClient, log, app.RetryConfig{
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffMax:  cfg.RetryBackoffMax,
	})

	pool := app.NewDispatchPool(providers, cfg.DefaultProviderName, channelRepo, jobRepo, reservationRepo, retryController, log, app.PoolConfig{
		Size:            cfg.DispatchPoolSize,
		DispatchTimeout: cfg.DispatchTimeout,
	})

	hostname, _ := os.Hostname()
	loop := app.NewSchedulerLoop(channelRepo, reservationRepo, jobRepo, pool, log, app.LoopConfig{
		TickInterval:   cfg.SchedulerTickInterval,
		ChannelBatch:   cfg.SchedulerChannelBatch,
		ReservationTTL: cfg.ReservationTTL,
		Holder:         fmt.Sprintf("%s@%s[%d]", serviceName, hostname, os.Getpid()),
	})

	// A processing job older than several dispatch timeouts can only belong
	// to a dead worker.
	maintenance := app.NewMaintenanceService(channelRepo, reservationRepo, jobRepo, log, 10*cfg.DispatchTimeout)
	cronRunner := cron.New(cron.WithLocation(time.UTC))
	if err := maintenance.Register(cronRunner); err != nil {
		log.Error("Failed to register maintenance schedules", "error", err)
		os.Exit(1)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.SchedulerMetricsPort),
		Handler: promhttp.Handler(),
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		loop.Run(groupCtx)
		return nil
	})

	g.Go(func() error {
		log.Info("Metrics server listening", "port", cfg.SchedulerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.Info("Service components initialized and workers started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
	case <-groupCtx.Done():
		log.Error("A critical component failed, initiating shutdown")
	}

	mainCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Let in-flight dispatches finish before the pool's DB handles go away.
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("Dispatch pool did not drain cleanly", "error", err)
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Error during graceful shutdown", "error", err)
	}

	log.Info("Service shutdown complete")
}
