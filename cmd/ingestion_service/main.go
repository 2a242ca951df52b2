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
	"golang.org/x/sync/errgroup"

	dispatchpg "github.com/lumamail/dispatcher/internal/dispatch_service/repository/postgres"
	"github.com/lumamail/dispatcher/internal/ingestion_service/app"
	"github.com/lumamail/dispatcher/internal/platform/config"
	"github.com/lumamail/dispatcher/internal/platform/database"
	"github.com/lumamail/dispatcher/internal/platform/logger"
	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
)

const (
	serviceName     = "ingestion_service"
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
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

	jobRepo := dispatchpg.NewPgJobRepository(dbPool, log)
	optOutRepo := dispatchpg.NewPgOptOutRepository(dbPool, log)

	processor := app.NewProcessor(jobRepo, optOutRepo, natsClient, log)
	consumer := app.NewConsumer(natsClient, processor, log)

	sub, err := consumer.Start(mainCtx)
	if err != nil {
		log.Error("Failed to start ingestion consumer", "error", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.IngestionMetricsPort),
		Handler: promhttp.Handler(),
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		log.Info("Metrics server listening", "port", cfg.IngestionMetricsPort)
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

	log.Info("Service components initialized. Consuming delivery events")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
	case <-groupCtx.Done():
		log.Error("A critical component failed, initiating shutdown")
	}

	// Stop taking new messages, then let NATS drain handle in-flight ones.
	if err := sub.Drain(); err != nil {
		log.Warn("Failed to drain subscription", "error", err)
	}
	mainCancel()

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Error during graceful shutdown", "error", err)
	}

	log.Info("Service shutdown complete")
}
