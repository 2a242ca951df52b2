package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lumamail/dispatcher/internal/dispatch_service/repository/postgres"
	"github.com/lumamail/dispatcher/internal/platform/config"
	"github.com/lumamail/dispatcher/internal/platform/database"
	"github.com/lumamail/dispatcher/internal/platform/logger"
	"github.com/lumamail/dispatcher/internal/platform/messagebroker"
	"github.com/lumamail/dispatcher/internal/public_api_service/middleware"
	httptransport "github.com/lumamail/dispatcher/internal/public_api_service/transport/http"
)

const (
	serviceName     = "public_api_service"
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

	channelRepo := postgres.NewPgChannelRepository(dbPool, log, cfg.ChannelEMAAlpha, cfg.ChannelFailureThreshold)
	taskRepo := postgres.NewPgTaskRepository(dbPool, log)
	jobRepo := postgres.NewPgJobRepository(dbPool, log)
	waitMetricRepo := postgres.NewPgWaitMetricRepository(dbPool, log)

	validate := validator.New()

	taskHandler := httptransport.NewTaskHandler(taskRepo, jobRepo, waitMetricRepo, cfg.WaitAlertThreshold, log, validate)
	channelHandler := httptransport.NewChannelHandler(channelRepo, log, validate)
	callbackHandler := httptransport.NewCallbackHandler(natsClient, cfg.CallbackHMACSecret, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(httptransport.PrometheusMetricsMiddleware)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.JWTAuthMiddleware(cfg.JWTSecret, log))
		r.Route("/tasks", taskHandler.RegisterRoutes)
		r.Route("/channels", channelHandler.RegisterRoutes)
	})

	// Provider callbacks authenticate with an HMAC signature, not a JWT.
	r.Route("/callbacks", callbackHandler.RegisterRoutes)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.PublicAPIPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		log.Info("HTTP server listening", "port", cfg.PublicAPIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("Service components initialized. API is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received termination signal", "signal", sig.String())
	case <-groupCtx.Done():
		log.Error("A critical component failed, initiating shutdown")
	}

	mainCancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Error during graceful shutdown", "error", err)
	}

	log.Info("Service shutdown complete")
}
