// Command broker starts the task broker HTTP server and its background
// loops: delivery, consumer health probing, and processing-deadline reaping.
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

	"github.com/quickresolve/docpipe/internal/adapter/delivery"
	"github.com/quickresolve/docpipe/internal/adapter/events/redpanda"
	"github.com/quickresolve/docpipe/internal/adapter/httpserver"
	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/adapter/repo/postgres"
	"github.com/quickresolve/docpipe/internal/app"
	"github.com/quickresolve/docpipe/internal/config"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: DB pool and schema
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	taskRepo := postgres.NewTaskRepo(pool)
	consumerRepo := postgres.NewConsumerRepo(pool)

	// Lifecycle event feed (optional)
	var events domain.EventSink
	if cfg.EventsEnabled() {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
	}

	taskSvc := usecase.NewTaskService(taskRepo, events)
	consumerSvc := usecase.NewConsumerService(consumerRepo)

	// Seed the routing table before accepting traffic.
	if cfg.RegistryFile != "" {
		if err := app.SeedRegistry(ctx, consumerSvc, cfg.RegistryFile); err != nil {
			slog.Error("registry seed failed", slog.String("file", cfg.RegistryFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Cross-instance delivery claim lock (optional)
	var claimer delivery.Claimer
	if cfg.RedisURL != "" {
		rc, err := delivery.NewRedisClaimer(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = rc.Close() }()
		claimer = rc
	}

	loop := delivery.NewLoop(taskRepo, taskSvc, events, claimer, delivery.Options{
		Concurrency:        cfg.DeliveryConcurrency,
		Interval:           cfg.DeliveryInterval,
		Timeout:            cfg.DeliveryTimeout,
		MaxAttempts:        cfg.DeliveryMaxAttempts,
		BackoffBase:        cfg.DeliveryBackoffBase,
		BackoffCap:         cfg.DeliveryBackoffCap,
		ProcessingDeadline: cfg.ProcessingDeadline,
		CallbackBaseURL:    cfg.BrokerURL,
	})
	go loop.Run(ctx)

	prober := app.NewConsumerProber(consumerRepo, cfg.HealthProbeTimeout, cfg.HealthProbeInterval, cfg.HealthFailureThreshold)
	go prober.Run(ctx)

	reaper := app.NewProcessingReaper(taskRepo, cfg.ReaperInterval)
	go reaper.Run(ctx)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }
	srv := httpserver.NewServer(cfg, taskSvc, consumerSvc, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("task broker starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
