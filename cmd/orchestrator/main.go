// Command orchestrator starts the index orchestrator: it registers itself
// with the broker as the index-document consumer, accepts deliveries, and
// drives document pipelines to completion.
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

	"github.com/quickresolve/docpipe/internal/adapter/brokerclient"
	"github.com/quickresolve/docpipe/internal/adapter/observability"
	"github.com/quickresolve/docpipe/internal/config"
	"github.com/quickresolve/docpipe/internal/domain"
	"github.com/quickresolve/docpipe/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if cfg.OTELServiceName == "docpipe-broker" {
		cfg.OTELServiceName = "docpipe-orchestrator"
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

	broker := brokerclient.New(cfg.BrokerURL)
	driver := orchestrator.NewDriver(broker, orchestrator.Options{
		StepTimeout:     cfg.StepTimeout,
		RetryMax:        &cfg.StepRetryMax,
		FanoutLimit:     cfg.FanoutLimit,
		PollInterval:    cfg.PollInterval,
		PollMaxInterval: cfg.PollMaxInterval,
	})
	srv := orchestrator.NewServer(driver)

	// Announce this instance as the index-document consumer. The broker's
	// health prober keeps the row ready as long as /health answers.
	reg := brokerclient.ConsumerRegistration{
		Topic:       domain.TaskIndexDocument,
		EndpointURL: cfg.OrchestratorURL,
		HealthURL:   cfg.OrchestratorURL + "/health",
		Ready:       true,
	}
	if err := broker.UpsertConsumer(ctx, reg); err != nil {
		slog.Error("consumer registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("registered with broker",
		slog.String("broker", cfg.BrokerURL),
		slog.String("endpoint", cfg.OrchestratorURL))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("index orchestrator starting", slog.Int("port", cfg.Port))
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

	// Stop receiving deliveries before draining in-flight pipelines.
	deregCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := broker.RemoveConsumer(deregCtx, domain.TaskIndexDocument, cfg.OrchestratorURL); err != nil {
		slog.Warn("consumer deregistration failed", slog.Any("error", err))
	}
	cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
