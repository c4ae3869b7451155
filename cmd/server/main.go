// Command server starts the stepflow control-plane HTTP server. With the
// memory queue driver it also embeds the worker and the outbox relay, since
// that driver is single-process.
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

	httpserver "github.com/fairyhunter13/stepflow/internal/adapter/httpserver"
	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/app"
	"github.com/fairyhunter13/stepflow/internal/config"
	"github.com/fairyhunter13/stepflow/internal/outbox"
	"github.com/fairyhunter13/stepflow/internal/runner"
	"github.com/fairyhunter13/stepflow/internal/usecase"
	"github.com/fairyhunter13/stepflow/internal/worker"
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

	infra, err := app.BuildInfra(ctx, cfg)
	if err != nil {
		slog.Error("infra init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer infra.Close()

	svc := usecase.NewService(infra.Store, infra.Queue, cfg.QueueSoftLimit)

	var pinger app.Pinger
	if infra.Pool != nil {
		pinger = infra.Pool
	}
	storeCheck, queueCheck := app.BuildReadinessChecks(pinger, infra.Queue)
	srv := httpserver.NewServer(cfg, svc, infra.Store, infra.Queue, storeCheck, queueCheck)

	// The memory driver lives and dies with this process, so the worker side
	// runs embedded.
	if cfg.QueueDriver == config.DriverMemory {
		reg := runner.DefaultRegistry(infra.Store)
		run := runner.New(infra.Store, infra.Queue, reg)
		wk := worker.New(infra.Store, infra.Queue, run, cfg.StepTimeout())
		if err := wk.Start(ctx); err != nil {
			slog.Error("embedded worker start failed", slog.Any("error", err))
			os.Exit(1)
		}
		if cfg.OutboxRelayEnabled && !cfg.IsTest() {
			relay := outbox.NewRelay(infra.Store, infra.Queue, cfg.OutboxRelayInterval(), cfg.OutboxRelayBatch)
			go relay.Start(ctx)
		}
		slog.Info("embedded worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	}

	handler := app.BuildRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening",
			slog.Int("port", cfg.Port),
			slog.String("driver", infra.Queue.Name()),
			slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", slog.Any("error", err))
	}
}
