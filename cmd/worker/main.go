// Command worker consumes step.ready jobs, runs the outbox relay, and, when
// brokers are configured, bridges domain events to Kafka. It exposes its own
// /metrics endpoint for scraping.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/stepflow/internal/adapter/observability"
	"github.com/fairyhunter13/stepflow/internal/app"
	"github.com/fairyhunter13/stepflow/internal/config"
	"github.com/fairyhunter13/stepflow/internal/domain"
	"github.com/fairyhunter13/stepflow/internal/outbox"
	"github.com/fairyhunter13/stepflow/internal/runner"
	"github.com/fairyhunter13/stepflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	stopUptime := observability.StartUptimeTicker()
	defer stopUptime()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.QueueDriver == config.DriverMemory {
		slog.Warn("memory driver is single-process; a standalone worker only sees its own queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	infra, err := app.BuildInfra(ctx, cfg)
	if err != nil {
		slog.Error("infra init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer infra.Close()

	reg := runner.DefaultRegistry(infra.Store)
	run := runner.New(infra.Store, infra.Queue, reg)
	wk := worker.New(infra.Store, infra.Queue, run, cfg.StepTimeout())
	if err := wk.Start(ctx); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker started",
		slog.String("worker_id", wk.ID()),
		slog.String("driver", infra.Queue.Name()),
		slog.Int("concurrency", cfg.WorkerConcurrency))

	if cfg.OutboxRelayEnabled && !cfg.IsTest() {
		relay := outbox.NewRelay(infra.Store, infra.Queue, cfg.OutboxRelayInterval(), cfg.OutboxRelayBatch)
		go relay.Start(ctx)
		slog.Info("outbox relay started",
			slog.Duration("interval", cfg.OutboxRelayInterval()),
			slog.Int("batch", cfg.OutboxRelayBatch))
	}

	if cfg.EventBridgeEnabled() {
		bridge, err := outbox.NewBridge(cfg.EventBridgeBrokers, cfg.EventBridgeTopic)
		if err != nil {
			slog.Error("event bridge init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer bridge.Close()
		if err := infra.Queue.Subscribe(ctx, domain.TopicOutbox, bridge.Handle); err != nil {
			slog.Error("event bridge subscribe failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("event bridge started", slog.String("topic", cfg.EventBridgeTopic))
	}

	<-ctx.Done()
	slog.Info("worker shutting down")
}
