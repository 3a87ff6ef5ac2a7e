// Command server starts the benchfleet orchestrator HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/benchfleet/internal/adapter/httpserver"
	"github.com/fairyhunter13/benchfleet/internal/adapter/observability"
	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/adapter/store"
	"github.com/fairyhunter13/benchfleet/internal/app"
	"github.com/fairyhunter13/benchfleet/internal/config"
	"github.com/fairyhunter13/benchfleet/internal/domain"
	"github.com/fairyhunter13/benchfleet/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	config.RegisterServerFlags(flag.CommandLine, &cfg)
	flag.Parse()

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, fleet, and queue instrumentation.
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

	ctx := context.Background()

	// State: in-memory store mirrored to a JSON snapshot.
	st := store.New(cfg.StateFile, cfg.SnapshotInterval)
	if cfg.ResetState {
		if err := os.Remove(cfg.StateFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Error("could not discard state snapshot", slog.String("path", cfg.StateFile), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Warn("state snapshot discarded on request", slog.String("path", cfg.StateFile))
	}
	if err := st.Load(ctx); err != nil {
		slog.Error("state load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Broker: an unreachable Redis is not fatal. The control surface stays
	// up and queue-backed routes answer 502 until the broker returns.
	broker := redisq.New(cfg)
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker", slog.Any("error", err))
		}
	}()
	if err := broker.ConnectWithRetry(ctx, 30*time.Second); err != nil {
		slog.Error("redis unreachable at startup, dispatch degrades until it returns",
			slog.String("addr", cfg.RedisAddr()), slog.Any("error", err))
	}

	// Usecases
	retries := domain.NewRetryTracker(cfg.RetryPolicy())
	registry := usecase.NewRegistrationService(st)
	dispatch := usecase.NewDispatcher(st, broker)
	reports := usecase.NewReportService(st, st, cfg.OutputDir)
	finalize := usecase.NewFinalizer(st, reports, st)
	campaigns := usecase.CampaignService{
		Campaigns:             st,
		Jobs:                  st,
		Results:               st,
		Workers:               st,
		Dispatch:              dispatch,
		Retries:               retries,
		DefaultTimeoutSeconds: cfg.JobTimeoutSeconds(),
	}
	monitor := usecase.NewHealthMonitor(st, cfg.HeartbeatTimeout, cfg.HeartbeatCheckInterval)
	timeouts := usecase.NewTimeoutEngine(st, st, st, broker, retries, finalize, cfg.JobTimeoutDefault, cfg.TimeoutCheckInterval)
	processor := usecase.NewResultProcessor(st, st, st, broker, finalize, cfg.ResultPollTimeout)

	// Background loops: heartbeat sweep, job timeout sweep, result ingestion
	// and the periodic snapshot. The snapshot loop writes a final snapshot on
	// cancellation, so loops are stopped only after the HTTP server drains.
	runCtx, stopLoops := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); monitor.Run(runCtx) }()
	go func() { defer wg.Done(); timeouts.Run(runCtx) }()
	go func() { defer wg.Done(); processor.Run(runCtx) }()
	go func() { defer wg.Done(); st.Run(runCtx) }()

	// HTTP server
	srv := httpserver.NewServer(registry, campaigns, dispatch, reports, monitor, timeouts, retries, st, broker)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.String("addr", cfg.ListenAddr()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	stopLoops()
	wg.Wait()
}
