// Command worker runs a benchmark agent: it registers the host with the
// orchestrator, heartbeats, drains its job queues and publishes results.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fairyhunter13/benchfleet/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/benchfleet/internal/agent"
)

func main() {
	var (
		configPath      string
		orchestratorURL string
		redisHost       string
		redisPort       int
		deviceName      string
		debug           bool
	)
	flag.StringVar(&configPath, "config", "", "path to the agent YAML config")
	flag.StringVar(&orchestratorURL, "orchestrator-url", "", "orchestrator base URL (overrides config)")
	flag.StringVar(&redisHost, "redis-host", "", "redis host (overrides config)")
	flag.IntVar(&redisPort, "redis-port", 0, "redis port (overrides config)")
	flag.StringVar(&deviceName, "device-name", "", "device name to register as (overrides config)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if orchestratorURL != "" {
		cfg.Orchestrator.URL = orchestratorURL
	}
	if redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort != 0 {
		cfg.Redis.Port = redisPort
	}
	if deviceName != "" {
		cfg.Worker.DeviceName = deviceName
	}

	level := parseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With(
		slog.String("service", "benchfleet-worker"),
	)
	slog.SetDefault(logger)

	// Shared broker: job queues are popped and result documents pushed over
	// the same connection pool.
	broker := redisq.NewWithOptions(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, 0, cfg.Redis.SSL)
	defer func() {
		if err := broker.Close(); err != nil {
			slog.Error("failed to close broker", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.ConnectWithRetry(ctx, cfg.Orchestrator.RequestTimeout()); err != nil {
		slog.Error("redis connect failed", slog.String("addr", cfg.RedisAddr()), slog.Any("error", err))
		os.Exit(1)
	}

	api := agent.NewClient(cfg.Orchestrator.URL, cfg.Orchestrator.RequestTimeout())
	ag := agent.New(cfg, api, broker, broker, agent.NewSimulatedRunner())

	if err := ag.Register(ctx); err != nil {
		slog.Error("registration failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("worker starting",
		slog.String("worker_id", ag.WorkerID()),
		slog.String("orchestrator", cfg.Orchestrator.URL),
		slog.Any("capabilities", cfg.Worker.Capabilities))
	slog.Info("send signal TERM or INT to terminate the process")

	if err := ag.Run(ctx); err != nil {
		slog.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
