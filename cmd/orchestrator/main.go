// quantdesk orchestrator — the orchestration service.
//
// Accepts run requests over HTTP, fetches signals, sizes them against
// capital, and submits orders to the gateway one at a time. Each run is
// persisted in the orchestrator's own run log.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quantdesk/internal/config"
	"quantdesk/internal/orchestrator"
	"quantdesk/internal/risk"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(config.ExitMisconfigured)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(config.ExitMisconfigured)
	}

	logger := newLogger(cfg.Logging)

	runStore, err := orchestrator.OpenRunStore(cfg.Database.RunsPath)
	if err != nil {
		logger.Error("failed to open run store", "error", err)
		os.Exit(1)
	}
	defer runStore.Close()

	riskStore, err := risk.NewStore(cfg.RiskStore.URL,
		cfg.RiskStore.ReservationTTL, cfg.RiskStore.PriceTTL, cfg.RiskStore.LockTTL, logger)
	if err != nil {
		logger.Error("failed to create risk store", "error", err)
		os.Exit(config.ExitMisconfigured)
	}
	defer riskStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := riskStore.Ping(ctx); err != nil {
		logger.Error("risk store unreachable", "error", err)
		os.Exit(1)
	}

	runner := orchestrator.NewRunner(cfg.Orchestrator,
		orchestrator.NewSignalClient(cfg.Orchestrator),
		orchestrator.NewGatewayClient(cfg.Orchestrator),
		riskStore, runStore, logger)

	server := orchestrator.NewServer(cfg.Orchestrator, runner, runStore, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("orchestrator server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("orchestrator started",
		"port", cfg.Orchestrator.Port,
		"gateway_url", cfg.Orchestrator.GatewayURL,
		"signal_url", cfg.Orchestrator.SignalURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigCh:
		logger.Info("received shutdown signal", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
