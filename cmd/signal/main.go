// quantdesk signal — the signal service.
//
// Owns the model registry, hot-reloads the active model on a schedule, and
// serves ranked, weighted signals over HTTP. Until a model loads, generate
// requests return 503 and /health reports degraded.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	sig "quantdesk/internal/signal"
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

	registry, err := sig.OpenRegistry(cfg.Database.RegistryPath)
	if err != nil {
		logger.Error("failed to open model registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	brokerClient := broker.NewClient(cfg, logger)
	engine := sig.NewEngine(cfg.Signal, registry, brokerClient, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Best-effort initial load; the service starts degraded when the
	// registry has no usable active model and recovers on a later reload.
	if err := engine.Reload(ctx); err != nil {
		if errors.Is(err, sig.ErrNoActiveModel) {
			logger.Warn("no active model in registry, starting degraded")
		} else {
			logger.Error("initial model load failed, starting degraded", "error", err)
		}
	}

	go engine.RunReloadLoop(ctx)

	server := sig.NewServer(cfg.Signal, engine, registry, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("signal server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("signal service started",
		"port", cfg.Signal.Port,
		"strategy", cfg.Signal.Strategy,
		"reload_interval", cfg.Signal.ReloadInterval,
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
