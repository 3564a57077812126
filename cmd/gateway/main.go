// quantdesk gateway — the execution gateway service.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires the service, waits for SIGINT/SIGTERM
//	gateway/service.go     — submit pipeline: idempotency, risk gates, reservation, broker dispatch
//	gateway/webhook.go     — HMAC-verified broker event ingestion, idempotent fill application
//	gateway/twap.go        — TWAP slicing and the due-slice dispatcher
//	ledger/ledger.go       — SQLite order/fill/position ledger with CAS status updates
//	risk/store.go          — Redis risk state: kill switch, breaker, reservations, quarantine
//	broker/client.go       — broker REST client (orders, positions, bars)
//	broker/stream.go       — market data WebSocket feeding the shared price cache
//	recon/engine.go        — broker↔ledger reconciliation cycles
//
// The gateway refuses orders until the first reconciliation cycle succeeds;
// if that cannot happen within the startup deadline, the process exits 3.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/gateway"
	"quantdesk/internal/ledger"
	"quantdesk/internal/recon"
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

	store, err := ledger.Open(cfg.Database.LedgerPath)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer store.Close()

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

	brokerClient := broker.NewClient(cfg, logger)

	svc, err := gateway.NewService(cfg, store, riskStore, brokerClient, logger)
	if err != nil {
		logger.Error("failed to create gateway service", "error", err)
		os.Exit(config.ExitMisconfigured)
	}

	engine := recon.New(cfg, store, riskStore, brokerClient, svc.MarkStartupComplete, logger)

	server := gateway.NewServer(cfg, svc, riskStore, store, engine.RunCycle, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
			cancel()
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders are recorded but never sent to the broker")
	}

	// Startup reconciliation gates everything; without it the ledger may
	// disagree with the broker and no order is safe.
	if err := engine.RunStartup(ctx); err != nil {
		logger.Error("startup reconciliation failed", "error", err)
		os.Exit(config.ExitStartupGate)
	}

	// Market data feed → price cache.
	if cfg.Broker.StreamURL != "" {
		feed := broker.NewQuoteFeed(cfg.Broker.StreamURL, cfg.Broker.APIKey, cfg.Broker.APISecret, logger)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("quote feed stopped", "error", err)
			}
		}()
		go svc.RunQuotePump(ctx, feed.Quotes())
	}

	go svc.RunSliceDispatcher(ctx, 5*time.Second)

	scheduler := cron.New()
	interval := cfg.Reconciliation.Interval
	if _, err := scheduler.AddFunc("@every "+interval.String(), func() {
		if err := engine.RunCycle(ctx); err != nil && err != recon.ErrLockHeld {
			logger.Error("scheduled reconciliation failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to schedule reconciliation", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	logger.Info("execution gateway started",
		"port", cfg.Gateway.Port,
		"reconciliation_interval", interval,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	<-scheduler.Stop().Done()
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
