// Package config defines all configuration for the trading platform services.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational fields overridable via environment variables (DRY_RUN,
// WEBHOOK_SECRET, DATABASE_URL, RISK_STORE_URL, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Exit codes shared by all three binaries.
const (
	ExitOK            = 0
	ExitMisconfigured = 2
	ExitStartupGate   = 3
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; one file is shared by all services, each reads its own section.
type Config struct {
	DryRun         bool                 `mapstructure:"dry_run"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Database       DatabaseConfig       `mapstructure:"database"`
	RiskStore      RiskStoreConfig      `mapstructure:"risk_store"`
	Risk           RiskConfig           `mapstructure:"risk"`
	Gateway        GatewayConfig        `mapstructure:"gateway"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Signal         SignalConfig         `mapstructure:"signal"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// BrokerConfig holds broker API endpoints and credentials.
type BrokerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
	StreamURL string `mapstructure:"stream_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// DatabaseConfig holds SQLite file locations. The order ledger belongs to the
// gateway; the signal service and orchestrator each keep their own file.
type DatabaseConfig struct {
	LedgerPath   string `mapstructure:"ledger_path"`
	RegistryPath string `mapstructure:"registry_path"`
	RunsPath     string `mapstructure:"runs_path"`
}

// RiskStoreConfig points at the shared key-value store holding risk state.
type RiskStoreConfig struct {
	URL            string        `mapstructure:"url"` // redis://host:port/db
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
	PriceTTL       time.Duration `mapstructure:"price_ttl"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

// RiskConfig sets the pre-trade limits the gateway enforces.
//
//   - PositionLimits: per-symbol absolute share caps (position + reservation).
//   - MaxOrderNotionalWarn/Reject: fat-finger bands on |qty × price| in USD.
//   - MaxOrderQtyWarn/Reject: fat-finger bands on share quantity.
//   - DailyLossLimit: realized loss that trips the circuit breaker.
//   - QuietPeriod: cooldown after a breaker reset before orders flow again.
//   - ConsecutiveErrorLimit: broker errors in a row that trip the breaker.
type RiskConfig struct {
	PositionLimits        map[string]int64 `mapstructure:"position_limits"`
	DefaultPositionLimit  int64            `mapstructure:"default_position_limit"`
	MaxOrderNotionalWarn  float64          `mapstructure:"max_order_notional_warn"`
	MaxOrderNotionalReject float64         `mapstructure:"max_order_notional_reject"`
	MaxOrderQtyWarn       int64            `mapstructure:"max_order_qty_warn"`
	MaxOrderQtyReject     int64            `mapstructure:"max_order_qty_reject"`
	DailyLossLimit        float64          `mapstructure:"daily_loss_limit"`
	QuietPeriod           time.Duration    `mapstructure:"quiet_period"`
	ConsecutiveErrorLimit int64            `mapstructure:"consecutive_error_limit"`
}

// PositionLimit returns the share cap for a symbol, falling back to the
// default when no per-symbol override is configured.
func (r RiskConfig) PositionLimit(symbol string) int64 {
	if limit, ok := r.PositionLimits[symbol]; ok {
		return limit
	}
	return r.DefaultPositionLimit
}

// GatewayConfig configures the execution gateway service.
type GatewayConfig struct {
	Port            int           `mapstructure:"port"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	SessionTZ       string        `mapstructure:"session_tz"` // trade-date boundary, default UTC
	SubmitRetries   int           `mapstructure:"submit_retries"`
	SubmitBackoff   time.Duration `mapstructure:"submit_backoff"`
	StartupDeadline time.Duration `mapstructure:"startup_deadline"`
}

// ReconciliationConfig tunes the periodic broker↔ledger repair loop.
//
//   - Interval: how often a cycle runs.
//   - OverlapWindow: how far behind the high-water mark each cycle re-reads.
//   - GraceWindow: age after which a local order missing at the broker is
//     advanced to error.
//   - DryRunMaxAge: dry_run orders older than this are swept to canceled.
type ReconciliationConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	OverlapWindow time.Duration `mapstructure:"overlap_window"`
	GraceWindow   time.Duration `mapstructure:"grace_window"`
	DryRunMaxAge  time.Duration `mapstructure:"dry_run_max_age"`
}

// SignalConfig configures the signal service.
type SignalConfig struct {
	Port           int           `mapstructure:"port"`
	Strategy       string        `mapstructure:"strategy"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
	TopN           int           `mapstructure:"top_n"`    // long bucket size
	BottomN        int           `mapstructure:"bottom_n"` // short bucket size
	BarLookback    int           `mapstructure:"bar_lookback"`
}

// OrchestratorConfig configures the orchestrator service.
type OrchestratorConfig struct {
	Port           int           `mapstructure:"port"`
	GatewayURL     string        `mapstructure:"gateway_url"`
	SignalURL      string        `mapstructure:"signal_url"`
	SubmitRetries  int           `mapstructure:"submit_retries"`
	SubmitBackoff  time.Duration `mapstructure:"submit_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("risk_store.reservation_ttl", 15*time.Minute)
	v.SetDefault("risk_store.price_ttl", 300*time.Second)
	v.SetDefault("risk_store.lock_ttl", 2*time.Minute)
	v.SetDefault("risk.default_position_limit", 10000)
	v.SetDefault("risk.quiet_period", 30*time.Minute)
	v.SetDefault("risk.consecutive_error_limit", 5)
	v.SetDefault("gateway.session_tz", "UTC")
	v.SetDefault("gateway.submit_retries", 3)
	v.SetDefault("gateway.submit_backoff", 500*time.Millisecond)
	v.SetDefault("gateway.startup_deadline", 2*time.Minute)
	v.SetDefault("reconciliation.interval", 60*time.Second)
	v.SetDefault("reconciliation.overlap_window", 5*time.Minute)
	v.SetDefault("reconciliation.grace_window", 10*time.Minute)
	v.SetDefault("reconciliation.dry_run_max_age", 24*time.Hour)
	v.SetDefault("signal.reload_interval", 5*time.Minute)
	v.SetDefault("signal.top_n", 3)
	v.SetDefault("signal.bottom_n", 2)
	v.SetDefault("signal.bar_lookback", 60)
	v.SetDefault("orchestrator.submit_retries", 2)
	v.SetDefault("orchestrator.submit_backoff", 250*time.Millisecond)
	v.SetDefault("orchestrator.request_timeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides maps the documented operational env vars onto the config.
// These are the names operators and deploy manifests use, independent of the
// QD_ viper prefix.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DRY_RUN"); val != "" {
		cfg.DryRun = val == "true" || val == "1"
	}
	if val := os.Getenv("WEBHOOK_SECRET"); val != "" {
		cfg.Gateway.WebhookSecret = val
	}
	if val := os.Getenv("BROKER_BASE_URL"); val != "" {
		cfg.Broker.BaseURL = val
	}
	if val := os.Getenv("BROKER_API_KEY"); val != "" {
		cfg.Broker.APIKey = val
	}
	if val := os.Getenv("BROKER_API_SECRET"); val != "" {
		cfg.Broker.APISecret = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.Database.LedgerPath = val
	}
	if val := os.Getenv("RISK_STORE_URL"); val != "" {
		cfg.RiskStore.URL = val
	}
	if val := os.Getenv("DAILY_LOSS_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Risk.DailyLossLimit = f
		}
	}
	if val := os.Getenv("QUIET_PERIOD_MINUTES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Risk.QuietPeriod = time.Duration(n) * time.Minute
		}
	}
	if val := os.Getenv("RECONCILIATION_INTERVAL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Reconciliation.Interval = time.Duration(n) * time.Second
		}
	}
	if val := os.Getenv("MODEL_RELOAD_INTERVAL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Signal.ReloadInterval = time.Duration(n) * time.Second
		}
	}

	// Per-symbol position limits: POSITION_LIMIT_AAPL=500
	for _, env := range os.Environ() {
		name, val, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, "POSITION_LIMIT_") {
			continue
		}
		symbol := strings.TrimPrefix(name, "POSITION_LIMIT_")
		if symbol == "" {
			continue
		}
		if limit, err := strconv.ParseInt(val, 10, 64); err == nil {
			if cfg.Risk.PositionLimits == nil {
				cfg.Risk.PositionLimits = make(map[string]int64)
			}
			cfg.Risk.PositionLimits[symbol] = limit
		}
	}
}

// Validate checks all required fields and value ranges. A Validate error
// means the process must exit with ExitMisconfigured.
func (c *Config) Validate() error {
	if !c.DryRun && c.Gateway.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required when dry_run is false (set WEBHOOK_SECRET)")
	}
	if !c.DryRun && (c.Broker.APIKey == "" || c.Broker.APISecret == "") {
		return fmt.Errorf("broker credentials are required when dry_run is false (set BROKER_API_KEY / BROKER_API_SECRET)")
	}
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Database.LedgerPath == "" {
		return fmt.Errorf("database.ledger_path is required (set DATABASE_URL)")
	}
	if c.RiskStore.URL == "" {
		return fmt.Errorf("risk_store.url is required (set RISK_STORE_URL)")
	}
	if c.Risk.DefaultPositionLimit <= 0 {
		return fmt.Errorf("risk.default_position_limit must be > 0")
	}
	if c.Risk.MaxOrderNotionalReject > 0 && c.Risk.MaxOrderNotionalWarn > c.Risk.MaxOrderNotionalReject {
		return fmt.Errorf("risk.max_order_notional_warn must not exceed the reject band")
	}
	if c.Risk.MaxOrderQtyReject > 0 && c.Risk.MaxOrderQtyWarn > c.Risk.MaxOrderQtyReject {
		return fmt.Errorf("risk.max_order_qty_warn must not exceed the reject band")
	}
	if _, err := time.LoadLocation(c.Gateway.SessionTZ); err != nil {
		return fmt.Errorf("gateway.session_tz: %w", err)
	}
	if c.Signal.TopN < 0 || c.Signal.BottomN < 0 {
		return fmt.Errorf("signal.top_n and signal.bottom_n must be >= 0")
	}
	if c.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be > 0")
	}
	return nil
}
