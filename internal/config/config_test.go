package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
dry_run: true
broker:
  base_url: https://paper-api.example.test
database:
  ledger_path: /tmp/ledger.db
risk_store:
  url: redis://localhost:6379/0
risk:
  position_limits:
    TSLA: 100
  max_order_qty_warn: 1000
  max_order_qty_reject: 5000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.DryRun {
		t.Error("dry_run should be true")
	}
	if cfg.Risk.DefaultPositionLimit != 10000 {
		t.Errorf("default position limit = %d", cfg.Risk.DefaultPositionLimit)
	}
	if cfg.Risk.QuietPeriod != 30*time.Minute {
		t.Errorf("quiet period = %s", cfg.Risk.QuietPeriod)
	}
	if cfg.Reconciliation.Interval != 60*time.Second {
		t.Errorf("recon interval = %s", cfg.Reconciliation.Interval)
	}
	if cfg.Gateway.SessionTZ != "UTC" {
		t.Errorf("session tz = %s", cfg.Gateway.SessionTZ)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("WEBHOOK_SECRET", "hunter2")
	t.Setenv("BROKER_API_KEY", "key")
	t.Setenv("BROKER_API_SECRET", "secret")
	t.Setenv("DATABASE_URL", "/data/ledger.db")
	t.Setenv("RISK_STORE_URL", "redis://prod:6379/1")
	t.Setenv("QUIET_PERIOD_MINUTES", "45")
	t.Setenv("RECONCILIATION_INTERVAL_SECONDS", "120")
	t.Setenv("POSITION_LIMIT_NVDA", "250")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DryRun {
		t.Error("DRY_RUN=false not applied")
	}
	if cfg.Gateway.WebhookSecret != "hunter2" {
		t.Error("WEBHOOK_SECRET not applied")
	}
	if cfg.Database.LedgerPath != "/data/ledger.db" {
		t.Errorf("ledger path = %s", cfg.Database.LedgerPath)
	}
	if cfg.RiskStore.URL != "redis://prod:6379/1" {
		t.Errorf("risk store url = %s", cfg.RiskStore.URL)
	}
	if cfg.Risk.QuietPeriod != 45*time.Minute {
		t.Errorf("quiet period = %s", cfg.Risk.QuietPeriod)
	}
	if cfg.Reconciliation.Interval != 120*time.Second {
		t.Errorf("recon interval = %s", cfg.Reconciliation.Interval)
	}
	if cfg.Risk.PositionLimit("NVDA") != 250 {
		t.Errorf("NVDA limit = %d", cfg.Risk.PositionLimit("NVDA"))
	}
	// YAML-configured limit survives alongside the env one.
	if cfg.Risk.PositionLimit("TSLA") != 100 {
		t.Errorf("TSLA limit = %d", cfg.Risk.PositionLimit("TSLA"))
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate live config: %v", err)
	}
}

func TestPositionLimitFallback(t *testing.T) {
	t.Parallel()

	r := RiskConfig{DefaultPositionLimit: 10000, PositionLimits: map[string]int64{"TSLA": 100}}
	if got := r.PositionLimit("TSLA"); got != 100 {
		t.Errorf("TSLA = %d", got)
	}
	if got := r.PositionLimit("AAPL"); got != 10000 {
		t.Errorf("AAPL fallback = %d", got)
	}
}

func TestValidateLiveModeRequirements(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"live without webhook secret", func(c *Config) { c.DryRun = false }},
		{"live without broker creds", func(c *Config) {
			c.DryRun = false
			c.Gateway.WebhookSecret = "s"
		}},
		{"no broker url", func(c *Config) { c.Broker.BaseURL = "" }},
		{"no ledger path", func(c *Config) { c.Database.LedgerPath = "" }},
		{"no risk store url", func(c *Config) { c.RiskStore.URL = "" }},
		{"zero position limit", func(c *Config) { c.Risk.DefaultPositionLimit = 0 }},
		{"warn band above reject", func(c *Config) { c.Risk.MaxOrderQtyWarn = 9999999 }},
		{"bad timezone", func(c *Config) { c.Gateway.SessionTZ = "Mars/Olympus" }},
		{"negative top_n", func(c *Config) { c.Signal.TopN = -1 }},
		{"zero recon interval", func(c *Config) { c.Reconciliation.Interval = 0 }},
	}
	for _, tc := range cases {
		cfg := valid()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	// A fully specified live config passes.
	cfg := valid()
	cfg.DryRun = false
	cfg.Gateway.WebhookSecret = "s"
	cfg.Broker.APIKey = "k"
	cfg.Broker.APISecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Errorf("live config rejected: %v", err)
	}
}
