package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// fakeBars serves a fixed drift per symbol: positive drift means the close
// rises every day, so higher drift ranks higher under any momentum model.
type fakeBars struct {
	drift map[string]float64
	fail  map[string]bool
}

func (f *fakeBars) GetBars(_ context.Context, symbol string, _ time.Time, limit int) ([]types.Bar, error) {
	if f.fail[symbol] {
		return nil, fmt.Errorf("no data for %s", symbol)
	}
	drift, ok := f.drift[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	if limit < minBarsNeeded {
		limit = minBarsNeeded + 5
	}
	closes := make([]float64, limit)
	price := 100.0
	for i := range closes {
		price *= 1 + drift
		closes[i] = price
	}
	return makeBars(closes, 0), nil
}

func newTestEngine(t *testing.T, bars BarSource) (*Engine, *Registry) {
	t.Helper()
	reg := openTestRegistry(t)
	cfg := config.SignalConfig{
		Strategy:       "momentum",
		ReloadInterval: time.Minute,
		TopN:           2,
		BottomN:        2,
		BarLookback:    30,
	}
	return NewEngine(cfg, reg, bars, slog.Default()), reg
}

func activateArtifact(t *testing.T, reg *Registry, version, artifact string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := reg.Register(ctx, types.ModelMetadata{
		StrategyName: "momentum",
		Version:      version,
		ModelPath:    writeArtifact(t, artifact),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Activate(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return id
}

// momentumArtifact scores ret_20d directly, so ranking follows drift.
const momentumArtifact = `{
	"version": "%s",
	"features": ["ret_20d"],
	"coefficients": [1.0],
	"intercept": 0.0,
	"normalization": {"mean": [0.0], "std": [1.0]}
}`

func TestEngineReloadAndGenerate(t *testing.T) {
	t.Parallel()
	bars := &fakeBars{drift: map[string]float64{
		"AAPL": 0.010, "MSFT": 0.005, "NVDA": 0.002,
		"TSLA": -0.002, "GME": -0.004, "AMC": -0.010,
	}}
	eng, reg := newTestEngine(t, bars)
	ctx := context.Background()

	if _, err := eng.Generate(ctx, types.GenerateRequest{Symbols: []string{"AAPL"}}); !errors.Is(err, ErrNoActiveModel) {
		t.Fatalf("generate before load: %v", err)
	}

	activateArtifact(t, reg, "v1", fmt.Sprintf(momentumArtifact, "v1"))
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if info := eng.Info(); info == nil || info.Version != "v1" {
		t.Fatalf("Info: %+v", info)
	}

	resp, err := eng.Generate(ctx, types.GenerateRequest{
		Symbols: []string{"AAPL", "MSFT", "NVDA", "TSLA", "GME", "AMC"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.Signals) != 6 {
		t.Fatalf("signals: %+v", resp.Signals)
	}

	// Ranked best to worst by predicted return, weights ±1/2 at the edges.
	wantOrder := []string{"AAPL", "MSFT", "NVDA", "TSLA", "GME", "AMC"}
	wantWeight := []float64{0.5, 0.5, 0, 0, -0.5, -0.5}
	var sum float64
	for i, sig := range resp.Signals {
		if sig.Symbol != wantOrder[i] || sig.Rank != i+1 {
			t.Errorf("rank %d: %+v", i+1, sig)
		}
		if math.Abs(sig.TargetWeight-wantWeight[i]) > 1e-12 {
			t.Errorf("%s weight = %v, want %v", sig.Symbol, sig.TargetWeight, wantWeight[i])
		}
		sum += sig.TargetWeight
	}
	if math.Abs(sum) > 1e-12 {
		t.Errorf("weights do not net to zero: %v", sum)
	}
	if resp.Metadata.ModelVersion != "v1" {
		t.Errorf("metadata: %+v", resp.Metadata)
	}
}

func TestEngineDropsFailingSymbols(t *testing.T) {
	t.Parallel()
	bars := &fakeBars{
		drift: map[string]float64{"AAPL": 0.01, "MSFT": -0.01},
		fail:  map[string]bool{"NVDA": true},
	}
	eng, reg := newTestEngine(t, bars)
	ctx := context.Background()

	activateArtifact(t, reg, "v1", fmt.Sprintf(momentumArtifact, "v1"))
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	resp, err := eng.Generate(ctx, types.GenerateRequest{Symbols: []string{"AAPL", "NVDA", "MSFT"}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(resp.Signals) != 2 {
		t.Fatalf("signals: %+v", resp.Signals)
	}
	for _, sig := range resp.Signals {
		if sig.Symbol == "NVDA" {
			t.Fatal("failed symbol survived in response")
		}
	}

	bars.fail["AAPL"], bars.fail["MSFT"] = true, true
	if _, err := eng.Generate(ctx, types.GenerateRequest{Symbols: []string{"AAPL", "MSFT"}}); err == nil {
		t.Fatal("all-symbols-failed batch should error")
	}
}

func TestEngineHotSwapAndFailedLoadKeepsCurrent(t *testing.T) {
	t.Parallel()
	bars := &fakeBars{drift: map[string]float64{"AAPL": 0.01}}
	eng, reg := newTestEngine(t, bars)
	ctx := context.Background()

	activateArtifact(t, reg, "v1", fmt.Sprintf(momentumArtifact, "v1"))
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	// Reload with no registry change is a no-op.
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("idempotent reload: %v", err)
	}

	// Good v2 swaps in.
	activateArtifact(t, reg, "v2", fmt.Sprintf(momentumArtifact, "v2"))
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("swap to v2: %v", err)
	}
	if eng.Info().Version != "v2" {
		t.Fatalf("serving %s, want v2", eng.Info().Version)
	}

	// Corrupt v3 fails validation: v2 keeps serving, v3 is marked failed.
	badID := activateArtifact(t, reg, "v3", `{"version": "v3", "features": []}`)
	if err := eng.Reload(ctx); err == nil {
		t.Fatal("corrupt artifact loaded")
	}
	if eng.Info().Version != "v2" {
		t.Fatalf("serving %s after failed load, want v2", eng.Info().Version)
	}
	models, _ := reg.List(ctx, "momentum")
	for _, m := range models {
		if m.ID == badID && m.Status != "failed" {
			t.Fatalf("bad model status = %s, want failed", m.Status)
		}
	}
}

func TestRankAndWeightShrinksBuckets(t *testing.T) {
	t.Parallel()

	signals := []types.Signal{
		{Symbol: "A", PredictedReturn: 0.03},
		{Symbol: "B", PredictedReturn: 0.02},
		{Symbol: "C", PredictedReturn: -0.01},
	}
	// Requested buckets exceed half the universe; they shrink so long and
	// short never overlap.
	rankAndWeight(signals, 5, 5)

	if signals[0].TargetWeight != 1.0 {
		t.Errorf("top weight = %v", signals[0].TargetWeight)
	}
	if signals[1].TargetWeight != -0.5 || signals[2].TargetWeight != -0.5 {
		t.Errorf("short weights = %v, %v", signals[1].TargetWeight, signals[2].TargetWeight)
	}
}
