package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"quantdesk/internal/config"
	"quantdesk/pkg/types"
)

// BarSource supplies daily bar history for feature computation. Satisfied by
// *broker.Client.
type BarSource interface {
	GetBars(ctx context.Context, symbol string, end time.Time, limit int) ([]types.Bar, error)
}

// loadedModel pairs a validated model with its registry row. Swapped
// atomically; in-flight generates keep the pointer they started with, so a
// reload mid-request can never mix two models' outputs in one response.
type loadedModel struct {
	model    *Model
	meta     types.ModelMetadata
	loadedAt time.Time
}

// Engine serves predictions from the currently active model.
type Engine struct {
	cfg      config.SignalConfig
	registry *Registry
	bars     BarSource
	logger   *slog.Logger

	active atomic.Pointer[loadedModel]

	now func() time.Time
}

// NewEngine constructs the engine. Call Reload before serving; until a model
// loads, Generate fails with ErrNoActiveModel semantics.
func NewEngine(cfg config.SignalConfig, registry *Registry, bars BarSource, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		registry: registry,
		bars:     bars,
		logger:   logger.With("component", "signal-engine"),
		now:      time.Now,
	}
}

// Loaded reports whether a model is currently serving.
func (e *Engine) Loaded() bool { return e.active.Load() != nil }

// Info describes the loaded model, or nil when nothing is loaded.
func (e *Engine) Info() *types.ModelInfo {
	lm := e.active.Load()
	if lm == nil {
		return nil
	}
	return &types.ModelInfo{
		Strategy:    lm.meta.StrategyName,
		Version:     lm.meta.Version,
		LoadedAt:    lm.loadedAt,
		ActivatedAt: lm.meta.ActivatedAt,
		Features:    lm.model.Features,
	}
}

// Reload checks the registry for the strategy's active model and hot-swaps
// it in when the version changed. A model that fails validation is marked
// failed in the registry and the previous model keeps serving.
func (e *Engine) Reload(ctx context.Context) error {
	meta, err := e.registry.GetActive(ctx, e.cfg.Strategy)
	if err != nil {
		return err
	}

	cur := e.active.Load()
	if cur != nil && cur.meta.Version == meta.Version && cur.meta.ID == meta.ID {
		return nil
	}

	model, err := LoadModel(meta.ModelPath)
	if err != nil {
		e.logger.Error("model load failed, keeping current model",
			"version", meta.Version, "path", meta.ModelPath, "error", err)
		if merr := e.registry.MarkFailed(ctx, meta.ID); merr != nil {
			e.logger.Error("mark model failed", "error", merr)
		}
		return fmt.Errorf("load model %s: %w", meta.Version, err)
	}

	e.active.Store(&loadedModel{model: model, meta: *meta, loadedAt: e.now().UTC()})
	prev := "none"
	if cur != nil {
		prev = cur.meta.Version
	}
	e.logger.Info("model swapped", "from", prev, "to", meta.Version)
	return nil
}

// RunReloadLoop re-checks the registry on the configured interval. Blocks
// until ctx is cancelled.
func (e *Engine) RunReloadLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.Warn("periodic reload", "error", err)
			}
		}
	}
}

// Generate scores each symbol with the active model, ranks by predicted
// return, and assigns weights: top-N longs +1/n each, bottom-N shorts -1/n
// each, everything between weight zero. Symbols whose features cannot be
// computed are dropped from the response rather than failing the batch.
func (e *Engine) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	lm := e.active.Load()
	if lm == nil {
		return nil, ErrNoActiveModel
	}
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols requested")
	}

	asOf := e.now().UTC()
	if req.AsOfDate != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOfDate)
		if err != nil {
			return nil, fmt.Errorf("as_of_date: %w", err)
		}
		asOf = parsed.Add(24*time.Hour - time.Second) // end of day
	}

	signals := make([]types.Signal, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		bars, err := e.bars.GetBars(ctx, symbol, asOf, e.cfg.BarLookback)
		if err != nil {
			e.logger.Warn("bar fetch failed, dropping symbol", "symbol", symbol, "error", err)
			continue
		}
		features, err := Compute(lm.model.Features, bars)
		if err != nil {
			e.logger.Warn("feature computation failed, dropping symbol", "symbol", symbol, "error", err)
			continue
		}
		signals = append(signals, types.Signal{
			Symbol:          symbol,
			PredictedReturn: lm.model.Predict(features),
		})
	}
	if len(signals) == 0 {
		return nil, fmt.Errorf("no symbol produced a usable feature vector")
	}

	rankAndWeight(signals, e.cfg.TopN, e.cfg.BottomN)

	return &types.GenerateResponse{
		Signals: signals,
		Metadata: types.GenerateMeta{
			Strategy:     lm.meta.StrategyName,
			ModelVersion: lm.meta.Version,
			AsOfDate:     asOf.Format("2006-01-02"),
			GeneratedAt:  e.now().UTC(),
		},
	}, nil
}

// rankAndWeight sorts signals by predicted return (rank 1 = best) and
// assigns bucket weights. Buckets shrink so long and short never overlap:
// each gets at most half the universe.
func rankAndWeight(signals []types.Signal, topN, bottomN int) {
	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].PredictedReturn > signals[j].PredictedReturn
	})

	n := len(signals)
	if topN > n/2 {
		topN = n / 2
	}
	if bottomN > n-topN {
		bottomN = n - topN
	}
	if topN == 0 && n > 0 {
		topN = 1
		if bottomN > n-topN {
			bottomN = n - topN
		}
	}

	for i := range signals {
		signals[i].Rank = i + 1
		signals[i].TargetWeight = 0
	}
	for i := 0; i < topN; i++ {
		signals[i].TargetWeight = 1.0 / float64(topN)
	}
	for i := 0; i < bottomN; i++ {
		signals[n-1-i].TargetWeight = -1.0 / float64(bottomN)
	}
}
