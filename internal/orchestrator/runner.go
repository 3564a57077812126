package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/config"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

// Skip reasons recorded per signal that never became an order.
const (
	SkipZeroQty        = "zero_qty"
	SkipNoPrice        = "no_price"
	SkipQuarantined    = "quarantined"
	SkipBreakerTripped = "circuit_breaker_tripped"
	SkipGatewayReject  = "gateway_rejected"
)

// Runner executes orchestration runs: signals in, orders out, one run record
// per invocation.
type Runner struct {
	cfg     config.OrchestratorConfig
	signals *SignalClient
	gateway *GatewayClient
	risk    *risk.Store
	store   *RunStore
	logger  *slog.Logger

	now func() time.Time
}

// NewRunner constructs the runner.
func NewRunner(cfg config.OrchestratorConfig, sc *SignalClient, gc *GatewayClient, r *risk.Store, store *RunStore, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		signals: sc,
		gateway: gc,
		risk:    r,
		store:   store,
		logger:  logger.With("component", "runner"),
		now:     time.Now,
	}
}

// Run executes one orchestration pass:
//
//  1. fetch signals for the requested universe
//  2. mark each symbol from the shared price cache
//  3. size target weights into whole-share orders
//  4. submit sequentially with bounded retry on transient gateway failures
//
// One order's rejection never aborts the batch; a tripped circuit breaker
// does, because every remaining submit would bounce off the same gate. The
// run record is persisted whatever the outcome.
func (r *Runner) Run(ctx context.Context, req types.RunRequest) (*types.RunResult, error) {
	if err := validateRun(req); err != nil {
		return nil, err
	}

	started := r.now().UTC()
	result := &types.RunResult{
		RunID:     uuid.NewString(),
		StartedAt: started,
	}
	log := r.logger.With("run_id", result.RunID)

	sigResp, err := r.signals.Generate(ctx, types.GenerateRequest{
		Symbols:  req.Symbols,
		Strategy: req.Strategy,
		AsOfDate: req.AsOfDate,
	})
	if err != nil {
		result.Status = types.RunFailed
		result.DurationSeconds = r.now().Sub(started).Seconds()
		if serr := r.store.Save(ctx, *result); serr != nil {
			log.Error("save failed run", "error", serr)
		}
		return result, fmt.Errorf("signal generation: %w", err)
	}
	result.NumSignals = len(sigResp.Signals)
	log.Info("signals received", "count", result.NumSignals, "model", sigResp.Metadata.ModelVersion)

	breakerTripped := false
	for _, sig := range sigResp.Signals {
		mapping := r.mapSignal(ctx, sig, req, &breakerTripped, log)
		result.Mappings = append(result.Mappings, mapping)

		switch {
		case mapping.SkipReason != "":
			result.NumSkipped++
			if mapping.SkipReason == SkipGatewayReject {
				result.NumOrdersSubmitted++
				result.NumOrdersRejected++
			}
		case mapping.ClientOrderID != "":
			result.NumOrdersSubmitted++
			result.NumOrdersAccepted++
		}
	}

	switch {
	case result.NumOrdersSubmitted == 0 && result.NumSkipped == result.NumSignals && breakerTripped:
		result.Status = types.RunFailed
	case result.NumOrdersRejected == 0 && !breakerTripped:
		result.Status = types.RunCompleted
	case result.NumOrdersAccepted > 0:
		result.Status = types.RunPartial
	default:
		result.Status = types.RunFailed
	}

	result.DurationSeconds = r.now().Sub(started).Seconds()
	if err := r.store.Save(ctx, *result); err != nil {
		log.Error("save run", "error", err)
	}
	log.Info("run finished", "status", result.Status,
		"accepted", result.NumOrdersAccepted, "rejected", result.NumOrdersRejected,
		"skipped", result.NumSkipped)
	return result, nil
}

// mapSignal sizes and submits one signal. Never returns an error: every
// outcome is a mapping, and the batch carries on.
func (r *Runner) mapSignal(ctx context.Context, sig types.Signal, req types.RunRequest, breakerTripped *bool, log *slog.Logger) types.OrderMapping {
	mapping := types.OrderMapping{Symbol: sig.Symbol}

	if *breakerTripped {
		mapping.SkipReason = SkipBreakerTripped
		return mapping
	}
	if sig.TargetWeight == 0 {
		mapping.SkipReason = SkipZeroQty
		return mapping
	}

	quote, err := r.risk.GetQuote(ctx, sig.Symbol)
	if err != nil || quote == nil {
		mapping.SkipReason = SkipNoPrice
		return mapping
	}
	price := quote.Price

	qty, side := SizeOrder(sig, req.Capital, req.MaxPositionSize, &price)
	if qty == 0 {
		mapping.SkipReason = SkipZeroQty
		return mapping
	}
	mapping.OrderQty = qty
	mapping.OrderPrice = price
	mapping.Side = side

	res, err := r.submitWithRetry(ctx, types.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        qty,
		OrderType:  types.Market,
		StrategyID: req.Strategy,
	})
	if err != nil {
		log.Error("gateway unreachable for order", "symbol", sig.Symbol, "error", err)
		mapping.SkipReason = SkipGatewayReject
		return mapping
	}
	if res.Rejected != nil {
		switch res.Rejected.Code {
		case types.CodeBreakerTripped, types.CodeKillSwitch:
			// Every later submit hits the same wall; stop trying.
			*breakerTripped = true
			mapping.SkipReason = SkipBreakerTripped
		case types.CodeQuarantine:
			mapping.SkipReason = SkipQuarantined
		default:
			mapping.SkipReason = SkipGatewayReject
		}
		log.Warn("order not placed", "symbol", sig.Symbol, "code", res.Rejected.Code)
		return mapping
	}

	mapping.ClientOrderID = res.Ack.ClientOrderID
	log.Info("order placed", "symbol", sig.Symbol, "side", side, "qty", qty,
		"client_order_id", res.Ack.ClientOrderID, "status", res.Ack.Status)
	return mapping
}

// submitWithRetry retries transport-level failures with jittered backoff.
// The deterministic client order id makes retries free of duplicate risk.
func (r *Runner) submitWithRetry(ctx context.Context, req types.OrderRequest) (*SubmitResult, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.SubmitBackoff * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		res, err := r.gateway.SubmitOrder(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func validateRun(req types.RunRequest) error {
	switch {
	case len(req.Symbols) == 0:
		return fmt.Errorf("symbols are required")
	case !req.Capital.IsPositive():
		return fmt.Errorf("capital must be positive")
	case req.MaxPositionSize.IsNegative():
		return fmt.Errorf("max_position_size must not be negative")
	}
	return nil
}
