// Package recon implements broker↔ledger reconciliation.
//
// Each cycle re-reads every broker order updated since the high-water mark
// (minus an overlap window, so nothing slips between cycles), repairs the
// ledger toward broker truth, classifies orphans, ages out stale local
// orders, replaces the position snapshot, and sweeps aged dry-run orders.
// Cycles are serialized across processes with a SET NX PX lock in the risk
// store.
//
// Broker truth wins every conflict. The only writes that outrank
// reconciliation are webhook-sourced ones, which carry the same truth with
// lower latency.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/gateway"
	"quantdesk/internal/ledger"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

// ErrLockHeld means another process is already running a cycle.
var ErrLockHeld = errors.New("recon: cycle already running")

// Engine runs reconciliation cycles against the broker.
type Engine struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	risk   *risk.Store
	broker *broker.Client
	logger *slog.Logger

	// onSuccess fires after every successful cycle; the gateway hooks its
	// startup gate here.
	onSuccess func()

	now func() time.Time
}

// New constructs the reconciliation engine.
func New(cfg *config.Config, l *ledger.Ledger, r *risk.Store, b *broker.Client, onSuccess func(), logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		ledger:    l,
		risk:      r,
		broker:    b,
		onSuccess: onSuccess,
		logger:    logger.With("component", "recon"),
		now:       time.Now,
	}
}

// RunStartup blocks until the first successful cycle or the deadline. The
// gateway must not accept orders before this returns nil.
func (e *Engine) RunStartup(ctx context.Context) error {
	deadline := e.now().Add(e.cfg.Gateway.StartupDeadline)
	for {
		err := e.RunCycle(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLockHeld) {
			e.logger.Info("startup reconciliation waiting on lock")
		} else {
			e.logger.Error("startup reconciliation failed, retrying", "error", err)
		}
		if e.now().After(deadline) {
			return fmt.Errorf("startup reconciliation did not complete within %s: %w",
				e.cfg.Gateway.StartupDeadline, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// RunCycle executes one full reconciliation pass. Safe to call from the cron
// tick and the operator endpoint concurrently; the distributed lock
// serializes them.
func (e *Engine) RunCycle(ctx context.Context) error {
	ok, err := e.risk.AcquireReconLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	defer func() {
		if err := e.risk.ReleaseReconLock(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("release recon lock", "error", err)
		}
	}()

	start := e.now().UTC()
	log := e.logger.With("cycle_start", start.Format(time.RFC3339))

	since := e.windowStart(ctx)
	brokerOrders, err := e.broker.ListOrders(ctx, since)
	if err != nil {
		e.failCycle(ctx, start, log, err)
		return fmt.Errorf("list broker orders: %w", err)
	}

	var discrepancies int64
	for _, bo := range brokerOrders {
		fixed, err := e.reconcileOrder(ctx, bo, log)
		if err != nil {
			e.failCycle(ctx, start, log, err)
			return err
		}
		if fixed {
			discrepancies++
		}
	}

	aged, err := e.ageStaleOrders(ctx, log)
	if err != nil {
		e.failCycle(ctx, start, log, err)
		return err
	}
	discrepancies += aged

	swept, err := e.sweepDryRuns(ctx, log)
	if err != nil {
		e.failCycle(ctx, start, log, err)
		return err
	}
	discrepancies += swept

	if err := e.reconcilePositions(ctx, start, log); err != nil {
		e.failCycle(ctx, start, log, err)
		return err
	}

	state := ledger.ReconState{
		HighWaterMark:      start,
		LastRunAt:          start,
		LastRunOK:          true,
		OrdersChecked:      int64(len(brokerOrders)),
		DiscrepanciesFound: discrepancies,
	}
	if err := e.ledger.SaveReconState(ctx, state); err != nil {
		return err
	}
	if err := e.risk.SetGateState(ctx, types.GateOpen); err != nil {
		return err
	}
	if e.onSuccess != nil {
		e.onSuccess()
	}

	log.Info("reconciliation cycle complete",
		"orders_checked", len(brokerOrders),
		"discrepancies", discrepancies,
		"duration", e.now().Sub(start).Round(time.Millisecond))
	return nil
}

// failCycle records a failed run and shuts the gate: until a cycle succeeds
// again, only the kill of new orders is a safe default.
func (e *Engine) failCycle(ctx context.Context, start time.Time, log *slog.Logger, cause error) {
	log.Error("reconciliation cycle failed", "error", cause)
	ctx = context.WithoutCancel(ctx)
	if err := e.risk.SetGateState(ctx, types.GateClosed); err != nil {
		log.Error("close reconciliation gate", "error", err)
	}
	prev, _ := e.ledger.GetReconState(ctx)
	state := ledger.ReconState{LastRunAt: start, LastRunOK: false}
	if prev != nil {
		state.HighWaterMark = prev.HighWaterMark
	}
	if err := e.ledger.SaveReconState(ctx, state); err != nil {
		log.Error("save recon state", "error", err)
	}
}

// windowStart is the HWM minus the overlap window, or the epoch-ish default
// on first run.
func (e *Engine) windowStart(ctx context.Context) time.Time {
	state, err := e.ledger.GetReconState(ctx)
	if err != nil || state == nil || state.HighWaterMark.IsZero() {
		return e.now().Add(-7 * 24 * time.Hour)
	}
	return state.HighWaterMark.Add(-e.cfg.Reconciliation.OverlapWindow)
}

// reconcileOrder pulls one broker order toward the ledger. Returns true when
// it changed anything.
func (e *Engine) reconcileOrder(ctx context.Context, bo types.BrokerOrder, log *slog.Logger) (bool, error) {
	cur, err := e.ledger.GetOrder(ctx, bo.ClientOrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		return true, e.handleOrphan(ctx, bo, log)
	}
	if err != nil {
		return false, err
	}

	target := bo.LedgerStatus()
	filled, _ := parseQty(bo.FilledQty)
	if cur.Status == target && cur.FilledQty == filled && cur.BrokerOrderID == bo.ID {
		return false, nil
	}

	tr := ledger.Transition{
		ClientOrderID: bo.ClientOrderID,
		NewStatus:     target,
		Source:        types.SourceReconciliation,
		BrokerOrderID: bo.ID,
		FilledQty:     filled,
	}
	if bo.FilledAvgPrice != "" {
		if avg, err := decimal.NewFromString(bo.FilledAvgPrice); err == nil {
			tr.AvgFillPrice = &avg
		}
	}
	updated, err := e.ledger.ApplyTransition(ctx, tr)
	if errors.Is(err, ledger.ErrIllegalTransition) {
		// A webhook already moved the row at least as far as broker truth.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Reservations are rebuilt wholesale in reconcilePositions, so no
	// per-order release is needed here.

	log.Info("order reconciled",
		"client_order_id", bo.ClientOrderID, "status", updated.Status, "filled_qty", updated.FilledQty)
	return true, nil
}

// handleOrphan classifies a broker order with no ledger row. Orders carrying
// our id scheme are absorbed: the ledger row is rebuilt from broker truth.
// Foreign orders quarantine their symbol until an operator investigates.
func (e *Engine) handleOrphan(ctx context.Context, bo types.BrokerOrder, log *slog.Logger) error {
	payload, _ := json.Marshal(bo)

	if gateway.MatchesScheme(bo.ClientOrderID) {
		qty, err := parseQty(bo.Qty)
		if err != nil {
			return fmt.Errorf("orphan qty: %w", err)
		}
		filled, _ := parseQty(bo.FilledQty)

		order := types.Order{
			ClientOrderID: bo.ClientOrderID,
			BrokerOrderID: bo.ID,
			Symbol:        bo.Symbol,
			Side:          types.Side(bo.Side),
			Qty:           qty,
			OrderType:     types.OrderType(bo.Type),
			TimeInForce:   types.TimeInForce(bo.TimeInForce),
			Status:        types.StatusPending,
			CreatedAt:     bo.CreatedAt,
			UpdatedAt:     e.now().UTC(),
			StatusSource:  types.SourceReconciliation,
		}
		if bo.LimitPrice != "" {
			if lp, err := decimal.NewFromString(bo.LimitPrice); err == nil {
				order.LimitPrice = &lp
			}
		}
		if err := e.ledger.InsertPending(ctx, order); err != nil && !errors.Is(err, ledger.ErrDuplicateOrder) {
			return err
		}
		tr := ledger.Transition{
			ClientOrderID: bo.ClientOrderID,
			NewStatus:     bo.LedgerStatus(),
			Source:        types.SourceReconciliation,
			BrokerOrderID: bo.ID,
			FilledQty:     filled,
		}
		if bo.FilledAvgPrice != "" {
			if avg, err := decimal.NewFromString(bo.FilledAvgPrice); err == nil {
				tr.AvgFillPrice = &avg
			}
		}
		if _, err := e.ledger.ApplyTransition(ctx, tr); err != nil && !errors.Is(err, ledger.ErrIllegalTransition) {
			return err
		}

		log.Warn("orphan absorbed", "client_order_id", bo.ClientOrderID, "symbol", bo.Symbol)
		return e.ledger.RecordOrphan(ctx, bo.ID, bo.ClientOrderID, bo.Symbol, string(payload), true)
	}

	log.Error("foreign order at broker, quarantining symbol",
		"broker_order_id", bo.ID, "client_order_id", bo.ClientOrderID, "symbol", bo.Symbol)
	if err := e.risk.SetQuarantine(ctx, bo.Symbol, true); err != nil {
		return err
	}
	return e.ledger.RecordOrphan(ctx, bo.ID, bo.ClientOrderID, bo.Symbol, string(payload), false)
}

// ageStaleOrders advances orders the broker no longer knows about to error,
// once they are older than the grace window. This covers submitted orders
// that vanished at the broker and pending rows stranded by a failed submit.
func (e *Engine) ageStaleOrders(ctx context.Context, log *slog.Logger) (int64, error) {
	cutoff := e.now().Add(-e.cfg.Reconciliation.GraceWindow)
	stale, err := e.ledger.ListStaleOpen(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var aged int64
	for _, o := range stale {
		_, err := e.broker.GetOrderByClientID(ctx, o.ClientOrderID)
		if err == nil {
			continue // broker has it; the window scan handles it
		}
		if !errors.Is(err, broker.ErrOrderNotFound) {
			return aged, fmt.Errorf("verify stale order %s: %w", o.ClientOrderID, err)
		}

		if _, err := e.ledger.ApplyTransition(ctx, ledger.Transition{
			ClientOrderID: o.ClientOrderID,
			NewStatus:     types.StatusError,
			Source:        types.SourceReconciliation,
		}); err != nil && !errors.Is(err, ledger.ErrIllegalTransition) {
			return aged, err
		}
		log.Warn("stale order aged to error", "client_order_id", o.ClientOrderID,
			"age", e.now().Sub(o.UpdatedAt).Round(time.Second))
		aged++
	}
	return aged, nil
}

// sweepDryRuns cancels dry_run orders past the configured age so paper
// orders do not accumulate forever.
func (e *Engine) sweepDryRuns(ctx context.Context, log *slog.Logger) (int64, error) {
	cutoff := e.now().Add(-e.cfg.Reconciliation.DryRunMaxAge)
	aged, err := e.ledger.ListAgedDryRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var swept int64
	for _, o := range aged {
		if _, err := e.ledger.ApplyTransition(ctx, ledger.Transition{
			ClientOrderID: o.ClientOrderID,
			NewStatus:     types.StatusCanceled,
			Source:        types.SourceReconciliation,
		}); err != nil && !errors.Is(err, ledger.ErrIllegalTransition) {
			return swept, err
		}
		if err := e.risk.Release(ctx, o.Symbol, o.RemainingQty()*o.Side.Signed()); err != nil {
			log.Error("release dry-run reservation", "symbol", o.Symbol, "error", err)
		}
		swept++
	}
	if swept > 0 {
		log.Info("dry-run orders swept", "count", swept)
	}
	return swept, nil
}

// reconcilePositions replaces the ledger snapshot with broker truth and
// clears reservations for every reconciled symbol: whatever was in flight is
// now reflected in the positions themselves.
func (e *Engine) reconcilePositions(ctx context.Context, at time.Time, log *slog.Logger) error {
	brokerPositions, err := e.broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}

	positions := make([]types.Position, 0, len(brokerPositions))
	for _, bp := range brokerPositions {
		qty, err := parseQty(bp.Qty)
		if err != nil {
			return fmt.Errorf("position qty %s: %w", bp.Symbol, err)
		}
		if bp.Side == "short" && qty > 0 {
			qty = -qty
		}
		avg, err := decimal.NewFromString(bp.AvgEntryPrice)
		if err != nil {
			return fmt.Errorf("position avg price %s: %w", bp.Symbol, err)
		}
		positions = append(positions, types.Position{
			Symbol:        bp.Symbol,
			Qty:           qty,
			AvgEntryPrice: avg,
		})
	}

	// Collect symbols before replacement so stale rows get cleared too.
	old, err := e.ledger.ListPositions(ctx)
	if err != nil {
		return err
	}
	symbols := map[string]bool{}
	for _, p := range old {
		symbols[p.Symbol] = true
	}
	for _, p := range positions {
		symbols[p.Symbol] = true
	}

	if err := e.ledger.ReplacePositions(ctx, positions, at); err != nil {
		return err
	}

	open, err := e.ledger.ListInFlightOrders(ctx)
	if err != nil {
		return err
	}
	inFlight := map[string]int64{}
	for _, o := range open {
		inFlight[o.Symbol] += o.RemainingQty() * o.Side.Signed()
	}

	// Rebuild each reservation to exactly the surviving in-flight quantity.
	for symbol := range symbols {
		if err := e.risk.ClearReservation(ctx, symbol); err != nil {
			return err
		}
		if q := inFlight[symbol]; q != 0 {
			if _, err := e.risk.Reserve(ctx, symbol, q); err != nil {
				return err
			}
		}
	}

	log.Info("positions reconciled", "count", len(positions))
	return nil
}

func parseQty(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.IntPart(), nil
}
