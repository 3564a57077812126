// twap.go implements TWAP parent order slicing and the background dispatcher
// that feeds due slices into the submit pipeline.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quantdesk/internal/ledger"
	"quantdesk/pkg/types"
)

// PlanSlices validates a TWAP plan, derives the deterministic child ids, and
// persists every slice as a pending order with its scheduled dispatch time.
// Replanning the same parent returns the existing children unchanged.
func (s *Service) PlanSlices(ctx context.Context, plan types.TwapPlan) (*types.TwapAck, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	parentID := plan.ParentClientOrderID
	if parentID == "" {
		parentID = ClientOrderID(types.OrderRequest{
			Symbol: plan.Symbol,
			Side:   plan.Side,
			Qty:    plan.TotalQty,
		}, s.TradeDate())
	}

	// Idempotent replan: children already exist, return them.
	existing, err := s.ledger.ListSlices(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		ids := make([]string, len(existing))
		for i, o := range existing {
			ids[i] = o.ClientOrderID
		}
		return &types.TwapAck{ParentClientOrderID: parentID, Slices: ids}, nil
	}

	qtys := splitQty(plan.TotalQty, plan.NumSlices)
	interval := plan.EndTime.Sub(plan.StartTime) / time.Duration(plan.NumSlices)
	now := s.now().UTC()

	ids := make([]string, plan.NumSlices)
	for i := 0; i < plan.NumSlices; i++ {
		childID := SliceClientOrderID(parentID, i+1)
		scheduledAt := plan.StartTime.Add(time.Duration(i) * interval)
		child := types.Order{
			ClientOrderID: childID,
			Symbol:        plan.Symbol,
			Side:          plan.Side,
			Qty:           qtys[i],
			OrderType:     types.Market,
			TimeInForce:   types.Day,
			Status:        types.StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
			StatusSource:  types.SourceInternal,
		}
		if err := s.ledger.InsertScheduled(ctx, child, parentID, scheduledAt); err != nil {
			if errors.Is(err, ledger.ErrDuplicateOrder) {
				ids[i] = childID
				continue
			}
			return nil, err
		}
		ids[i] = childID
	}

	s.logger.Info("twap plan accepted",
		"parent", parentID, "symbol", plan.Symbol, "total_qty", plan.TotalQty,
		"slices", plan.NumSlices)
	return &types.TwapAck{ParentClientOrderID: parentID, Slices: ids}, nil
}

// splitQty divides total into n near-equal parts, remainder on the last
// slice. The split is deterministic: same inputs, same children.
func splitQty(total int64, n int) []int64 {
	base := total / int64(n)
	qtys := make([]int64, n)
	for i := range qtys {
		qtys[i] = base
	}
	qtys[n-1] += total - base*int64(n)
	return qtys
}

// RunSliceDispatcher polls for due slices and pushes each through the same
// gate chain as a direct submit. A slice rejected by a gate stays pending and
// is retried next tick; gates that reject it permanently (fat finger) move it
// to rejected. Blocks until ctx is cancelled.
func (s *Service) RunSliceDispatcher(ctx context.Context, poll time.Duration) {
	log := s.logger.With("component", "twap_dispatcher")
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDueSlices(ctx, log)
		}
	}
}

func (s *Service) dispatchDueSlices(ctx context.Context, log *slog.Logger) {
	due, err := s.ledger.ListDueSlices(ctx, s.now())
	if err != nil {
		log.Error("list due slices", "error", err)
		return
	}

	for _, slice := range due {
		if err := s.dispatchSlice(ctx, slice, log); err != nil {
			log.Error("dispatch slice", "client_order_id", slice.ClientOrderID, "error", err)
		}
	}
}

func (s *Service) dispatchSlice(ctx context.Context, slice types.Order, log *slog.Logger) error {
	if !s.startupComplete.Load() {
		return nil // retry next tick
	}
	req := types.OrderRequest{
		Symbol:    slice.Symbol,
		Side:      slice.Side,
		Qty:       slice.Qty,
		OrderType: slice.OrderType,
	}
	if err := s.checkRiskGates(ctx, req); err != nil {
		var gerr *GateError
		if errors.As(err, &gerr) && gerr.Code == types.CodeQuarantine {
			// Quarantine kills the slice rather than letting it pile up.
			_, terr := s.ledger.ApplyTransition(ctx, ledger.Transition{
				ClientOrderID: slice.ClientOrderID,
				NewStatus:     types.StatusCanceled,
				Source:        types.SourceInternal,
			})
			return terr
		}
		return nil // transient gate, retry next tick
	}

	signedQty := slice.Qty * slice.Side.Signed()
	release, err := s.reserveWithinLimit(ctx, slice.Symbol, signedQty)
	if err != nil {
		return nil // limit or store trouble, retry next tick
	}

	_, err = s.dispatch(ctx, slice, release, log.With("client_order_id", slice.ClientOrderID))
	return err
}

func validatePlan(plan types.TwapPlan) error {
	switch {
	case plan.Symbol == "":
		return reject(types.CodeValidation, "symbol is required")
	case !plan.Side.Valid():
		return reject(types.CodeValidation, "side must be buy or sell")
	case plan.TotalQty <= 0:
		return reject(types.CodeValidation, "total_qty must be positive")
	case plan.NumSlices <= 0:
		return reject(types.CodeValidation, "num_slices must be positive")
	case int64(plan.NumSlices) > plan.TotalQty:
		return reject(types.CodeValidation, "num_slices exceeds total_qty")
	case !plan.EndTime.After(plan.StartTime):
		return reject(types.CodeValidation, "end_time must be after start_time")
	}
	return nil
}
