// webhook.go ingests broker order-update deliveries.
//
// Deliveries are authenticated with an HMAC-SHA256 signature over the raw
// body, compared in constant time. Processing is idempotent two ways: fills
// dedupe on (client_order_id, broker_event_id), and status changes go through
// the ledger's forward-only CAS, so replayed or out-of-order deliveries
// cannot move an order backward.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/ledger"
	"quantdesk/pkg/types"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body.
const signatureHeader = "X-Alpaca-Signature"

// VerifySignature checks the webhook HMAC in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProcessOrderEvent applies one broker order event to the ledger. Unknown
// orders are recorded as orphans for reconciliation to classify. Duplicate
// events and stale status changes are acked as no-ops.
func (s *Service) ProcessOrderEvent(ctx context.Context, evt types.BrokerOrderEvent) error {
	log := s.logger.With("event_id", evt.EventID, "event", evt.Event,
		"client_order_id", evt.Order.ClientOrderID)

	order, err := s.ledger.GetOrder(ctx, evt.Order.ClientOrderID)
	if errors.Is(err, ledger.ErrNotFound) {
		// A broker order we have no row for. Park it; the next
		// reconciliation cycle decides absorb vs quarantine.
		payload, _ := json.Marshal(evt.Order)
		log.Warn("webhook for unknown order, recording orphan")
		return s.ledger.RecordOrphan(ctx, evt.Order.ID, evt.Order.ClientOrderID,
			evt.Order.Symbol, string(payload), false)
	}
	if err != nil {
		return err
	}

	switch evt.Event {
	case "fill", "partial_fill":
		return s.applyFillEvent(ctx, order, evt, log)
	default:
		return s.applyStatusEvent(ctx, order, evt, log)
	}
}

func (s *Service) applyFillEvent(ctx context.Context, order *types.Order, evt types.BrokerOrderEvent, log *slog.Logger) error {
	qty, err := parseInt(evt.FillQty)
	if err != nil {
		return err
	}
	price, err := decimal.NewFromString(evt.FillPrice)
	if err != nil {
		return err
	}

	newStatus := types.StatusPartiallyFilled
	if evt.Event == "fill" {
		newStatus = types.StatusFilled
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	updated, err := s.ledger.ApplyFill(ctx, types.Fill{
		ClientOrderID: order.ClientOrderID,
		BrokerEventID: evt.EventID,
		Qty:           qty,
		Price:         price,
		Timestamp:     ts,
	}, newStatus, types.SourceWebhook)
	if errors.Is(err, ledger.ErrDuplicateEvent) {
		log.Info("duplicate fill event, ignoring")
		return nil
	}
	if errors.Is(err, ledger.ErrIllegalTransition) {
		log.Warn("stale fill event, order already past", "status", updated.Status)
		return nil
	}
	if err != nil {
		return err
	}

	// The filled quantity is no longer in flight.
	if rerr := s.risk.Release(ctx, order.Symbol, qty*order.Side.Signed()); rerr != nil {
		log.Error("release filled reservation", "error", rerr)
	}

	s.recordRealizedPnL(ctx, order, qty, price, log)

	log.Info("fill applied", "qty", qty, "price", price.String(),
		"filled_qty", updated.FilledQty, "status", updated.Status)
	return nil
}

// recordRealizedPnL accumulates the realized PnL of a position-closing fill
// into the day's total and trips the circuit breaker when the configured loss
// limit is breached. Fills that open or add to a position realize nothing.
func (s *Service) recordRealizedPnL(ctx context.Context, order *types.Order, qty int64, price decimal.Decimal, log *slog.Logger) {
	pos, err := s.ledger.GetPosition(ctx, order.Symbol)
	if err != nil {
		log.Error("read position for realized pnl", "error", err)
		return
	}
	signed := qty * order.Side.Signed()
	if pos.Qty == 0 || pos.Qty*signed > 0 {
		return
	}

	closed := qty
	if held := abs(pos.Qty); held < closed {
		closed = held
	}
	perShare := price.Sub(pos.AvgEntryPrice)
	if pos.Qty < 0 {
		perShare = perShare.Neg()
	}
	realized, _ := perShare.Mul(decimal.NewFromInt(closed)).Float64()

	total, err := s.risk.AddDailyPnL(ctx, s.TradeDate(), realized)
	if err != nil {
		log.Error("record realized pnl", "error", err)
		return
	}
	log.Info("realized pnl recorded", "realized", realized, "daily_total", total)

	limit := s.cfg.Risk.DailyLossLimit
	if limit > 0 && total <= -limit {
		if terr := s.risk.TripBreaker(ctx,
			fmt.Sprintf("daily realized loss %.2f breached limit %.2f", -total, limit)); terr != nil {
			log.Error("trip breaker on daily loss", "error", terr)
		}
	}
}

func (s *Service) applyStatusEvent(ctx context.Context, order *types.Order, evt types.BrokerOrderEvent, log *slog.Logger) error {
	newStatus := evt.Order.LedgerStatus()
	updated, err := s.ledger.ApplyTransition(ctx, ledger.Transition{
		ClientOrderID: order.ClientOrderID,
		NewStatus:     newStatus,
		Source:        types.SourceWebhook,
		BrokerOrderID: evt.Order.ID,
	})
	if errors.Is(err, ledger.ErrIllegalTransition) {
		log.Info("stale status event, keeping current state", "status", updated.Status)
		return nil
	}
	if err != nil {
		return err
	}

	// A dead order's unfilled remainder frees its reservation.
	if newStatus.Terminal() && newStatus != types.StatusFilled {
		remaining := updated.RemainingQty()
		if remaining > 0 {
			if rerr := s.risk.Release(ctx, order.Symbol, remaining*order.Side.Signed()); rerr != nil {
				log.Error("release reservation on terminal status", "error", rerr)
			}
		}
	}

	log.Info("status applied", "status", updated.Status)
	return nil
}

func parseInt(s string) (int64, error) {
	var n int64
	if err := json.Unmarshal([]byte(s), &n); err != nil {
		// Fills can arrive with fractional strings for whole-share
		// quantities ("3.0"); parse via decimal as a fallback.
		d, derr := decimal.NewFromString(s)
		if derr != nil {
			return 0, err
		}
		n = d.IntPart()
	}
	return n, nil
}
