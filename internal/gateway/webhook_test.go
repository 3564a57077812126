package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"fill"}`)
	good := sign("topsecret", body)

	if !VerifySignature("topsecret", body, good) {
		t.Fatal("valid signature rejected")
	}
	if VerifySignature("topsecret", body, sign("wrong", body)) {
		t.Fatal("signature from wrong secret accepted")
	}
	if VerifySignature("topsecret", []byte(`tampered`), good) {
		t.Fatal("tampered body accepted")
	}
	if VerifySignature("", body, good) {
		t.Fatal("empty secret accepted")
	}
	if VerifySignature("topsecret", body, "") {
		t.Fatal("empty signature accepted")
	}
}

func submitLiveOrder(t *testing.T, h *harness) *types.OrderAck {
	t.Helper()
	ack, err := h.svc.SubmitOrder(context.Background(), marketBuy("AAPL", 100))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return ack
}

func fillEvent(ack *types.OrderAck, eventID, event, qty, price string) types.BrokerOrderEvent {
	return types.BrokerOrderEvent{
		EventID:   eventID,
		Event:     event,
		Timestamp: time.Now().UTC(),
		Order: types.BrokerOrder{
			ID:            ack.BrokerOrderID,
			ClientOrderID: ack.ClientOrderID,
			Symbol:        "AAPL",
			Status:        event,
		},
		FillQty:   qty,
		FillPrice: price,
	}
}

func TestWebhookPartialThenFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	ack := submitLiveOrder(t, h)

	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-1", "partial_fill", "40", "10.00")); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	order, _, err := h.svc.GetOrder(ctx, ack.ClientOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != types.StatusPartiallyFilled || order.FilledQty != 40 {
		t.Fatalf("after partial: %+v", order)
	}
	// 40 shares settled, 60 still in flight.
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 60 {
		t.Fatalf("reservation = %d, want 60", v)
	}

	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-2", "fill", "60", "10.50")); err != nil {
		t.Fatalf("full fill: %v", err)
	}
	order, fills, err := h.svc.GetOrder(ctx, ack.ClientOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != types.StatusFilled || order.FilledQty != 100 || len(fills) != 2 {
		t.Fatalf("after full fill: %+v fills=%d", order, len(fills))
	}
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 0 {
		t.Fatalf("reservation = %d, want 0", v)
	}
}

func TestWebhookDuplicateDeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	ack := submitLiveOrder(t, h)

	evt := fillEvent(ack, "evt-dup", "partial_fill", "40", "10.00")
	if err := h.svc.ProcessOrderEvent(ctx, evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.svc.ProcessOrderEvent(ctx, evt); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	order, fills, _ := h.svc.GetOrder(ctx, ack.ClientOrderID)
	if order.FilledQty != 40 || len(fills) != 1 {
		t.Fatalf("redelivery double-counted: filled=%d fills=%d", order.FilledQty, len(fills))
	}
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 60 {
		t.Fatalf("reservation = %d, want 60", v)
	}
}

func TestWebhookCancelReleasesRemainder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	ack := submitLiveOrder(t, h)

	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-1", "partial_fill", "30", "10.00")); err != nil {
		t.Fatalf("partial fill: %v", err)
	}

	cancel := types.BrokerOrderEvent{
		EventID: "evt-c",
		Event:   "canceled",
		Order: types.BrokerOrder{
			ID:            ack.BrokerOrderID,
			ClientOrderID: ack.ClientOrderID,
			Symbol:        "AAPL",
			Status:        "canceled",
		},
	}
	if err := h.svc.ProcessOrderEvent(ctx, cancel); err != nil {
		t.Fatalf("cancel event: %v", err)
	}

	order, _, _ := h.svc.GetOrder(ctx, ack.ClientOrderID)
	if order.Status != types.StatusCanceled || order.FilledQty != 30 {
		t.Fatalf("after cancel: %+v", order)
	}
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 0 {
		t.Fatalf("reservation = %d, want 0", v)
	}
}

func TestWebhookStaleStatusIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	ack := submitLiveOrder(t, h)

	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-1", "fill", "100", "10.00")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// A late "new" status must not regress the filled order.
	late := types.BrokerOrderEvent{
		EventID: "evt-late",
		Event:   "new",
		Order: types.BrokerOrder{
			ID:            ack.BrokerOrderID,
			ClientOrderID: ack.ClientOrderID,
			Symbol:        "AAPL",
			Status:        "new",
		},
	}
	if err := h.svc.ProcessOrderEvent(ctx, late); err != nil {
		t.Fatalf("late event: %v", err)
	}
	order, _, _ := h.svc.GetOrder(ctx, ack.ClientOrderID)
	if order.Status != types.StatusFilled {
		t.Fatalf("order regressed to %s", order.Status)
	}
}

func TestDailyLossTripsBreaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()

	h.cfg.Risk.DailyLossLimit = 500
	if err := h.led.ReplacePositions(ctx, []types.Position{
		{Symbol: "AAPL", Qty: 100, AvgEntryPrice: decimal.RequireFromString("100")},
	}, time.Now()); err != nil {
		t.Fatalf("ReplacePositions: %v", err)
	}

	ack, err := h.svc.SubmitOrder(ctx, types.OrderRequest{
		Symbol: "AAPL", Side: types.Sell, Qty: 100, OrderType: types.Market,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Sold 100 @ 90 against a 100-average entry: 1000 realized loss, past
	// the 500 limit.
	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-loss", "fill", "100", "90.00")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	total, err := h.risk.DailyPnL(ctx, h.svc.TradeDate())
	if err != nil {
		t.Fatalf("DailyPnL: %v", err)
	}
	if total != -1000 {
		t.Fatalf("daily pnl = %v, want -1000", total)
	}
	state, err := h.risk.BreakerState(ctx)
	if err != nil {
		t.Fatalf("BreakerState: %v", err)
	}
	if state != types.BreakerTripped {
		t.Fatalf("breaker = %s, want tripped", state)
	}
}

func TestOpeningFillRealizesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()

	h.cfg.Risk.DailyLossLimit = 500
	ack := submitLiveOrder(t, h)
	if err := h.svc.ProcessOrderEvent(ctx, fillEvent(ack, "evt-open", "fill", "100", "10.00")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	if total, _ := h.risk.DailyPnL(ctx, h.svc.TradeDate()); total != 0 {
		t.Fatalf("daily pnl = %v, want 0", total)
	}
	if state, _ := h.risk.BreakerState(ctx); state != types.BreakerOpen {
		t.Fatalf("breaker = %s, want open", state)
	}
}

func TestWebhookUnknownOrderRecordsOrphan(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()

	evt := types.BrokerOrderEvent{
		EventID: "evt-x",
		Event:   "fill",
		Order: types.BrokerOrder{
			ID:            "b-mystery",
			ClientOrderID: "manual-trade-1",
			Symbol:        "NVDA",
			Status:        "filled",
		},
	}
	if err := h.svc.ProcessOrderEvent(ctx, evt); err != nil {
		t.Fatalf("unknown order event: %v", err)
	}
	// No ledger row is created; classification happens at reconciliation.
	if _, _, err := h.svc.GetOrder(ctx, "manual-trade-1"); err == nil {
		t.Fatal("orphan should not create a ledger order")
	}
}
