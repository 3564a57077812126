package recon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"quantdesk/internal/broker"
	"quantdesk/internal/config"
	"quantdesk/internal/ledger"
	"quantdesk/internal/risk"
	"quantdesk/pkg/types"
)

// fakeBroker serves the three read endpoints a reconciliation cycle hits.
type fakeBroker struct {
	*httptest.Server

	orders     []types.BrokerOrder
	byClientID map[string]types.BrokerOrder
	positions  []types.BrokerPosition
	failList   bool
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	fb := &fakeBroker{byClientID: map[string]types.BrokerOrder{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		if fb.failList {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fb.orders)
	})
	mux.HandleFunc("GET /v2/orders:by_client_order_id", func(w http.ResponseWriter, r *http.Request) {
		bo, ok := fb.byClientID[r.URL.Query().Get("client_order_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bo)
	})
	mux.HandleFunc("GET /v2/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fb.positions)
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

type harness struct {
	eng       *Engine
	led       *ledger.Ledger
	risk      *risk.Store
	fb        *fakeBroker
	cfg       *config.Config
	successes int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	fb := newFakeBroker(t)

	cfg := &config.Config{}
	cfg.Broker.BaseURL = fb.URL
	cfg.Gateway.StartupDeadline = time.Minute
	cfg.Reconciliation.OverlapWindow = time.Hour
	cfg.Reconciliation.GraceWindow = time.Hour
	cfg.Reconciliation.DryRunMaxAge = time.Hour

	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	rs, err := risk.NewStore("redis://"+mr.Addr(), 15*time.Minute, 5*time.Minute, time.Minute, slog.Default())
	if err != nil {
		t.Fatalf("risk store: %v", err)
	}
	t.Cleanup(func() { rs.Close() })

	h := &harness{led: led, risk: rs, fb: fb, cfg: cfg}
	h.eng = New(cfg, led, rs, broker.NewClient(cfg, slog.Default()),
		func() { h.successes++ }, slog.Default())
	return h
}

func insertOrder(t *testing.T, h *harness, id string, status types.OrderStatus) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	o := types.Order{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          types.Buy,
		Qty:           100,
		OrderType:     types.Market,
		TimeInForce:   types.Day,
		Status:        types.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		StatusSource:  types.SourceInternal,
	}
	if err := h.led.InsertPending(ctx, o); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if status == types.StatusPending {
		return
	}
	if _, err := h.led.ApplyTransition(ctx, ledger.Transition{
		ClientOrderID: id, NewStatus: status, Source: types.SourceInternal, BrokerOrderID: "b-" + id,
	}); err != nil {
		t.Fatalf("to %s: %v", status, err)
	}
}

func TestCycleOpensGateAndFiresCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if h.successes != 1 {
		t.Fatalf("success callback fired %d times", h.successes)
	}
	if state, _ := h.risk.GateState(ctx); state != types.GateOpen {
		t.Fatalf("gate = %s, want open", state)
	}
	rs, err := h.led.GetReconState(ctx)
	if err != nil || rs == nil || !rs.LastRunOK {
		t.Fatalf("recon state: %+v, %v", rs, err)
	}
}

func TestCycleRepairsDivergedOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	insertOrder(t, h, "qd-aaaaaaaaaaaaaaaaaaaa", types.StatusSubmitted)
	h.fb.orders = []types.BrokerOrder{{
		ID:             "b-qd-aaaaaaaaaaaaaaaaaaaa",
		ClientOrderID:  "qd-aaaaaaaaaaaaaaaaaaaa",
		Symbol:         "AAPL",
		Qty:            "100",
		FilledQty:      "100",
		FilledAvgPrice: "181.25",
		Status:         "filled",
	}}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, err := h.led.GetOrder(ctx, "qd-aaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != types.StatusFilled || o.FilledQty != 100 {
		t.Fatalf("order not repaired: %+v", o)
	}
	if o.StatusSource != types.SourceReconciliation {
		t.Fatalf("status source = %s", o.StatusSource)
	}
}

func TestOrphanWithOwnSchemeAbsorbed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.fb.orders = []types.BrokerOrder{{
		ID:            "b-lost",
		ClientOrderID: "qd-0123456789abcdef0123",
		Symbol:        "MSFT",
		Side:          "buy",
		Type:          "market",
		TimeInForce:   "day",
		Qty:           "50",
		FilledQty:     "50",
		Status:        "filled",
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, err := h.led.GetOrder(ctx, "qd-0123456789abcdef0123")
	if err != nil {
		t.Fatalf("absorbed orphan missing: %v", err)
	}
	if o.Status != types.StatusFilled || o.FilledQty != 50 || o.BrokerOrderID != "b-lost" {
		t.Fatalf("absorbed row: %+v", o)
	}
	if q, _ := h.risk.Quarantined(ctx, "MSFT"); q {
		t.Fatal("own order should not quarantine its symbol")
	}
}

func TestForeignOrderQuarantinesSymbol(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.fb.orders = []types.BrokerOrder{{
		ID:            "b-foreign",
		ClientOrderID: "manual-trade-42",
		Symbol:        "GME",
		Qty:           "10",
		Status:        "filled",
	}}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if q, _ := h.risk.Quarantined(ctx, "GME"); !q {
		t.Fatal("foreign order should quarantine its symbol")
	}
	if _, err := h.led.GetOrder(ctx, "manual-trade-42"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("foreign order must not get a ledger row: %v", err)
	}
}

func TestStaleSubmittedAgedToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Negative grace window puts the cutoff in the future, so the fresh
	// order is already past grace. The broker has no record of it.
	h.cfg.Reconciliation.GraceWindow = -time.Hour
	insertOrder(t, h, "qd-bbbbbbbbbbbbbbbbbbbb", types.StatusSubmitted)

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, err := h.led.GetOrder(ctx, "qd-bbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != types.StatusError {
		t.Fatalf("stale order status = %s, want error", o.Status)
	}
}

func TestStaleSubmittedStillAtBrokerLeftAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Reconciliation.GraceWindow = -time.Hour
	insertOrder(t, h, "qd-cccccccccccccccccccc", types.StatusSubmitted)
	// Not in the list window, but the broker still knows it by client id.
	h.fb.byClientID["qd-cccccccccccccccccccc"] = types.BrokerOrder{
		ID:            "b-qd-cccccccccccccccccccc",
		ClientOrderID: "qd-cccccccccccccccccccc",
		Status:        "new",
	}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, _ := h.led.GetOrder(ctx, "qd-cccccccccccccccccccc")
	if o.Status != types.StatusSubmitted {
		t.Fatalf("order aged despite broker knowing it: %s", o.Status)
	}
}

func TestStrandedPendingAgedToError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// A pending row with no broker record: the submit call failed in
	// transit and the order never left. Past grace it must not stay open.
	h.cfg.Reconciliation.GraceWindow = -time.Hour
	insertOrder(t, h, "qd-ffffffffffffffffffff", types.StatusPending)

	// A future TWAP slice is pending by design and must be left alone.
	if err := h.led.InsertScheduled(ctx, types.Order{
		ClientOrderID: "qd-tw-01",
		Symbol:        "AAPL",
		Side:          types.Buy,
		Qty:           10,
		OrderType:     types.Market,
		TimeInForce:   types.Day,
		Status:        types.StatusPending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
		StatusSource:  types.SourceInternal,
	}, "qd-tw", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("InsertScheduled: %v", err)
	}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, err := h.led.GetOrder(ctx, "qd-ffffffffffffffffffff")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != types.StatusError {
		t.Fatalf("stranded pending status = %s, want error", o.Status)
	}
	slice, _ := h.led.GetOrder(ctx, "qd-tw-01")
	if slice.Status != types.StatusPending {
		t.Fatalf("future slice status = %s, want pending", slice.Status)
	}
}

func TestPendingReservationSurvivesRebuild(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Within grace: a pending order awaiting resolution still holds its
	// capacity, so the rebuild must reproduce its reservation.
	insertOrder(t, h, "qd-gggggggggggggggggggg", types.StatusPending)

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, _ := h.led.GetOrder(ctx, "qd-gggggggggggggggggggg")
	if o.Status != types.StatusPending {
		t.Fatalf("pending order status = %s", o.Status)
	}
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 100 {
		t.Fatalf("AAPL reservation = %d, want 100", v)
	}
}

func TestDryRunSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Reconciliation.DryRunMaxAge = -time.Hour
	insertOrder(t, h, "qd-dddddddddddddddddddd", types.StatusDryRun)

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	o, _ := h.led.GetOrder(ctx, "qd-dddddddddddddddddddd")
	if o.Status != types.StatusCanceled {
		t.Fatalf("aged dry_run status = %s, want canceled", o.Status)
	}
}

func TestPositionsAndReservationsRebuilt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Stale local state: a position the broker no longer has, and a
	// leftover reservation with no open order behind it.
	if err := h.led.ReplacePositions(ctx, []types.Position{
		{Symbol: "TSLA", Qty: 50, AvgEntryPrice: decimal.RequireFromString("240")},
	}, time.Now().UTC()); err != nil {
		t.Fatalf("seed positions: %v", err)
	}
	if _, err := h.risk.Reserve(ctx, "TSLA", 25); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	// An in-flight order whose remainder must survive as the only
	// reservation. The broker still knows it, so it is not aged.
	insertOrder(t, h, "qd-eeeeeeeeeeeeeeeeeeee", types.StatusSubmitted)
	h.fb.byClientID["qd-eeeeeeeeeeeeeeeeeeee"] = types.BrokerOrder{
		ID: "b-qd-eeeeeeeeeeeeeeeeeeee", ClientOrderID: "qd-eeeeeeeeeeeeeeeeeeee", Status: "new",
	}

	h.fb.positions = []types.BrokerPosition{
		{Symbol: "AAPL", Qty: "40", Side: "long", AvgEntryPrice: "180.00"},
		{Symbol: "NVDA", Qty: "10", Side: "short", AvgEntryPrice: "900.00"},
	}

	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	positions, err := h.led.ListPositions(ctx)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions after rebuild: %+v", positions)
	}
	for _, p := range positions {
		switch p.Symbol {
		case "AAPL":
			if p.Qty != 40 {
				t.Errorf("AAPL qty = %d", p.Qty)
			}
		case "NVDA":
			if p.Qty != -10 {
				t.Errorf("short NVDA qty = %d, want -10", p.Qty)
			}
		default:
			t.Errorf("unexpected position %s", p.Symbol)
		}
	}

	// TSLA's phantom reservation is gone, AAPL's reflects the open order.
	if v, _ := h.risk.Reservation(ctx, "TSLA"); v != 0 {
		t.Fatalf("TSLA reservation = %d, want 0", v)
	}
	if v, _ := h.risk.Reservation(ctx, "AAPL"); v != 100 {
		t.Fatalf("AAPL reservation = %d, want 100", v)
	}
}

func TestCycleFailureClosesGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Establish a high-water mark with one good cycle.
	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	before, _ := h.led.GetReconState(ctx)

	h.fb.failList = true
	if err := h.eng.RunCycle(ctx); err == nil {
		t.Fatal("cycle against broken broker should fail")
	}

	if state, _ := h.risk.GateState(ctx); state != types.GateClosed {
		t.Fatalf("gate after failure = %s, want closed", state)
	}
	after, _ := h.led.GetReconState(ctx)
	if after.LastRunOK {
		t.Fatal("failed run recorded as ok")
	}
	if !after.HighWaterMark.Equal(before.HighWaterMark) {
		t.Fatalf("failure moved the high-water mark: %s vs %s",
			after.HighWaterMark, before.HighWaterMark)
	}

	// Recovery reopens the gate.
	h.fb.failList = false
	if err := h.eng.RunCycle(ctx); err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}
	if state, _ := h.risk.GateState(ctx); state != types.GateOpen {
		t.Fatalf("gate after recovery = %s", state)
	}
}

func TestCycleLockHeld(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if ok, err := h.risk.AcquireReconLock(ctx); err != nil || !ok {
		t.Fatalf("acquire lock: ok=%v err=%v", ok, err)
	}
	if err := h.eng.RunCycle(ctx); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("RunCycle under held lock: %v", err)
	}
}

func TestRunStartupFailsPastDeadline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.cfg.Gateway.StartupDeadline = 0
	h.fb.failList = true
	if err := h.eng.RunStartup(ctx); err == nil {
		t.Fatal("startup against broken broker should fail")
	}
	if state, _ := h.risk.GateState(ctx); state != types.GateClosed {
		t.Fatalf("gate after failed startup = %s, want closed", state)
	}
}
