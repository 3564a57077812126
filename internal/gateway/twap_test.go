package gateway

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"quantdesk/pkg/types"
)

func TestSplitQty(t *testing.T) {
	t.Parallel()

	cases := []struct {
		total int64
		n     int
		want  []int64
	}{
		{100, 4, []int64{25, 25, 25, 25}},
		{103, 4, []int64{25, 25, 25, 28}},
		{7, 3, []int64{2, 2, 3}},
		{5, 5, []int64{1, 1, 1, 1, 1}},
		{1, 1, []int64{1}},
	}
	for _, tc := range cases {
		got := splitQty(tc.total, tc.n)
		var sum int64
		for i, q := range got {
			sum += q
			if q != tc.want[i] {
				t.Errorf("splitQty(%d, %d) = %v, want %v", tc.total, tc.n, got, tc.want)
				break
			}
		}
		if sum != tc.total {
			t.Errorf("splitQty(%d, %d) sums to %d", tc.total, tc.n, sum)
		}
	}
}

func testPlan(total int64, n int) types.TwapPlan {
	start := time.Now().UTC().Add(time.Hour)
	return types.TwapPlan{
		Symbol:    "AAPL",
		Side:      types.Buy,
		TotalQty:  total,
		NumSlices: n,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}
}

func TestPlanSlicesDeterministicAndIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	first, err := h.svc.PlanSlices(ctx, testPlan(1000, 4))
	if err != nil {
		t.Fatalf("PlanSlices: %v", err)
	}
	if len(first.Slices) != 4 {
		t.Fatalf("slices = %v", first.Slices)
	}
	for i, id := range first.Slices {
		if want := SliceClientOrderID(first.ParentClientOrderID, i+1); id != want {
			t.Errorf("slice %d id = %s, want %s", i, id, want)
		}
	}

	// Replanning the same parent returns the same children, no new rows.
	second, err := h.svc.PlanSlices(ctx, testPlan(1000, 4))
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if second.ParentClientOrderID != first.ParentClientOrderID {
		t.Fatalf("parent changed on replan: %s vs %s",
			second.ParentClientOrderID, first.ParentClientOrderID)
	}
	all, err := h.led.ListSlices(ctx, first.ParentClientOrderID)
	if err != nil {
		t.Fatalf("ListSlices: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("replan created extra rows: %d", len(all))
	}
}

func TestPlanSlicesValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	bad := []func(*types.TwapPlan){
		func(p *types.TwapPlan) { p.Symbol = "" },
		func(p *types.TwapPlan) { p.Side = "hold" },
		func(p *types.TwapPlan) { p.TotalQty = 0 },
		func(p *types.TwapPlan) { p.NumSlices = 0 },
		func(p *types.TwapPlan) { p.NumSlices = 20; p.TotalQty = 10 },
		func(p *types.TwapPlan) { p.EndTime = p.StartTime },
	}
	for i, mutate := range bad {
		plan := testPlan(1000, 4)
		mutate(&plan)
		if _, err := h.svc.PlanSlices(ctx, plan); err == nil {
			t.Errorf("case %d: invalid plan accepted", i)
		}
	}
}

func TestDispatchDueSlices(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	// Two slices an hour apart: the first is an hour overdue, the second
	// is not due for another hour.
	plan := testPlan(100, 2)
	plan.StartTime = time.Now().UTC().Add(-time.Hour)
	plan.EndTime = time.Now().UTC().Add(3 * time.Hour)
	ack, err := h.svc.PlanSlices(ctx, plan)
	if err != nil {
		t.Fatalf("PlanSlices: %v", err)
	}

	h.svc.dispatchDueSlices(ctx, slog.Default())

	// First slice was due, second is not yet.
	first, _, err := h.svc.GetOrder(ctx, ack.Slices[0])
	if err != nil {
		t.Fatalf("GetOrder first: %v", err)
	}
	if first.Status != types.StatusDryRun {
		t.Fatalf("first slice status = %s, want dry_run", first.Status)
	}
	second, _, err := h.svc.GetOrder(ctx, ack.Slices[1])
	if err != nil {
		t.Fatalf("GetOrder second: %v", err)
	}
	if second.Status != types.StatusPending {
		t.Fatalf("second slice status = %s, want pending", second.Status)
	}
}

func TestDispatchSliceQuarantineCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	plan := testPlan(100, 1)
	plan.StartTime = time.Now().UTC().Add(-time.Hour)
	plan.EndTime = time.Now().UTC().Add(-time.Minute)
	ack, err := h.svc.PlanSlices(ctx, plan)
	if err != nil {
		t.Fatalf("PlanSlices: %v", err)
	}

	if err := h.risk.SetQuarantine(ctx, "AAPL", true); err != nil {
		t.Fatalf("SetQuarantine: %v", err)
	}
	h.svc.dispatchDueSlices(ctx, slog.Default())

	o, _, err := h.svc.GetOrder(ctx, ack.Slices[0])
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != types.StatusCanceled {
		t.Fatalf("quarantined slice status = %s, want canceled", o.Status)
	}
}

func TestDispatchSliceRetriesWhileBreakerTripped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()

	plan := testPlan(100, 1)
	plan.StartTime = time.Now().UTC().Add(-time.Hour)
	plan.EndTime = time.Now().UTC().Add(-time.Minute)
	ack, err := h.svc.PlanSlices(ctx, plan)
	if err != nil {
		t.Fatalf("PlanSlices: %v", err)
	}

	if err := h.risk.TripBreaker(ctx, "test"); err != nil {
		t.Fatalf("TripBreaker: %v", err)
	}
	h.svc.dispatchDueSlices(ctx, slog.Default())

	// Slice stays pending for the next tick instead of dying.
	o, _, err := h.svc.GetOrder(ctx, ack.Slices[0])
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.Status != types.StatusPending {
		t.Fatalf("slice status = %s, want pending", o.Status)
	}

	if err := h.risk.ResetBreaker(ctx, -time.Minute); err != nil {
		t.Fatalf("ResetBreaker: %v", err)
	}
	h.svc.dispatchDueSlices(ctx, slog.Default())
	o, _, _ = h.svc.GetOrder(ctx, ack.Slices[0])
	if o.Status != types.StatusDryRun {
		t.Fatalf("slice status after reset = %s, want dry_run", o.Status)
	}
}
