package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := OpenRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenRunStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	want := types.RunResult{
		RunID:              "run-1",
		Status:             types.RunPartial,
		NumSignals:         3,
		NumOrdersSubmitted: 2,
		NumOrdersAccepted:  1,
		NumOrdersRejected:  1,
		NumSkipped:         1,
		Mappings: []types.OrderMapping{
			{Symbol: "AAPL", OrderQty: 100, OrderPrice: decimal.RequireFromString("182.5"),
				Side: types.Buy, ClientOrderID: "qd-0123456789abcdef0123"},
			{Symbol: "TSLA", SkipReason: SkipQuarantined},
		},
		DurationSeconds: 1.25,
		StartedAt:       time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != want.Status || got.NumOrdersAccepted != 1 || len(got.Mappings) != 2 {
		t.Fatalf("round trip: %+v", got)
	}
	if got.Mappings[1].SkipReason != SkipQuarantined {
		t.Fatalf("mappings: %+v", got.Mappings)
	}
}

func TestRunStoreGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("missing run: %v", err)
	}
}

func TestRunStoreListNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		r := types.RunResult{
			RunID:     id,
			Status:    types.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	runs, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "run-c" || runs[1].RunID != "run-b" {
		t.Fatalf("List order: %+v", runs)
	}
}
