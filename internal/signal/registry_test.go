package signal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"quantdesk/pkg/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := OpenRegistry(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func registerModel(t *testing.T, r *Registry, strategy, version string) int64 {
	t.Helper()
	id, err := r.Register(context.Background(), types.ModelMetadata{
		StrategyName: strategy,
		Version:      version,
		ModelPath:    "/models/" + strategy + "-" + version + ".json",
		PerformanceMetrics: map[string]float64{"sharpe": 1.4},
	})
	if err != nil {
		t.Fatalf("Register %s/%s: %v", strategy, version, err)
	}
	return id
}

func TestRegistryActivateSwapsAtomically(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	if _, err := r.GetActive(ctx, "momentum"); !errors.Is(err, ErrNoActiveModel) {
		t.Fatalf("fresh registry: %v", err)
	}

	v1 := registerModel(t, r, "momentum", "v1")
	v2 := registerModel(t, r, "momentum", "v2")

	if err := r.Activate(ctx, v1); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	active, err := r.GetActive(ctx, "momentum")
	if err != nil || active.Version != "v1" {
		t.Fatalf("active = %+v, %v", active, err)
	}

	// Activating v2 deactivates v1 in the same transaction; there is never
	// a second active row for the index to reject.
	if err := r.Activate(ctx, v2); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	active, err = r.GetActive(ctx, "momentum")
	if err != nil || active.Version != "v2" {
		t.Fatalf("active after swap = %+v, %v", active, err)
	}

	models, err := r.List(ctx, "momentum")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var actives int
	for _, m := range models {
		if m.Status == "active" {
			actives++
		}
	}
	if actives != 1 {
		t.Fatalf("active rows = %d, want 1", actives)
	}
}

func TestRegistryActivateUnknownID(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)

	if err := r.Activate(context.Background(), 9999); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("activate unknown id: %v", err)
	}
}

func TestRegistryDuplicateVersionRejected(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	registerModel(t, r, "momentum", "v1")
	if _, err := r.Register(ctx, types.ModelMetadata{
		StrategyName: "momentum", Version: "v1", ModelPath: "/models/dup.json",
	}); err == nil {
		t.Fatal("duplicate (strategy, version) accepted")
	}

	// Same version under another strategy is fine.
	if _, err := r.Register(ctx, types.ModelMetadata{
		StrategyName: "reversal", Version: "v1", ModelPath: "/models/rev.json",
	}); err != nil {
		t.Fatalf("same version, different strategy: %v", err)
	}
}

func TestRegistryMarkFailed(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	id := registerModel(t, r, "momentum", "v1")
	if err := r.Activate(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.MarkFailed(ctx, id); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := r.GetActive(ctx, "momentum"); !errors.Is(err, ErrNoActiveModel) {
		t.Fatalf("failed model still active: %v", err)
	}

	models, _ := r.List(ctx, "momentum")
	if len(models) != 1 || models[0].Status != "failed" {
		t.Fatalf("registry rows: %+v", models)
	}
}

func TestRegistryMetricsRoundTrip(t *testing.T) {
	t.Parallel()
	r := openTestRegistry(t)
	ctx := context.Background()

	registerModel(t, r, "momentum", "v1")
	models, err := r.List(ctx, "momentum")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if models[0].PerformanceMetrics["sharpe"] != 1.4 {
		t.Fatalf("metrics: %+v", models[0].PerformanceMetrics)
	}
}
