package gateway

import (
	"testing"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

func TestClientOrderIDDeterministic(t *testing.T) {
	t.Parallel()

	price := decimal.RequireFromString("182.50")
	req := types.OrderRequest{
		Symbol:     "AAPL",
		Side:       types.Buy,
		Qty:        100,
		OrderType:  types.Limit,
		LimitPrice: &price,
		StrategyID: "momentum",
	}

	a := ClientOrderID(req, "2026-08-24")
	b := ClientOrderID(req, "2026-08-24")
	if a != b {
		t.Fatalf("same parameters produced different ids: %s vs %s", a, b)
	}
	if !MatchesScheme(a) {
		t.Fatalf("generated id does not match scheme: %s", a)
	}

	// Any identity parameter change produces a different id.
	variants := []types.OrderRequest{req, req, req, req}
	variants[0].Qty = 101
	variants[1].Side = types.Sell
	variants[2].Symbol = "MSFT"
	variants[3].StrategyID = "reversal"
	for i, v := range variants {
		if ClientOrderID(v, "2026-08-24") == a {
			t.Errorf("variant %d collided with base id", i)
		}
	}
	if ClientOrderID(req, "2026-08-25") == a {
		t.Error("different trade date collided with base id")
	}
}

func TestSliceClientOrderID(t *testing.T) {
	t.Parallel()

	parent := ClientOrderID(types.OrderRequest{Symbol: "AAPL", Side: types.Buy, Qty: 1000}, "2026-08-24")
	child := SliceClientOrderID(parent, 3)
	if child != parent+"-03" {
		t.Fatalf("child id = %s", child)
	}
	if !MatchesScheme(child) {
		t.Fatalf("child id does not match scheme: %s", child)
	}
}

func TestMatchesScheme(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"qd-0123456789abcdef0123":    true,
		"qd-0123456789abcdef0123-01": true,
		"qd-0123456789abcdef012":     false, // short hex
		"qd-0123456789ABCDEF0123":    false, // uppercase
		"qd-0123456789abcdef0123-x1": false, // non-numeric suffix
		"manual-order-7":             false,
		"":                           false,
	}
	for id, want := range cases {
		if got := MatchesScheme(id); got != want {
			t.Errorf("MatchesScheme(%q) = %v, want %v", id, got, want)
		}
	}
}
