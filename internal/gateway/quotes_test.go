package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

func TestQuotePumpCachesQuotes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quotes := make(chan types.StreamQuote, 1)
	done := make(chan struct{})
	go func() {
		h.svc.RunQuotePump(ctx, quotes)
		close(done)
	}()

	quotes <- types.StreamQuote{
		Symbol:    "AAPL",
		BidPrice:  decimal.RequireFromString("99"),
		AskPrice:  decimal.RequireFromString("101"),
		Timestamp: time.Now().UTC(),
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		q, err := h.risk.GetQuote(ctx, "AAPL")
		if err != nil {
			t.Fatalf("GetQuote: %v", err)
		}
		if q != nil {
			if !q.Price.Equal(decimal.RequireFromString("100")) {
				t.Fatalf("mid = %s, want 100", q.Price)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("quote never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A closed feed stops the pump.
	close(quotes)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop on feed close")
	}
}

func TestQuotePumpTripsBreakerOnSilentFeed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	h.cfg.RiskStore.PriceTTL = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.svc.RunQuotePump(ctx, make(chan types.StreamQuote))

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := h.risk.BreakerState(ctx)
		if err != nil {
			t.Fatalf("BreakerState: %v", err)
		}
		if state == types.BreakerTripped {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("breaker = %s, want tripped after silent feed", state)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
