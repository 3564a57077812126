package gateway

import (
	"context"
	"fmt"
	"time"

	"quantdesk/pkg/types"
)

// RunQuotePump drains the market data feed into the shared price cache.
// Every service reads marks from price:<symbol>; this loop is the only
// writer. When the feed goes silent for longer than the price cache TTL the
// pump trips the circuit breaker: stale marks must not back live orders.
// Blocks until ctx is cancelled or the feed channel closes.
func (s *Service) RunQuotePump(ctx context.Context, quotes <-chan types.StreamQuote) {
	log := s.logger.With("component", "quote_pump")

	staleAfter := s.cfg.RiskStore.PriceTTL
	var staleTick <-chan time.Time
	if staleAfter > 0 {
		ticker := time.NewTicker(staleAfter / 2)
		defer ticker.Stop()
		staleTick = ticker.C
	}
	lastQuote := s.now()
	tripped := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTick:
			age := s.now().Sub(lastQuote)
			if age < staleAfter || tripped {
				continue
			}
			if err := s.risk.TripBreaker(ctx,
				fmt.Sprintf("market data stale: no quotes for %s", age.Round(time.Second))); err != nil {
				log.Error("trip breaker on stale market data", "error", err)
				continue
			}
			tripped = true
		case q, ok := <-quotes:
			if !ok {
				return
			}
			lastQuote = s.now()
			tripped = false
			ts := q.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			quote := types.Quote{
				Symbol:    q.Symbol,
				Price:     q.Mid(),
				Bid:       q.BidPrice,
				Ask:       q.AskPrice,
				Timestamp: ts,
			}
			if err := s.risk.SetQuote(ctx, quote); err != nil {
				log.Warn("cache quote", "symbol", q.Symbol, "error", err)
			}
		}
	}
}
