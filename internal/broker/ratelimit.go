// ratelimit.go implements token-bucket rate limiting for the broker API.
//
// The broker enforces a 200 requests/minute account-wide limit. Rather than
// one shared bucket, requests are split into categories so a burst of
// reconciliation queries cannot starve order submission:
//   - Order: 60 burst / 2 per sec — order placement and cancellation
//   - Query: 100 burst / 2 per sec — order/position reads
//   - Data:  200 burst / 5 per sec — market data (separate limit pool)
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by broker API endpoint category.
type RateLimiter struct {
	Order *TokenBucket // POST/DELETE /v2/orders
	Query *TokenBucket // GET /v2/orders, /v2/positions
	Data  *TokenBucket // GET /v2/stocks/.../bars
}

// NewRateLimiter creates rate limiters tuned to the broker's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(60, 2),
		Query: NewTokenBucket(100, 2),
		Data:  NewTokenBucket(200, 5),
	}
}
