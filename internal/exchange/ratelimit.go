// ratelimit.go implements token-bucket rate limiting for the exchange REST
// adapter. Spot venues enforce separate budgets for order placement and
// market-data reads, so two buckets are kept; both refill continuously
// rather than in window-sized bursts to avoid tripping hard limits.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were recalculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate.
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
		}
	}
}

// RateLimiter groups the per-category buckets the REST adapter uses.
type RateLimiter struct {
	Orders *TokenBucket // order placement + cancellation
	Data   *TokenBucket // balances, tickers, books, trades, candles
}

// NewRateLimiter builds the default budgets from a requests-per-second
// setting. Data reads get twice the order budget, mirroring the usual
// venue split.
func NewRateLimiter(ordersPerSecond float64) *RateLimiter {
	if ordersPerSecond <= 0 {
		ordersPerSecond = 10
	}
	return &RateLimiter{
		Orders: NewTokenBucket(ordersPerSecond*2, ordersPerSecond),
		Data:   NewTokenBucket(ordersPerSecond*4, ordersPerSecond*2),
	}
}
