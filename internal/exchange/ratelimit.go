// ratelimit.go implements token-bucket rate limiting for the broker OpenAPI.
//
// The broker enforces an account-wide request budget (about 20 requests per
// second on a live account, 2 per second on the demo environment) and cuts
// off clients that burst past it. This file provides a smooth token-bucket
// implementation that refills continuously rather than in one-second bursts.
//
// Four buckets split the budget by endpoint category so a screening sweep
// cannot starve the order path:
//   - Quote:   price/orderbook/daily reads
//   - Order:   order submission and cancellation
//   - Screen:  ranking endpoints (bulk, called once per slot)
//   - Account: balance and day-order inquiries
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
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

		// Calculate wait time for next token
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

// RateLimiter groups token buckets by broker endpoint category. Each REST
// call must pass the appropriate bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Quote   *TokenBucket // quotations: price, orderbook, daily series
	Order   *TokenBucket // order-cash, order-rvsecncl
	Screen  *TokenBucket // ranking endpoints
	Account *TokenBucket // balance, day-order inquiry
}

// NewRateLimiter creates rate limiters that together stay under the broker's
// account-wide budget. The demo environment allows roughly a tenth of the
// live rate, so everything is scaled down there.
func NewRateLimiter(demo bool) *RateLimiter {
	if demo {
		return &RateLimiter{
			Quote:   NewTokenBucket(2, 1),
			Order:   NewTokenBucket(1, 0.5),
			Screen:  NewTokenBucket(1, 0.3),
			Account: NewTokenBucket(1, 0.5),
		}
	}
	return &RateLimiter{
		Quote:   NewTokenBucket(10, 8), // polling + collector fallbacks
		Order:   NewTokenBucket(5, 4),
		Screen:  NewTokenBucket(3, 2), // one sweep of four calls per slot
		Account: NewTokenBucket(4, 3),
	}
}
