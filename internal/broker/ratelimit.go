// ratelimit.go implements token-bucket rate limiting for the brokerage REST
// API. The broker enforces per-category limits; buckets refill continuously
// rather than in window-sized bursts so a burst of rule fires cannot trip
// the hard limit.
//
// Three buckets are maintained:
//   - Order: place / modify / cancel calls
//   - Data:  quote and historical candle reads
//   - Auth:  token refresh
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

// RateLimiter groups token buckets by brokerage API endpoint category.
type RateLimiter struct {
	Order *TokenBucket // POST/PUT/DELETE /orders
	Data  *TokenBucket // GET /quote, /candles
	Auth  *TokenBucket // POST /token/refresh
}

// NewRateLimiter creates rate limiters tuned to the broker's published
// limits: 10 order calls/s with a burst of 20, 25 data reads/s, and a
// deliberately tight refresh budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(20, 10),
		Data:  NewTokenBucket(50, 25),
		Auth:  NewTokenBucket(5, 0.5),
	}
}
