// ratelimit.go implements token-bucket rate limiting for the exchange REST API.
//
// The venue enforces per-endpoint limits measured in requests per 2-second
// windows. The bucket refills continuously (rather than in window bursts) and
// additionally enforces a minimum spacing between consecutive requests, so a
// full bucket cannot be drained in a single tight loop.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill
// and minimum request spacing. Callers block in Wait() until a token is
// available or the context is cancelled.
type TokenBucket struct {
	mu          sync.Mutex
	tokens      float64   // current available tokens (fractional allowed)
	capacity    float64   // maximum burst size
	rate        float64   // tokens refilled per second
	minInterval time.Duration
	lastTime    time.Time // last time tokens were calculated
	lastGrant   time.Time // last time a token was handed out
}

// NewTokenBucket creates a limiter allowing `limit` requests per `window`,
// never closer together than `minInterval`.
func NewTokenBucket(limit int, window, minInterval time.Duration) *TokenBucket {
	capacity := float64(limit)
	return &TokenBucket{
		tokens:      capacity,
		capacity:    capacity,
		rate:        capacity / window.Seconds(),
		minInterval: minInterval,
		lastTime:    time.Now(),
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

		spacing := tb.minInterval - now.Sub(tb.lastGrant)
		if tb.tokens >= 1 && spacing <= 0 {
			tb.tokens--
			tb.lastGrant = now
			tb.mu.Unlock()
			return nil
		}

		// Wait for the next token or the spacing gap, whichever is longer.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		if wait < spacing {
			wait = spacing
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
