package presence

import (
	"sync"
	"time"
)

// RateLimit configures per-connection inbound throttling: Burst messages may
// be sent at once, refilled evenly over RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

func newRateLimiter(limit RateLimit, now func() time.Time) *rateLimiter {
	capacity := limit.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := limit.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: now(),
		now:       now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}
