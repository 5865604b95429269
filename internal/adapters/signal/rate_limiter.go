package signal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter is a sliding window limiter keyed by client token, so a
// visitor reconnecting on a fresh session keeps its history.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	swept    time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(limit, interval, clockwork.NewRealClock())
}

func NewRateLimiterWithClock(limit int, interval time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		clock:    clock,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)
	if now.Sub(rl.swept) >= rl.interval {
		rl.sweepLocked(windowStart)
		rl.swept = now
	}

	attempts := rl.history[key]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}

	rl.history[key] = append(fresh, now)
	return true
}

// sweepLocked forgets keys with no attempt inside the current window.
func (rl *RateLimiter) sweepLocked(windowStart time.Time) {
	for key, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, key)
		}
	}
}
