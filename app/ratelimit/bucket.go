package ratelimit

import (
	"sync"
	"time"
)

// Budget configures token-bucket limits for one logical endpoint: a fixed
// capacity refilling continuously at RefillPerSecond.
type Budget struct {
	Endpoint        string  `yaml:"endpoint"`
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

// bucket holds the RateLimitState for one endpoint. All access goes through
// the mutex; buckets for different endpoints never contend with each other.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	resetAt    time.Time
}

func newBucket(budget Budget, now time.Time) *bucket {
	return &bucket{
		capacity:   budget.Capacity,
		refillRate: budget.RefillPerSecond,
		tokens:     budget.Capacity,
		lastRefill: now,
	}
}

// refillLocked accrues tokens for elapsed time. An authoritative window
// reset in the past restores the full capacity.
func (b *bucket) refillLocked(now time.Time) {
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.tokens = b.capacity
		b.resetAt = time.Time{}
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// acquire consumes cost tokens atomically. When insufficient, it reports the
// wait until enough tokens accrue (or the authoritative reset, if sooner).
func (b *bucket) acquire(now time.Time, cost float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}

	var wait time.Duration
	if b.refillRate > 0 {
		needed := cost - b.tokens
		wait = time.Duration(needed / b.refillRate * float64(time.Second))
	}
	if b.resetAt.After(now) {
		untilReset := b.resetAt.Sub(now)
		if wait == 0 || untilReset < wait {
			wait = untilReset
		}
	}
	if wait <= 0 {
		wait = time.Second
	}
	return false, wait
}

// reconcile moves local accounting toward an authoritative remaining-quota
// observation, correcting drift when several processes share one external
// quota.
func (b *bucket) reconcile(now time.Time, observedRemaining float64, observedResetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)

	if observedRemaining >= 0 {
		if observedRemaining > b.capacity {
			observedRemaining = b.capacity
		}
		b.tokens = observedRemaining
	}
	if !observedResetAt.IsZero() && observedResetAt.After(now) {
		b.resetAt = observedResetAt
	}
}

// deferUntil empties the bucket after an explicit rate-limit response.
func (b *bucket) deferUntil(now, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = 0
	b.lastRefill = now
	if resetAt.After(now) {
		b.resetAt = resetAt
	}
}

func (b *bucket) snapshot(now time.Time) (tokens float64, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(now)
	return b.tokens, b.resetAt
}
