package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Tier names the cache partitions. Each tier carries its own TTL policy and
// memory budget: short TTLs for frequently-changing listings, long TTLs for
// immutable article bodies.
type Tier string

const (
	TierFeed         Tier = "feed"
	TierSocialUser   Tier = "social_user"
	TierArticleBody  Tier = "article_body"
	TierSearchResult Tier = "search_result"
)

// Tiers lists all known cache partitions.
var Tiers = []Tier{TierFeed, TierSocialUser, TierArticleBody, TierSearchResult}

// TierPolicy sets the default TTL and the memory budget for one tier.
// MaxBytes <= 0 means unbounded.
type TierPolicy struct {
	TTL      time.Duration
	MaxBytes int64
}

// FetchFunc produces a value and an optional validator (entity tag or
// last-modified string) for a cache key.
type FetchFunc func(ctx context.Context) (value []byte, validator string, err error)

// TierStats is a point-in-time snapshot of one tier's counters.
type TierStats struct {
	Entries   int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry struct {
	value          []byte
	validator      string
	expiresAt      time.Time
	lastAccessedAt time.Time
	size           int64
}

type flight struct {
	done  chan struct{}
	value []byte
	err   error
}

type tierStore struct {
	mu       sync.Mutex
	policy   TierPolicy
	entries  map[string]*entry
	inflight map[string]*flight
	bytes    int64

	hits      int64
	misses    int64
	evictions int64
}

// Manager is a tiered key/value cache with per-tier TTLs, LRU eviction under
// a byte budget and a single-flight guarantee on GetOrFetch. Safe for
// concurrent use; locking is per tier, not global.
type Manager struct {
	tiers map[Tier]*tierStore
	now   func() time.Time
}

func NewManager(policies map[Tier]TierPolicy) *Manager {
	m := &Manager{
		tiers: make(map[Tier]*tierStore),
		now:   time.Now,
	}
	for _, tier := range Tiers {
		policy, ok := policies[tier]
		if !ok {
			policy = TierPolicy{TTL: 5 * time.Minute}
		}
		m.tiers[tier] = &tierStore{
			policy:   policy,
			entries:  make(map[string]*entry),
			inflight: make(map[string]*flight),
		}
	}
	return m
}

// Get returns the live value and validator for a key. An expired entry is
// treated identically to an absent one.
func (m *Manager) Get(tier Tier, key string) ([]byte, string, bool) {
	ts := m.tiers[tier]
	if ts == nil {
		return nil, "", false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := m.now()
	e := ts.entries[key]
	if e == nil || !now.Before(e.expiresAt) {
		ts.misses++
		return nil, "", false
	}

	e.lastAccessedAt = now
	ts.hits++
	return e.value, e.validator, true
}

// Stale returns the stored value and validator even when the entry has
// expired. Used for conditional revalidation: an expired entry with a
// validator can be refreshed via a conditional fetch instead of a full one.
func (m *Manager) Stale(tier Tier, key string) ([]byte, string, bool) {
	ts := m.tiers[tier]
	if ts == nil {
		return nil, "", false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e := ts.entries[key]
	if e == nil {
		return nil, "", false
	}
	return e.value, e.validator, true
}

// Put stores a value. A zero ttl falls back to the tier policy TTL.
func (m *Manager) Put(tier Tier, key string, value []byte, ttl time.Duration, validator string) error {
	ts := m.tiers[tier]
	if ts == nil {
		return fmt.Errorf("unknown cache tier %q", tier)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.putLocked(key, value, ttl, validator, m.now())
	return nil
}

// Refresh extends the lifetime of an existing entry without replacing its
// value, the effect of a "not modified" revalidation response.
func (m *Manager) Refresh(tier Tier, key string, ttl time.Duration) bool {
	ts := m.tiers[tier]
	if ts == nil {
		return false
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	e := ts.entries[key]
	if e == nil {
		return false
	}
	if ttl <= 0 {
		ttl = ts.policy.TTL
	}
	now := m.now()
	e.expiresAt = now.Add(ttl)
	e.lastAccessedAt = now
	return true
}

// GetOrFetch returns the cached value for key, or runs fetch exactly once no
// matter how many callers ask concurrently. Concurrent callers for the same
// key subscribe to the single in-flight fetch. A fetch failure (including
// cancellation) propagates to callers and leaves the cache unchanged.
func (m *Manager) GetOrFetch(ctx context.Context, tier Tier, key string, ttl time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	ts := m.tiers[tier]
	if ts == nil {
		return nil, false, fmt.Errorf("unknown cache tier %q", tier)
	}

	ts.mu.Lock()
	now := m.now()
	if e := ts.entries[key]; e != nil && now.Before(e.expiresAt) {
		e.lastAccessedAt = now
		ts.hits++
		value := e.value
		ts.mu.Unlock()
		return value, true, nil
	}

	if f := ts.inflight[key]; f != nil {
		ts.mu.Unlock()
		select {
		case <-f.done:
			if f.err != nil {
				return nil, false, f.err
			}
			return f.value, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	ts.misses++
	f := &flight{done: make(chan struct{})}
	ts.inflight[key] = f
	ts.mu.Unlock()

	value, validator, err := fetch(ctx)

	ts.mu.Lock()
	delete(ts.inflight, key)
	if err != nil {
		f.err = err
		ts.mu.Unlock()
		close(f.done)
		return nil, false, err
	}
	f.value = value
	ts.putLocked(key, value, ttl, validator, m.now())
	ts.mu.Unlock()
	close(f.done)

	return value, false, nil
}

// Stats returns per-tier counters for cycle summaries and the stats endpoint.
func (m *Manager) Stats() map[Tier]TierStats {
	stats := make(map[Tier]TierStats, len(m.tiers))
	for tier, ts := range m.tiers {
		ts.mu.Lock()
		stats[tier] = TierStats{
			Entries:   len(ts.entries),
			Bytes:     ts.bytes,
			Hits:      ts.hits,
			Misses:    ts.misses,
			Evictions: ts.evictions,
		}
		ts.mu.Unlock()
	}
	return stats
}

func (ts *tierStore) putLocked(key string, value []byte, ttl time.Duration, validator string, now time.Time) {
	if ttl <= 0 {
		ttl = ts.policy.TTL
	}

	if old := ts.entries[key]; old != nil {
		ts.bytes -= old.size
	}

	e := &entry{
		value:          value,
		validator:      validator,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
		size:           int64(len(key) + len(value) + len(validator)),
	}
	ts.entries[key] = e
	ts.bytes += e.size

	ts.evictLocked()
}

// evictLocked removes entries in ascending lastAccessedAt order until the
// tier is back under its byte budget. Keys with an in-flight fetch are never
// evicted mid-fetch.
func (ts *tierStore) evictLocked() {
	if ts.policy.MaxBytes <= 0 {
		return
	}

	for ts.bytes > ts.policy.MaxBytes && len(ts.entries) > 1 {
		oldestKey := ""
		var oldest time.Time
		for key, e := range ts.entries {
			if _, fetching := ts.inflight[key]; fetching {
				continue
			}
			if oldestKey == "" || e.lastAccessedAt.Before(oldest) {
				oldestKey = key
				oldest = e.lastAccessedAt
			}
		}
		if oldestKey == "" {
			return
		}
		ts.bytes -= ts.entries[oldestKey].size
		delete(ts.entries, oldestKey)
		ts.evictions++
	}
}
