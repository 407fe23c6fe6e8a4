package pipeline

import "sync"

// counters aggregates per-cycle counts. Mutated by concurrent workers.
type counters struct {
	mu sync.Mutex
	m  map[string]int
}

func newCounters() *counters {
	return &counters{m: make(map[string]int)}
}

func (c *counters) Add(key string, n int) {
	c.mu.Lock()
	c.m[key] += n
	c.mu.Unlock()
}

func (c *counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]int, len(c.m))
	for k, v := range c.m {
		snapshot[k] = v
	}
	return snapshot
}
