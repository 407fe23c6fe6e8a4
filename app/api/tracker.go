package api

import (
	"sync"
	"time"

	"github.com/dropwatch/dropwatch/app/pipeline"
)

// Tracker collects cycle progress for the stats endpoints. Its
// ReportCycleProgress method is the pipeline's progress hook; the pipeline
// invokes it asynchronously and never blocks on it.
type Tracker struct {
	mu          sync.RWMutex
	phase       string
	phaseAt     time.Time
	counters    map[string]int
	lastSummary *pipeline.Summary
}

func NewTracker() *Tracker {
	return &Tracker{counters: make(map[string]int)}
}

func (t *Tracker) ReportCycleProgress(phase string, counters map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	t.phaseAt = time.Now().UTC()
	t.counters = counters
}

func (t *Tracker) RecordSummary(summary *pipeline.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSummary = summary
}

func (t *Tracker) Phase() (string, time.Time, map[string]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.phase, t.phaseAt, t.counters
}

func (t *Tracker) LastSummary() *pipeline.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSummary
}
