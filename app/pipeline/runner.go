package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dropwatch/dropwatch/app/dedup"
)

const sweepInterval = time.Hour

// Runner executes ingestion cycles on a fixed interval and periodically
// sweeps expired dedup records. OnSummary, when set, receives every cycle
// summary after the cycle finishes.
type Runner struct {
	pipeline *Pipeline
	dedup    *dedup.Engine
	interval time.Duration

	OnSummary func(*Summary)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(p *Pipeline, dedupEngine *dedup.Engine, interval time.Duration) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pipeline: p,
		dedup:    dedupEngine,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		sweeper := time.NewTicker(sweepInterval)
		defer sweeper.Stop()

		r.runOnce()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.runOnce()
			case <-sweeper.C:
				if purged, err := r.dedup.Sweep(); err != nil {
					slog.Warn("Dedup sweep failed", "error", err)
				} else if purged > 0 {
					slog.Debug("Dedup sweep completed", "purged", purged)
				}
			}
		}
	}()
}

func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) runOnce() {
	summary := r.pipeline.RunCycle(r.ctx)
	if r.OnSummary != nil {
		r.OnSummary(summary)
	}
}
