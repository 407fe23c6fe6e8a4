package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropwatch/dropwatch/app/alert"
	"github.com/dropwatch/dropwatch/app/dedup"
	"github.com/dropwatch/dropwatch/app/ratelimit"
	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
)

// Phase names passed to the progress hook at phase boundaries.
const (
	PhaseFetchStart      = "fetch-start"
	PhaseFetchComplete   = "fetch-complete"
	PhaseDedupComplete   = "dedup-complete"
	PhaseScoringComplete = "scoring-complete"
	PhaseCycleComplete   = "cycle-complete"
)

const DefaultCycleTimeout = 5 * time.Minute

// Progress is an optional observability hook invoked at phase boundaries.
// The pipeline never blocks on it.
type Progress func(phase string, counters map[string]int)

// Config is the static per-cycle configuration, provided in memory at
// startup. The pipeline reads no files or environment variables itself.
type Config struct {
	Threshold     float64
	FeedWorkers   int
	SocialWorkers int
	CycleTimeout  time.Duration
	Feeds         []source.FeedConfig
	Queries       []string
}

// Summary reports what one cycle did: items fetched, cache hits, duplicates
// dropped, items scored, alerts emitted and errors by category. Enough for
// an operator to diagnose a degraded cycle without raw logs.
type Summary struct {
	CycleID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Incomplete bool
	Counters   map[string]int
}

// Pipeline drives one ingestion cycle: bounded concurrent fetch workers per
// source kind, then deduplication, scoring, threshold filtering and alert
// emission. Either source may be nil to disable it.
type Pipeline struct {
	feeds  *source.FeedSource
	social *source.SocialSource
	dedup  *dedup.Engine
	scorer *scoring.Engine
	sink   alert.Sink

	progress Progress
	cfg      Config
	now      func() time.Time
}

func New(feeds *source.FeedSource, social *source.SocialSource, dedupEngine *dedup.Engine,
	scorer *scoring.Engine, sink alert.Sink, progress Progress, cfg Config) *Pipeline {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.FeedWorkers <= 0 {
		cfg.FeedWorkers = 1
	}
	if cfg.SocialWorkers <= 0 {
		cfg.SocialWorkers = 1
	}
	return &Pipeline{
		feeds:    feeds,
		social:   social,
		dedup:    dedupEngine,
		scorer:   scorer,
		sink:     sink,
		progress: progress,
		cfg:      cfg,
		now:      time.Now,
	}
}

type candidate struct {
	item        source.Item
	fingerprint string
}

// RunCycle executes one full ingestion cycle under the cycle deadline.
// Partial results are emitted when the deadline hits: a stalled worker
// never blocks the whole cycle's output.
func (p *Pipeline) RunCycle(ctx context.Context) *Summary {
	startedAt := p.now().UTC()
	cycleID := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CycleTimeout)
	defer cancel()

	counts := newCounters()
	reports := p.startReporter()
	p.report(reports, PhaseFetchStart, counts)

	items := p.fetchAll(ctx, counts)
	p.report(reports, PhaseFetchComplete, counts)

	candidates := p.deduplicate(items, counts)
	p.report(reports, PhaseDedupComplete, counts)

	p.scoreAndEmit(ctx, candidates, counts)
	p.report(reports, PhaseScoringComplete, counts)

	summary := &Summary{
		CycleID:    cycleID,
		StartedAt:  startedAt,
		FinishedAt: p.now().UTC(),
		Incomplete: ctx.Err() != nil,
		Counters:   counts.Snapshot(),
	}
	p.report(reports, PhaseCycleComplete, counts)
	if reports != nil {
		close(reports)
	}

	slog.Info("Cycle completed",
		"cycle_id", cycleID,
		"duration", summary.FinishedAt.Sub(summary.StartedAt).String(),
		"incomplete", summary.Incomplete,
		"fetched", summary.Counters["items_fetched"],
		"cache_hits", summary.Counters["cache_hits"],
		"duplicates", summary.Counters["duplicates"],
		"scored", summary.Counters["items_scored"],
		"alerts", summary.Counters["alerts_emitted"])

	return summary
}

// fetchAll runs the per-source-kind worker pools and joins them. Workers
// exit promptly on cancellation; whatever arrived by then is kept.
func (p *Pipeline) fetchAll(ctx context.Context, counts *counters) []source.Item {
	var mu sync.Mutex
	var collected []source.Item
	var wg sync.WaitGroup

	if p.feeds != nil && len(p.cfg.Feeds) > 0 {
		jobs := make(chan source.FeedConfig, len(p.cfg.Feeds))
		for _, fc := range p.cfg.Feeds {
			jobs <- fc
		}
		close(jobs)

		for i := 0; i < p.cfg.FeedWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for fc := range jobs {
					if ctx.Err() != nil {
						return
					}
					items := p.fetchFeed(ctx, fc, counts)
					mu.Lock()
					collected = append(collected, items...)
					mu.Unlock()
				}
			}()
		}
	}

	if p.social != nil && len(p.cfg.Queries) > 0 {
		jobs := make(chan string, len(p.cfg.Queries))
		for _, q := range p.cfg.Queries {
			jobs <- q
		}
		close(jobs)

		for i := 0; i < p.cfg.SocialWorkers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for query := range jobs {
					if ctx.Err() != nil {
						return
					}
					items := p.fetchSocial(ctx, query, counts)
					mu.Lock()
					collected = append(collected, items...)
					mu.Unlock()
				}
			}()
		}
	}

	wg.Wait()
	counts.Add("items_fetched", len(collected))
	return collected
}

func (p *Pipeline) fetchFeed(ctx context.Context, fc source.FeedConfig, counts *counters) []source.Item {
	items, wasCached, err := p.feeds.Fetch(ctx, fc)
	if err != nil {
		p.countFetchError(fc.Name, err, counts)
		return nil
	}

	counts.Add("feeds_fetched", 1)
	if wasCached {
		counts.Add("cache_hits", 1)
	}

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		p.feeds.EnrichBody(ctx, &items[i])
	}

	return items
}

func (p *Pipeline) fetchSocial(ctx context.Context, query string, counts *counters) []source.Item {
	items, wasCached, err := p.social.Search(ctx, query)
	if err != nil {
		p.countFetchError(query, err, counts)
		return nil
	}

	counts.Add("social_queries", 1)
	if wasCached {
		counts.Add("cache_hits", 1)
	}

	return items
}

func (p *Pipeline) countFetchError(name string, err error, counts *counters) {
	if retryAfter, ok := ratelimit.IsDeferral(err); ok {
		counts.Add("rate_limit_deferrals", 1)
		slog.Debug("Source deferred by rate limit", "source", name, "retry_after", retryAfter.String())
		return
	}
	counts.Add("fetch_errors", 1)
	slog.Warn("Source fetch failed", "source", name, "error", err)
}

// deduplicate drops exact and near-duplicate items. Check-then-record is
// atomic per item, so two workers racing on the same content cannot both
// pass. Per-item failures are contained and counted.
func (p *Pipeline) deduplicate(items []source.Item, counts *counters) []candidate {
	candidates := make([]candidate, 0, len(items))
	for _, item := range items {
		text := item.Title + "\n" + item.Body
		dup, fingerprint, err := p.dedup.CheckAndRecord(text, item.URL)
		if err != nil {
			counts.Add("dedup_errors", 1)
			slog.Warn("Dedup check failed", "url", item.URL, "error", err)
			continue
		}
		if dup {
			counts.Add("duplicates", 1)
			continue
		}
		candidates = append(candidates, candidate{item: item, fingerprint: fingerprint})
	}
	return candidates
}

func (p *Pipeline) scoreAndEmit(ctx context.Context, candidates []candidate, counts *counters) {
	for _, cand := range candidates {
		result := p.scorer.Score(scoring.Input{
			Title:        cand.item.Title,
			Body:         cand.item.Body,
			URL:          cand.item.URL,
			SourceKind:   string(cand.item.SourceKind),
			AuthorHandle: cand.item.AuthorHandle,
		})
		counts.Add("items_scored", 1)

		if result.Confidence < p.cfg.Threshold {
			continue
		}

		a := alert.New(cand.item, cand.fingerprint, result, p.now().UTC())
		if err := p.sink.EmitAlert(ctx, a); err != nil {
			counts.Add("sink_errors", 1)
			slog.Error("Alert emission failed", "fingerprint", a.Fingerprint, "error", err)
			continue
		}
		counts.Add("alerts_emitted", 1)
	}
}

type reportEvent struct {
	phase    string
	counters map[string]int
}

// startReporter runs one dispatcher goroutine per cycle so the hook sees
// phases in the order they happened. The channel buffer holds every phase a
// cycle can emit, so sends never block the pipeline on a slow hook.
func (p *Pipeline) startReporter() chan reportEvent {
	if p.progress == nil {
		return nil
	}
	events := make(chan reportEvent, 8)
	go func() {
		for ev := range events {
			p.progress(ev.phase, ev.counters)
		}
	}()
	return events
}

func (p *Pipeline) report(events chan reportEvent, phase string, counts *counters) {
	if events == nil {
		return
	}
	events <- reportEvent{phase: phase, counters: counts.Snapshot()}
}
