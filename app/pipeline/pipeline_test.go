package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropwatch/dropwatch/app/alert"
	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/dedup"
	"github.com/dropwatch/dropwatch/app/ratelimit"
	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
)

// Descriptions are padded past the teaser threshold so no article-body
// fetches leave the test server.
const testFeedDocument = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example News</title>
    <item>
      <title>Acme token claim portal open now</title>
      <link>https://news.example.com/acme</link>
      <description>Eligible users can connect a wallet and claim the airdrop starting today. The distribution covers early network participants, and full instructions are published on the official portal for every qualifying account holder. Supported regions receive their allocations in a single batch once verification completes.</description>
    </item>
    <item>
      <title>Weekly espresso machines roundup</title>
      <link>https://news.example.com/roundup</link>
      <description>Our kitchen reviewers spent the week testing espresso machines and grinding through bags of coffee beans to find the best setup for home baristas. The comparison covers build quality, steam pressure, temperature stability and value across a dozen popular models, with clear winners in every price bracket.</description>
    </item>
  </channel>
</rss>`

func testScoringRules() *scoring.Rules {
	return &scoring.Rules{
		Keywords: scoring.KeywordTiers{
			High:   []string{"airdrop", "token claim", "claim portal"},
			Medium: []string{"snapshot"},
			Low:    []string{"token"},
		},
		Organizations: []scoring.Organization{
			{Name: "Acme Protocol", Aliases: []string{"Acme"}, Priority: scoring.TierHigh},
			{Name: "Espresso", Priority: scoring.TierMedium},
		},
		Exclusions: []scoring.ExclusionCategory{
			{Name: "unrelated_domain", Patterns: []string{"espresso machines", "coffee beans", "kitchen"}},
		},
		ContextTerms: []string{"blockchain", "mainnet"},
	}
}

type captureSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (s *captureSink) EmitAlert(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *captureSink) Alerts() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.alerts...)
}

func newTestPipeline(t *testing.T, feedURL string, sink alert.Sink, progress Progress) *Pipeline {
	t.Helper()

	mgr := cache.NewManager(map[cache.Tier]cache.TierPolicy{
		cache.TierFeed: {TTL: time.Minute},
	})
	coordinator := ratelimit.NewCoordinator(ratelimit.Options{MaxAttempts: 1})
	feeds := source.NewFeedSource(mgr, coordinator, "dropwatch-test/1.0")

	dedupEngine, err := dedup.NewEngine(dedup.NewMemoryStore(), dedup.Options{})
	if err != nil {
		t.Fatalf("Failed to build dedup engine: %v", err)
	}

	return New(feeds, nil, dedupEngine, scoring.NewEngine(testScoringRules()), sink, progress, Config{
		Threshold:   0.6,
		FeedWorkers: 2,
		Feeds:       []source.FeedConfig{{Name: "Example", URL: feedURL}},
	})
}

func TestRunCycle_EmitsAlertsAboveThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPipeline(t, srv.URL, sink, nil)

	summary := p.RunCycle(context.Background())

	if summary.Incomplete {
		t.Error("Cycle should complete within the deadline")
	}
	if summary.Counters["items_fetched"] != 2 {
		t.Errorf("Expected 2 fetched items, got %d", summary.Counters["items_fetched"])
	}
	if summary.Counters["items_scored"] != 2 {
		t.Errorf("Expected 2 scored items, got %d", summary.Counters["items_scored"])
	}
	if summary.Counters["alerts_emitted"] != 1 {
		t.Errorf("Expected 1 alert, got %d", summary.Counters["alerts_emitted"])
	}

	alerts := sink.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 captured alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Item.Title != "Acme token claim portal open now" {
		t.Errorf("Wrong item alerted: %q", a.Item.Title)
	}
	if a.Score.Confidence < 0.6 {
		t.Errorf("Alerted item must clear the threshold, got %f", a.Score.Confidence)
	}
	if len(a.Score.Explanation) == 0 {
		t.Error("Alert must carry the full signal breakdown")
	}
	if a.Fingerprint == "" || a.ID == "" {
		t.Error("Alert must carry a fingerprint and an ID")
	}
}

func TestRunCycle_SecondCycleWithinTTLReusesCacheAndSkipsDuplicates(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPipeline(t, srv.URL, sink, nil)

	p.RunCycle(context.Background())
	second := p.RunCycle(context.Background())

	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("Second cycle within the TTL must not hit the network, got %d requests", got)
	}
	if second.Counters["cache_hits"] != 1 {
		t.Errorf("Expected 1 cache hit in the second cycle, got %d", second.Counters["cache_hits"])
	}
	if second.Counters["duplicates"] != 2 {
		t.Errorf("Expected both items to be duplicates, got %d", second.Counters["duplicates"])
	}
	if second.Counters["alerts_emitted"] != 0 {
		t.Errorf("Duplicates must not re-alert, got %d", second.Counters["alerts_emitted"])
	}
	if len(sink.Alerts()) != 1 {
		t.Errorf("Expected a single alert across both cycles, got %d", len(sink.Alerts()))
	}
}

func TestRunCycle_FetchFailureIsContained(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPipeline(t, srv.URL, sink, nil)

	summary := p.RunCycle(context.Background())

	if summary.Incomplete {
		t.Error("A failed source must not mark the cycle incomplete")
	}
	if summary.Counters["fetch_errors"] != 1 {
		t.Errorf("Expected 1 fetch error, got %d", summary.Counters["fetch_errors"])
	}
	if summary.Counters["alerts_emitted"] != 0 {
		t.Errorf("Expected no alerts, got %d", summary.Counters["alerts_emitted"])
	}
}

func TestRunCycle_SinkFailureCounted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	sink := &captureSink{err: errors.New("sink down")}
	p := newTestPipeline(t, srv.URL, sink, nil)

	summary := p.RunCycle(context.Background())

	if summary.Counters["sink_errors"] != 1 {
		t.Errorf("Expected 1 sink error, got %d", summary.Counters["sink_errors"])
	}
	if summary.Counters["alerts_emitted"] != 0 {
		t.Errorf("Failed emission must not count as emitted, got %d", summary.Counters["alerts_emitted"])
	}
}

func TestRunCycle_ReportsPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	progress := func(phase string, counters map[string]int) {
		mu.Lock()
		seen[phase] = true
		mu.Unlock()
	}

	p := newTestPipeline(t, srv.URL, &captureSink{}, progress)
	p.RunCycle(context.Background())

	expected := []string{PhaseFetchStart, PhaseFetchComplete, PhaseDedupComplete, PhaseScoringComplete, PhaseCycleComplete}

	// The hook runs asynchronously; give the goroutines a moment
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		done := len(seen) == len(expected)
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Not all phases reported in time: %v", seen)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, phase := range expected {
		if !seen[phase] {
			t.Errorf("Phase %s was never reported", phase)
		}
	}
}

func TestRunCycle_ReportsPhasesInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var order []string
	progress := func(phase string, counters map[string]int) {
		// A deliberately slow hook must not reorder phases
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, phase)
		mu.Unlock()
	}

	p := newTestPipeline(t, srv.URL, &captureSink{}, progress)
	p.RunCycle(context.Background())

	expected := []string{PhaseFetchStart, PhaseFetchComplete, PhaseDedupComplete, PhaseScoringComplete, PhaseCycleComplete}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		done := len(order) == len(expected)
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %d phase reports", len(expected))
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, phase := range expected {
		if order[i] != phase {
			t.Fatalf("Expected phase %s at position %d, got %s", phase, i, order[i])
		}
	}
}

func TestRunCycle_CancelledContextMarksIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testFeedDocument))
	}))
	defer srv.Close()

	sink := &captureSink{}
	p := newTestPipeline(t, srv.URL, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary := p.RunCycle(ctx)

	if !summary.Incomplete {
		t.Error("A cancelled cycle must be marked incomplete")
	}
	if summary.Counters["items_fetched"] != 0 {
		t.Errorf("Cancelled workers must not fetch, got %d items", summary.Counters["items_fetched"])
	}
}

func TestRunCycle_NoSourcesConfigured(t *testing.T) {
	dedupEngine, err := dedup.NewEngine(dedup.NewMemoryStore(), dedup.Options{})
	if err != nil {
		t.Fatalf("Failed to build dedup engine: %v", err)
	}

	p := New(nil, nil, dedupEngine, scoring.NewEngine(testScoringRules()), &captureSink{}, nil, Config{Threshold: 0.6})
	summary := p.RunCycle(context.Background())

	if summary.Incomplete {
		t.Error("An empty cycle should still complete cleanly")
	}
	if summary.Counters["items_fetched"] != 0 || summary.Counters["alerts_emitted"] != 0 {
		t.Errorf("Expected zeroed counters, got %v", summary.Counters)
	}
	if summary.CycleID == "" {
		t.Error("Every cycle gets an ID")
	}
}

func TestRunner_RunsCyclesOnInterval(t *testing.T) {
	dedupEngine, err := dedup.NewEngine(dedup.NewMemoryStore(), dedup.Options{})
	if err != nil {
		t.Fatalf("Failed to build dedup engine: %v", err)
	}
	p := New(nil, nil, dedupEngine, scoring.NewEngine(testScoringRules()), &captureSink{}, nil, Config{Threshold: 0.6})

	var mu sync.Mutex
	var summaries []*Summary

	r := NewRunner(p, dedupEngine, 30*time.Millisecond)
	r.OnSummary = func(s *Summary) {
		mu.Lock()
		summaries = append(summaries, s)
		mu.Unlock()
	}

	r.Start()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(summaries)
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Expected at least 3 cycles, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	for i, s := range summaries {
		if s.CycleID == "" {
			t.Errorf("Summary %d has no cycle ID", i)
		}
	}
	if summaries[0].CycleID == summaries[1].CycleID {
		t.Error("Each cycle must get a fresh ID")
	}
}

func TestCounters_ConcurrentAdds(t *testing.T) {
	counts := newCounters()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				counts.Add("items_fetched", 1)
				counts.Add(fmt.Sprintf("worker_%d", i), 1)
			}
		}(i)
	}
	wg.Wait()

	snapshot := counts.Snapshot()
	if snapshot["items_fetched"] != 1000 {
		t.Errorf("Expected 1000, got %d", snapshot["items_fetched"])
	}
	if snapshot["worker_3"] != 100 {
		t.Errorf("Expected 100, got %d", snapshot["worker_3"])
	}
}
