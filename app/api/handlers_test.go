package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/dedup"
	"github.com/dropwatch/dropwatch/app/pipeline"
)

func newTestServer(t *testing.T) (http.Handler, *Tracker) {
	t.Helper()

	tracker := NewTracker()
	mgr := cache.NewManager(nil)
	dedupEngine, err := dedup.NewEngine(dedup.NewMemoryStore(), dedup.Options{})
	if err != nil {
		t.Fatalf("Failed to build dedup engine: %v", err)
	}

	handler := NewHandler(tracker, mgr, dedupEngine)
	return NewServer(handler), tracker
}

func doGet(t *testing.T, srv http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	srv.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to parse response for %s: %v", path, err)
		}
	}
	return w, body
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	w, body := doGet(t, srv, "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
	if body["version"] == "" {
		t.Error("Expected a version string")
	}
}

func TestGetStats(t *testing.T) {
	srv, tracker := newTestServer(t)

	tracker.ReportCycleProgress(pipeline.PhaseFetchComplete, map[string]int{"items_fetched": 7})

	w, body := doGet(t, srv, "/stats")

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if body["phase"] != pipeline.PhaseFetchComplete {
		t.Errorf("Expected phase %s, got %v", pipeline.PhaseFetchComplete, body["phase"])
	}

	counters, ok := body["counters"].(map[string]any)
	if !ok || counters["items_fetched"] != float64(7) {
		t.Errorf("Expected items_fetched 7, got %v", body["counters"])
	}

	cacheStats, ok := body["cache"].(map[string]any)
	if !ok {
		t.Fatalf("Expected cache stats, got %v", body["cache"])
	}
	if _, ok := cacheStats["feed"]; !ok {
		t.Error("Expected a stats entry for the feed tier")
	}
	if _, ok := body["dedup_window"]; !ok {
		t.Error("Expected the dedup window size")
	}
}

func TestGetLatestCycle_NoCycleYet(t *testing.T) {
	srv, _ := newTestServer(t)

	w, _ := doGet(t, srv, "/cycles/latest")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before the first cycle, got %d", w.Code)
	}
}

func TestGetLatestCycle(t *testing.T) {
	srv, tracker := newTestServer(t)

	tracker.RecordSummary(&pipeline.Summary{
		CycleID:    "cycle-1",
		StartedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC),
		Counters:   map[string]int{"alerts_emitted": 2},
	})

	w, body := doGet(t, srv, "/cycles/latest")

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if body["cycle_id"] != "cycle-1" {
		t.Errorf("Expected cycle-1, got %v", body["cycle_id"])
	}
	if body["incomplete"] != false {
		t.Errorf("Expected incomplete false, got %v", body["incomplete"])
	}
	counters, ok := body["counters"].(map[string]any)
	if !ok || counters["alerts_emitted"] != float64(2) {
		t.Errorf("Expected alerts_emitted 2, got %v", body["counters"])
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown route, got %d", w.Code)
	}
}
