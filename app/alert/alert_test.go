package alert

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
	"github.com/dropwatch/dropwatch/app/storage"
)

func TestUrgencyFor(t *testing.T) {
	cases := []struct {
		confidence float64
		expected   Urgency
	}{
		{0.95, UrgencyCritical},
		{0.9, UrgencyCritical},
		{0.89, UrgencyHigh},
		{0.75, UrgencyHigh},
		{0.74, UrgencyMedium},
		{0.6, UrgencyMedium},
		{0.59, UrgencyLow},
		{0, UrgencyLow},
	}

	for _, tc := range cases {
		if got := UrgencyFor(tc.confidence); got != tc.expected {
			t.Errorf("UrgencyFor(%v): expected %s, got %s", tc.confidence, tc.expected, got)
		}
	}
}

func TestNew(t *testing.T) {
	item := source.Item{SourceKind: source.KindFeed, URL: "https://example.com/a", Title: "Acme claim"}
	score := scoring.Result{Confidence: 0.92}
	emittedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := New(item, "fp-1", score, emittedAt)

	if a.ID == "" {
		t.Error("Expected a generated alert ID")
	}
	if a.Urgency != UrgencyCritical {
		t.Errorf("Expected critical urgency for 0.92, got %s", a.Urgency)
	}
	if a.Fingerprint != "fp-1" || !a.EmittedAt.Equal(emittedAt) {
		t.Errorf("Alert fields did not round-trip: %+v", a)
	}

	b := New(item, "fp-1", score, emittedAt)
	if a.ID == b.ID {
		t.Error("Each alert must get a unique ID")
	}
}

type recordingSink struct {
	alerts []Alert
	err    error
}

func (s *recordingSink) EmitAlert(_ context.Context, a Alert) error {
	s.alerts = append(s.alerts, a)
	return s.err
}

func TestMultiSink_AllSinksSeeTheAlert(t *testing.T) {
	failing := &recordingSink{err: errors.New("smtp down")}
	healthy := &recordingSink{}
	sink := MultiSink{failing, healthy}

	a := New(source.Item{Title: "Acme claim"}, "fp-1", scoring.Result{Confidence: 0.8}, time.Now())
	err := sink.EmitAlert(context.Background(), a)

	if err == nil {
		t.Error("Expected the failing sink's error to surface")
	}
	if len(failing.alerts) != 1 || len(healthy.alerts) != 1 {
		t.Error("Every sink must see the alert regardless of earlier failures")
	}
}

func TestMultiSink_NoSinks(t *testing.T) {
	if err := (MultiSink{}).EmitAlert(context.Background(), Alert{}); err != nil {
		t.Errorf("Empty sink list should be a no-op, got %v", err)
	}
}

func TestSQLiteSink_IdempotentOnFingerprint(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if _, _, err := storage.RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	sink := NewSQLiteSink(db)
	item := source.Item{SourceKind: source.KindFeed, URL: "https://example.com/a", Title: "Acme claim"}
	score := scoring.Result{Confidence: 0.8, MatchedOrganizations: []string{"Acme Protocol"}}

	first := New(item, "fp-1", score, time.Now())
	if err := sink.EmitAlert(context.Background(), first); err != nil {
		t.Fatalf("First emit failed: %v", err)
	}

	// Re-delivery of the same content must be a silent no-op
	second := New(item, "fp-1", score, time.Now())
	if err := sink.EmitAlert(context.Background(), second); err != nil {
		t.Fatalf("Repeat emit should be a no-op, got %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM alerts WHERE fingerprint = ?", "fp-1").Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected a single stored alert, got %d", count)
	}
}
