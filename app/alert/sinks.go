package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// LogSink writes alerts to the structured log. Always enabled.
type LogSink struct{}

func (LogSink) EmitAlert(_ context.Context, a Alert) error {
	slog.Info("Alert",
		"urgency", string(a.Urgency),
		"confidence", a.Score.Confidence,
		"organizations", strings.Join(a.Score.MatchedOrganizations, ","),
		"title", a.Item.Title,
		"url", a.Item.URL,
		"fingerprint", a.Fingerprint)
	return nil
}

// MultiSink fans one alert out to several sinks. Every sink sees the alert
// even when an earlier one fails; failures are joined.
type MultiSink []Sink

func (m MultiSink) EmitAlert(ctx context.Context, a Alert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.EmitAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SQLiteSink persists alerts, idempotent on fingerprint: re-emitting the
// same content is a no-op, which makes at-least-once delivery safe.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(db *sql.DB) *SQLiteSink {
	return &SQLiteSink{db: db}
}

func (s *SQLiteSink) EmitAlert(ctx context.Context, a Alert) error {
	query, args, err := sq.Insert("alerts").
		Columns("id", "fingerprint", "source_kind", "url", "title", "confidence", "urgency", "matched_organizations", "emitted_at").
		Values(a.ID, a.Fingerprint, string(a.Item.SourceKind), a.Item.URL, a.Item.Title,
			a.Score.Confidence, string(a.Urgency), strings.Join(a.Score.MatchedOrganizations, ","), a.EmittedAt.UTC()).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build alert insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to store alert: %w", err)
	}

	return nil
}
