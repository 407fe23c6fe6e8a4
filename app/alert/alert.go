package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
)

// Urgency buckets derived from confidence.
type Urgency string

const (
	UrgencyCritical Urgency = "critical"
	UrgencyHigh     Urgency = "high"
	UrgencyMedium   Urgency = "medium"
	UrgencyLow      Urgency = "low"
)

// Alert is the emitted unit: a scored content item that cleared the
// confidence threshold. Ownership transfers to the sink on emission; the
// pipeline does not retain it afterward.
type Alert struct {
	ID          string
	Fingerprint string
	Item        source.Item
	Score       scoring.Result
	Urgency     Urgency
	EmittedAt   time.Time
}

func New(item source.Item, fingerprint string, score scoring.Result, emittedAt time.Time) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Item:        item,
		Score:       score,
		Urgency:     UrgencyFor(score.Confidence),
		EmittedAt:   emittedAt,
	}
}

func UrgencyFor(confidence float64) Urgency {
	switch {
	case confidence >= 0.9:
		return UrgencyCritical
	case confidence >= 0.75:
		return UrgencyHigh
	case confidence >= 0.6:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Sink receives emitted alerts. Delivery is at-least-once: implementations
// must be idempotent on the alert's fingerprint.
type Sink interface {
	EmitAlert(ctx context.Context, a Alert) error
}
