package scoring

import (
	"fmt"
	"regexp"
	"time"

	"github.com/araddon/dateparse"
)

const (
	pointsDateNear   = 12.0
	pointsDateSoon   = 6.0
	pointsDateFar    = 2.0
	pointsDatePast   = -10.0
	nearFutureDays   = 7
	soonFutureDays   = 30
	maxDateCandidate = 5
)

var (
	isoDateRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)

	monthDateRe = regexp.MustCompile(`(?i)\b(?:january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sept?|oct|nov|dec)\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?\b`)

	ordinalSuffixRe = regexp.MustCompile(`(?i)(\d{1,2})(?:st|nd|rd|th)\b`)
)

// temporalSignals detects immediacy language, retrospective language and
// explicit dates. Parsed dates get a banded adjustment by distance from now:
// near-future scores highest, far-future lower, past negative.
func (e *Engine) temporalSignals(combined string) []Signal {
	var signals []Signal

	for _, pp := range e.immediacy {
		if pp.re.MatchString(combined) {
			signals = append(signals, Signal{Name: "temporal:immediacy", Detail: pp.phrase, Points: pointsImmediacy})
		}
	}

	for _, pp := range e.past {
		if pp.re.MatchString(combined) {
			signals = append(signals, Signal{Name: "temporal:past", Detail: pp.phrase, Points: pointsPastPhrase})
		}
	}

	if sig, ok := e.explicitDateSignal(combined); ok {
		signals = append(signals, sig)
	}

	return signals
}

func (e *Engine) explicitDateSignal(combined string) (Signal, bool) {
	candidates := isoDateRe.FindAllString(combined, maxDateCandidate)
	candidates = append(candidates, monthDateRe.FindAllString(combined, maxDateCandidate)...)

	now := e.now().UTC()
	for _, candidate := range candidates {
		cleaned := ordinalSuffixRe.ReplaceAllString(candidate, "$1")
		parsed, err := dateparse.ParseIn(cleaned, time.UTC)
		if err != nil {
			continue
		}
		if parsed.Year() == 0 {
			parsed = parsed.AddDate(now.Year(), 0, 0)
		}

		days := int(parsed.Sub(now).Hours() / 24)
		var pts float64
		var band string
		switch {
		case days < 0:
			pts, band = pointsDatePast, "past"
		case days <= nearFutureDays:
			pts, band = pointsDateNear, "near-future"
		case days <= soonFutureDays:
			pts, band = pointsDateSoon, "upcoming"
		default:
			pts, band = pointsDateFar, "far-future"
		}

		detail := fmt.Sprintf("%s (%s, %+dd)", candidate, band, days)
		return Signal{Name: "temporal:date", Detail: detail, Points: pts}, true
	}

	return Signal{}, false
}
