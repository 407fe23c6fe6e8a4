package scoring

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dropwatch/dropwatch/app/textutil"
)

// Point values for individual signals. Raw points are divided by scoreScale
// after calibration to produce the final [0,1] confidence.
const (
	pointsKeywordHigh   = 30.0
	pointsKeywordMedium = 15.0
	pointsKeywordLow    = 5.0

	pointsOrgHigh   = 25.0
	pointsOrgMedium = 15.0
	pointsOrgLow    = 8.0

	fuzzyOrgFactor = 0.6
	titleWeight    = 1.5

	pointsProximity    = 10.0
	pointsImmediacy    = 8.0
	pointsPastPhrase   = -8.0
	pointsSourceHigh   = 5.0
	pointsSourceMedium = 2.0

	exclusionPenaltyHard = -12.0
	exclusionPenaltySoft = -4.0

	agreementBoost    = 0.10
	dampenFactor      = 0.5
	dominancePenalty  = 0.3
	dampenRawMinimum  = 40.0
	scoreScale        = 100.0
	defaultSimilarity = 0.85
	defaultProximity  = 200
)

type phrasePattern struct {
	phrase string
	re     *regexp.Regexp
}

type orgMatcher struct {
	org        Organization
	candidates []string
	patterns   []phrasePattern
	exclusions []phrasePattern
}

// Engine scores content items against an immutable rule set.
// Score is deterministic and side-effect free for a fixed clock.
type Engine struct {
	rules       *Rules
	keywords    map[string][]phrasePattern
	orgs        []orgMatcher
	exclusions  map[string][]phrasePattern
	contexts    []phrasePattern
	immediacy   []phrasePattern
	past        []phrasePattern
	sourceTiers map[string]string
	similarity  float64
	proximity   int
	now         func() time.Time
}

var defaultImmediacyPhrases = []string{
	"live now", "now live", "is live", "is now live", "claim now",
	"open now", "now open", "starting now", "just launched", "goes live today",
	"claims are open", "snapshot taken",
}

var defaultPastPhrases = []string{
	"last year", "last month", "looking back", "recap", "retrospective",
	"has ended", "ended on", "concluded", "wrapped up", "was distributed",
}

func NewEngine(rules *Rules) *Engine {
	e := &Engine{
		rules:       rules,
		keywords:    make(map[string][]phrasePattern),
		exclusions:  make(map[string][]phrasePattern),
		sourceTiers: make(map[string]string),
		similarity:  rules.OrgSimilarity,
		proximity:   rules.ProximityWindow,
		now:         time.Now,
	}

	if e.similarity <= 0 {
		e.similarity = defaultSimilarity
	}
	if e.proximity <= 0 {
		e.proximity = defaultProximity
	}

	e.keywords[TierHigh] = compilePhrases(rules.Keywords.High)
	e.keywords[TierMedium] = compilePhrases(rules.Keywords.Medium)
	e.keywords[TierLow] = compilePhrases(rules.Keywords.Low)

	for _, org := range rules.Organizations {
		candidates := append([]string{org.Name}, org.Aliases...)
		names := append(append([]string{}, candidates...), org.Tokens...)
		e.orgs = append(e.orgs, orgMatcher{
			org:        org,
			candidates: candidates,
			patterns:   compilePhrases(names),
			exclusions: compilePhrases(org.Exclusions),
		})
	}

	for _, cat := range rules.Exclusions {
		e.exclusions[cat.Name] = compilePhrases(cat.Patterns)
	}

	e.contexts = compilePhrases(rules.ContextTerms)
	e.immediacy = compilePhrases(defaultImmediacyPhrases)
	e.past = compilePhrases(defaultPastPhrases)

	for _, st := range rules.SourceTiers {
		e.sourceTiers[strings.ToLower(st.Domain)] = st.Tier
	}

	return e
}

// Score evaluates one item. The returned Result carries the complete signal
// breakdown; downstream consumers rely on it to audit the decision.
func (e *Engine) Score(in Input) Result {
	combined := in.Title + "\n\n" + in.Body
	titleLen := len(in.Title)

	res := Result{
		MatchedKeywordsByTier: make(map[string][]string),
	}

	var signals []Signal
	var kwIndexes, orgIndexes []int
	var keywordPoints, exclusionPoints float64
	highHits := 0

	// Keyword tiers
	for _, tier := range []string{TierHigh, TierMedium, TierLow} {
		base := keywordTierPoints(tier)
		for _, pp := range e.keywords[tier] {
			loc := pp.re.FindStringIndex(combined)
			if loc == nil {
				continue
			}
			pts := base
			detail := pp.phrase
			if loc[0] < titleLen {
				pts *= titleWeight
				detail += " (title)"
			}
			if tier == TierHigh {
				highHits++
			}
			keywordPoints += pts
			kwIndexes = append(kwIndexes, loc[0])
			res.MatchedKeywordsByTier[tier] = append(res.MatchedKeywordsByTier[tier], pp.phrase)
			signals = append(signals, Signal{Name: "keyword:" + tier, Detail: detail, Points: pts})
		}
	}

	// Organization matching
	words := splitWords(combined)
	for _, om := range e.orgs {
		idx, detail, fuzzy, matched := e.matchOrganization(om, combined, words)
		if !matched {
			continue
		}

		pts := orgPriorityPoints(om.org.Priority)
		if fuzzy {
			pts *= fuzzyOrgFactor
		}
		if idx < titleLen {
			pts *= titleWeight
			detail += " (title)"
		}

		orgIndexes = append(orgIndexes, idx)
		res.MatchedOrganizations = append(res.MatchedOrganizations, om.org.Name)
		signals = append(signals, Signal{Name: "organization", Detail: detail, Points: pts})

		for _, xp := range om.exclusions {
			if xp.re.MatchString(combined) {
				hit := fmt.Sprintf("org/%s: %s", om.org.Name, xp.phrase)
				res.ExclusionHits = append(res.ExclusionHits, hit)
				exclusionPoints += exclusionPenaltyHard
				signals = append(signals, Signal{Name: "exclusion:org", Detail: hit, Points: exclusionPenaltyHard})
			}
		}
	}

	// Proximity bonus for co-located keyword and organization matches
	if dist, ok := closestDistance(kwIndexes, orgIndexes); ok && dist <= e.proximity {
		signals = append(signals, Signal{
			Name:   "proximity",
			Detail: fmt.Sprintf("keyword and organization within %d chars", dist),
			Points: pointsProximity,
		})
	}

	// Temporal signals
	signals = append(signals, e.temporalSignals(combined)...)

	// Source reliability
	if sig, ok := e.sourceSignal(in); ok {
		signals = append(signals, sig)
	}

	// Categorized exclusion patterns; softer when independent
	// domain-relevant context exists elsewhere in the text
	hasContext := false
	for _, pp := range e.contexts {
		if pp.re.MatchString(combined) {
			hasContext = true
			break
		}
	}
	for _, cat := range e.rules.Exclusions {
		for _, pp := range e.exclusions[cat.Name] {
			if !pp.re.MatchString(combined) {
				continue
			}
			penalty := exclusionPenaltyHard
			if hasContext {
				penalty = exclusionPenaltySoft
			}
			hit := fmt.Sprintf("%s: %s", cat.Name, pp.phrase)
			res.ExclusionHits = append(res.ExclusionHits, hit)
			exclusionPoints += penalty
			signals = append(signals, Signal{Name: "exclusion:" + cat.Name, Detail: pp.phrase, Points: penalty})
		}
	}

	// Calibration pass
	raw := 0.0
	for _, s := range signals {
		raw += s.Points
	}

	orgMatched := len(res.MatchedOrganizations) > 0
	keywordMatched := len(kwIndexes) > 0

	if highHits >= 2 && orgMatched && raw > 0 {
		delta := raw * agreementBoost
		signals = append(signals, Signal{Name: "calibration", Detail: "multiple high-value signals agree", Points: delta})
		raw += delta
	}
	if raw >= dampenRawMinimum && (!orgMatched || !keywordMatched) {
		delta := -raw * dampenFactor
		signals = append(signals, Signal{Name: "calibration", Detail: "required signal missing", Points: delta})
		raw += delta
	}
	if raw > 0 && len(res.ExclusionHits) >= 2 && -exclusionPoints >= keywordPoints {
		delta := -raw * (1 - dominancePenalty)
		signals = append(signals, Signal{Name: "calibration", Detail: "exclusion signals dominate", Points: delta})
		raw += delta
	}

	res.Explanation = signals
	res.Confidence = clamp01(raw / scoreScale)

	return res
}

func (e *Engine) matchOrganization(om orgMatcher, combined string, words []word) (int, string, bool, bool) {
	for _, pp := range om.patterns {
		if loc := pp.re.FindStringIndex(combined); loc != nil {
			return loc[0], pp.phrase, false, true
		}
	}

	// Fuzzy pass: compare each candidate name against same-length word
	// windows of the text.
	for _, candidate := range om.candidates {
		target := strings.ToLower(candidate)
		n := len(strings.Fields(target))
		if n == 0 {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := joinWords(words[i : i+n])
			if textutil.LengthRatio(target, window) < e.similarity {
				continue
			}
			if sim := textutil.Similarity(target, window); sim >= e.similarity {
				detail := fmt.Sprintf("%s ~ %q (%.2f)", candidate, window, sim)
				return words[i].offset, detail, true, true
			}
		}
	}

	return 0, "", false, false
}

func (e *Engine) sourceSignal(in Input) (Signal, bool) {
	var keys []string
	if in.URL != "" {
		if u, err := url.Parse(in.URL); err == nil && u.Host != "" {
			keys = append(keys, strings.TrimPrefix(strings.ToLower(u.Host), "www."))
		}
	}
	if in.SourceKind == "social" && in.AuthorHandle != "" {
		keys = append(keys, "@"+strings.ToLower(strings.TrimPrefix(in.AuthorHandle, "@")))
	}

	for _, key := range keys {
		switch e.sourceTiers[key] {
		case TierHigh:
			return Signal{Name: "source", Detail: key, Points: pointsSourceHigh}, true
		case TierMedium:
			return Signal{Name: "source", Detail: key, Points: pointsSourceMedium}, true
		}
	}
	return Signal{}, false
}

func keywordTierPoints(tier string) float64 {
	switch tier {
	case TierHigh:
		return pointsKeywordHigh
	case TierMedium:
		return pointsKeywordMedium
	default:
		return pointsKeywordLow
	}
}

func orgPriorityPoints(priority string) float64 {
	switch priority {
	case TierHigh:
		return pointsOrgHigh
	case TierMedium:
		return pointsOrgMedium
	default:
		return pointsOrgLow
	}
}

func compilePhrases(phrases []string) []phrasePattern {
	patterns := make([]phrasePattern, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		expr := `(?i)\b` + strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s+`) + `\b`
		patterns = append(patterns, phrasePattern{phrase: p, re: regexp.MustCompile(expr)})
	}
	return patterns
}

type word struct {
	text   string
	offset int
}

func splitWords(s string) []word {
	lower := strings.ToLower(s)
	var words []word
	start := -1
	for i, r := range lower {
		isSep := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSep {
			if start >= 0 {
				words = append(words, word{text: lower[start:i], offset: start})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, word{text: lower[start:], offset: start})
	}
	return words
}

func joinWords(ws []word) string {
	parts := make([]string, len(ws))
	for i, w := range ws {
		parts[i] = strings.TrimFunc(w.text, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
	}
	return strings.Join(parts, " ")
}

func closestDistance(a, b []int) (int, bool) {
	if len(a) == 0 || len(b) == 0 {
		return 0, false
	}
	best := -1
	for _, x := range a {
		for _, y := range b {
			d := x - y
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
