package scoring

// Organization is a tracked project whose token-distribution events the
// pipeline watches for. Aliases and ticker tokens widen exact matching;
// per-organization exclusions knock out known false-positive contexts.
type Organization struct {
	Name       string   `yaml:"name"`
	Aliases    []string `yaml:"aliases"`
	Tokens     []string `yaml:"tokens"`
	Priority   string   `yaml:"priority"` // high, medium, low
	Exclusions []string `yaml:"exclusions"`
}

// KeywordTiers groups phrase patterns by signal value.
type KeywordTiers struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
	Low    []string `yaml:"low"`
}

// ExclusionCategory is a named group of negative patterns
// (testing/staging language, retrospectives, unrelated-domain collisions).
type ExclusionCategory struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// SourceTier classifies a known source domain or social handle.
type SourceTier struct {
	Domain string `yaml:"domain"`
	Tier   string `yaml:"tier"` // high, medium
}

// Rules is the immutable rule set an Engine is built from. Loaded once per
// process; never mutated during a cycle so scoring stays deterministic.
type Rules struct {
	Keywords        KeywordTiers        `yaml:"keywords"`
	Organizations   []Organization      `yaml:"organizations"`
	Exclusions      []ExclusionCategory `yaml:"exclusions"`
	ContextTerms    []string            `yaml:"context_terms"`
	SourceTiers     []SourceTier        `yaml:"source_tiers"`
	OrgSimilarity   float64             `yaml:"org_similarity_threshold"`
	ProximityWindow int                 `yaml:"proximity_window"`
}

// Input carries the text and metadata of one content item.
type Input struct {
	Title        string
	Body         string
	URL          string
	SourceKind   string // feed or social
	AuthorHandle string
}

// Signal is one scored contribution, kept for auditability.
type Signal struct {
	Name   string
	Detail string
	Points float64
}

// Result is the full scoring outcome for one item.
type Result struct {
	Confidence            float64
	MatchedOrganizations  []string
	MatchedKeywordsByTier map[string][]string
	ExclusionHits         []string
	Explanation           []Signal
}

const (
	TierHigh   = "high"
	TierMedium = "medium"
	TierLow    = "low"
)
