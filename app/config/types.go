package config

import (
	"time"

	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/dedup"
	"github.com/dropwatch/dropwatch/app/ratelimit"
	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
)

// CacheTier configures one cache partition in the rule-set file.
type CacheTier struct {
	TTL      int   `yaml:"ttl"` // seconds
	MaxBytes int64 `yaml:"max_bytes"`
}

// DedupSettings configures the deduplication window.
type DedupSettings struct {
	RetentionDays       int     `yaml:"retention_days"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// Config is the complete rule set: tracked organizations, keyword tiers,
// exclusion patterns, sources and resource budgets. Loaded once at startup
// into immutable structures; the pipeline core never reads files itself.
type Config struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	Organizations []scoring.Organization      `yaml:"organizations"`
	Keywords      scoring.KeywordTiers        `yaml:"keywords"`
	Exclusions    []scoring.ExclusionCategory `yaml:"exclusions"`
	ContextTerms  []string                    `yaml:"context_terms"`
	SourceTiers   []scoring.SourceTier        `yaml:"source_tiers"`
	OrgSimilarity float64                     `yaml:"org_similarity_threshold"`
	Proximity     int                         `yaml:"proximity_window"`

	Feeds  []source.FeedConfig `yaml:"feeds"`
	Social source.SocialConfig `yaml:"social"`

	Dedup      DedupSettings        `yaml:"dedup"`
	Cache      map[string]CacheTier `yaml:"cache"`
	RateLimits []ratelimit.Budget   `yaml:"rate_limits"`
}

// ScoringRules assembles the immutable rule set the scoring engine is
// built from.
func (c *Config) ScoringRules() *scoring.Rules {
	return &scoring.Rules{
		Keywords:        c.Keywords,
		Organizations:   c.Organizations,
		Exclusions:      c.Exclusions,
		ContextTerms:    c.ContextTerms,
		SourceTiers:     c.SourceTiers,
		OrgSimilarity:   c.OrgSimilarity,
		ProximityWindow: c.Proximity,
	}
}

// CachePolicies converts the configured tiers to cache manager policies.
// Unconfigured tiers keep the manager defaults.
func (c *Config) CachePolicies() map[cache.Tier]cache.TierPolicy {
	policies := make(map[cache.Tier]cache.TierPolicy, len(c.Cache))
	for name, tier := range c.Cache {
		policies[cache.Tier(name)] = cache.TierPolicy{
			TTL:      time.Duration(tier.TTL) * time.Second,
			MaxBytes: tier.MaxBytes,
		}
	}
	return policies
}

// DedupOptions converts the dedup settings to engine options.
func (c *Config) DedupOptions() dedup.Options {
	return dedup.Options{
		Retention:           time.Duration(c.Dedup.RetentionDays) * 24 * time.Hour,
		SimilarityThreshold: c.Dedup.SimilarityThreshold,
	}
}
