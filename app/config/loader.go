package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dropwatch/dropwatch/app/scoring"
)

const (
	defaultThreshold     = 0.6
	defaultRetentionDays = 30
)

// Load reads and validates the rule-set file. A rule set that fails to
// parse or validate is fatal to the process: the pipeline must never run
// with a partial rule set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}

	setDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid rule set %s: %w", path, err)
	}

	return &config, nil
}

func setDefaults(config *Config) {
	if config.ConfidenceThreshold == 0 {
		config.ConfidenceThreshold = defaultThreshold
	}
	if config.Dedup.RetentionDays == 0 {
		config.Dedup.RetentionDays = defaultRetentionDays
	}
	for i := range config.Organizations {
		if config.Organizations[i].Priority == "" {
			config.Organizations[i].Priority = scoring.TierMedium
		}
	}
}

func validate(config *Config) error {
	if config.ConfidenceThreshold <= 0 || config.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in (0,1], got %v", config.ConfidenceThreshold)
	}

	if len(config.Organizations) == 0 {
		return fmt.Errorf("at least one tracked organization is required")
	}
	for i, org := range config.Organizations {
		if org.Name == "" {
			return fmt.Errorf("organization %d has no name", i)
		}
		switch org.Priority {
		case scoring.TierHigh, scoring.TierMedium, scoring.TierLow:
		default:
			return fmt.Errorf("organization %s has invalid priority %q", org.Name, org.Priority)
		}
	}

	if len(config.Feeds) == 0 && len(config.Social.Queries) == 0 {
		return fmt.Errorf("no feeds and no social queries configured")
	}
	for i, feed := range config.Feeds {
		if feed.URL == "" {
			return fmt.Errorf("feed %d (%s) has no URL", i, feed.Name)
		}
	}
	if len(config.Social.Queries) > 0 && config.Social.SearchEndpoint == "" {
		return fmt.Errorf("social queries configured without a search endpoint")
	}

	if config.OrgSimilarity < 0 || config.OrgSimilarity > 1 {
		return fmt.Errorf("org_similarity_threshold must be in [0,1], got %v", config.OrgSimilarity)
	}
	if config.Dedup.SimilarityThreshold < 0 || config.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity_threshold must be in [0,1], got %v", config.Dedup.SimilarityThreshold)
	}

	return nil
}
