package source

import "time"

// Kind discriminates where an item came from.
type Kind string

const (
	KindFeed   Kind = "feed"
	KindSocial Kind = "social"
)

// Item is one ingested unit of content, immutable once constructed. It is
// owned by the pipeline run that created it and discarded after scoring
// unless it becomes part of an emitted alert.
type Item struct {
	SourceKind   Kind
	URL          string
	Title        string
	Body         string
	PublishedAt  *time.Time
	AuthorHandle string
	FetchedAt    time.Time
}

// FeedConfig describes one syndication feed to poll.
type FeedConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SocialConfig describes the social-search API: a bearer-authenticated
// search endpoint plus a batched user-identity lookup endpoint.
type SocialConfig struct {
	SearchEndpoint string   `yaml:"search_endpoint"`
	LookupEndpoint string   `yaml:"lookup_endpoint"`
	Queries        []string `yaml:"queries"`
	MaxResults     int      `yaml:"max_results"`

	// BearerToken is injected from process configuration, never from the
	// rule-set file.
	BearerToken string `yaml:"-"`
}
