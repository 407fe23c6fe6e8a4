package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/mmcdole/gofeed"

	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/ratelimit"
)

// Bodies shorter than this trigger an article-body fetch: many feeds carry
// only a teaser description.
const minBodyChars = 280

// FeedSource fetches and parses syndication feeds. Fetches go through the
// rate-limit coordinator and the feed cache tier; stored validators enable
// conditional requests so unchanged feeds cost a 304 instead of a body.
type FeedSource struct {
	cache       *cache.Manager
	coordinator *ratelimit.Coordinator
	converter   *md.Converter
	userAgent   string
	now         func() time.Time
}

func NewFeedSource(cacheMgr *cache.Manager, coordinator *ratelimit.Coordinator, userAgent string) *FeedSource {
	return &FeedSource{
		cache:       cacheMgr,
		coordinator: coordinator,
		converter:   md.NewConverter("", true, nil),
		userAgent:   userAgent,
		now:         time.Now,
	}
}

// Fetch returns the items of one feed. The second return value reports
// whether the feed document came from cache without a network call.
func (s *FeedSource) Fetch(ctx context.Context, fc FeedConfig) ([]Item, bool, error) {
	data, wasCached, err := s.cache.GetOrFetch(ctx, cache.TierFeed, fc.URL, 0, func(ctx context.Context) ([]byte, string, error) {
		return s.fetchFeed(ctx, fc.URL)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch feed %s: %w", fc.Name, err)
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, wasCached, fmt.Errorf("failed to parse feed %s: %w", fc.Name, err)
	}

	fetchedAt := s.now().UTC()
	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		items = append(items, s.normalizeEntry(entry, fetchedAt))
	}

	return items, wasCached, nil
}

// EnrichBody replaces a teaser-length body with readable text extracted
// from the linked article. Extracted bodies live in the article-body cache
// tier with its long TTL. Enrichment failures leave the item unchanged.
func (s *FeedSource) EnrichBody(ctx context.Context, item *Item) {
	if item.URL == "" || len(item.Body) >= minBodyChars {
		return
	}

	text, _, err := s.cache.GetOrFetch(ctx, cache.TierArticleBody, item.URL, 0, func(ctx context.Context) ([]byte, string, error) {
		return s.fetchArticleText(ctx, item.URL)
	})
	if err != nil {
		slog.Debug("Article body extraction skipped", "url", item.URL, "error", err)
		return
	}
	if len(text) > len(item.Body) {
		item.Body = string(text)
	}
}

func (s *FeedSource) fetchFeed(ctx context.Context, feedURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	// Conditional headers from the stored validator, even when the entry
	// itself has expired.
	if _, validator, ok := s.cache.Stale(cache.TierFeed, feedURL); ok && validator != "" {
		setConditionalHeader(req, validator)
	}

	resp, err := s.coordinator.Execute(ctx, feedEndpointKey(feedURL), req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		stale, validator, ok := s.cache.Stale(cache.TierFeed, feedURL)
		if !ok {
			return nil, "", fmt.Errorf("got 304 for %s without a cached copy", feedURL)
		}
		slog.Debug("Feed not modified", "url", feedURL)
		return stale, validator, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return data, responseValidator(resp), nil
}

func (s *FeedSource) normalizeEntry(entry *gofeed.Item, fetchedAt time.Time) Item {
	body := entry.Content
	if body == "" {
		body = entry.Description
	}
	if converted, err := s.converter.ConvertString(body); err == nil {
		body = converted
	}

	item := Item{
		SourceKind:  KindFeed,
		URL:         entry.Link,
		Title:       entry.Title,
		Body:        strings.TrimSpace(body),
		PublishedAt: entry.PublishedParsed,
		FetchedAt:   fetchedAt,
	}

	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		item.AuthorHandle = entry.Authors[0].Name
	}

	return item
}

// feedEndpointKey groups feeds by host so one slow or throttled publisher
// does not consume the budget of the others.
func feedEndpointKey(feedURL string) string {
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		return "feed:" + strings.ToLower(u.Host)
	}
	return "feed:unknown"
}

func setConditionalHeader(req *http.Request, validator string) {
	if strings.HasPrefix(validator, `"`) || strings.HasPrefix(validator, "W/") {
		req.Header.Set("If-None-Match", validator)
	} else {
		req.Header.Set("If-Modified-Since", validator)
	}
}

func responseValidator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}
