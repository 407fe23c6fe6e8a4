package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/ratelimit"
)

const (
	// Externally imposed cap on ids per user-lookup call.
	maxLookupBatch = 100

	searchEndpointKey = "social:search"
	lookupEndpointKey = "social:users"
)

// SocialSource queries a bearer-authenticated search API and resolves
// author handles through the batched user-lookup endpoint. Search results
// and resolved users are cached in their own tiers.
type SocialSource struct {
	cache       *cache.Manager
	coordinator *ratelimit.Coordinator
	cfg         SocialConfig
	userAgent   string
	now         func() time.Time
}

func NewSocialSource(cacheMgr *cache.Manager, coordinator *ratelimit.Coordinator, cfg SocialConfig, userAgent string) *SocialSource {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 50
	}
	return &SocialSource{
		cache:       cacheMgr,
		coordinator: coordinator,
		cfg:         cfg,
		userAgent:   userAgent,
		now:         time.Now,
	}
}

type searchResponse struct {
	Data []searchPost `json:"data"`
}

type searchPost struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

type userLookupResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

// Search runs one search query. The second return value reports whether the
// result document came from cache without a network call.
func (s *SocialSource) Search(ctx context.Context, query string) ([]Item, bool, error) {
	data, wasCached, err := s.cache.GetOrFetch(ctx, cache.TierSearchResult, "q:"+query, 0, func(ctx context.Context) ([]byte, string, error) {
		return s.fetchSearch(ctx, query)
	})
	if err != nil {
		return nil, false, fmt.Errorf("search %q failed: %w", query, err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, wasCached, fmt.Errorf("malformed search response for %q: %w", query, err)
	}

	handles := s.resolveAuthors(ctx, parsed.Data)

	fetchedAt := s.now().UTC()
	items := make([]Item, 0, len(parsed.Data))
	for _, post := range parsed.Data {
		if post.Text == "" {
			continue
		}
		publishedAt := post.CreatedAt
		items = append(items, Item{
			SourceKind:   KindSocial,
			URL:          postReference(post.ID),
			Body:         post.Text,
			PublishedAt:  &publishedAt,
			AuthorHandle: handles[post.AuthorID],
			FetchedAt:    fetchedAt,
		})
	}

	return items, wasCached, nil
}

// postReference builds the stable source reference for a social post. Posts
// carry no canonical URL, so the API's post id stands in for one in dedup
// records and alerts.
func postReference(id string) string {
	if id == "" {
		return ""
	}
	return "social:" + id
}

func (s *SocialSource) fetchSearch(ctx context.Context, query string) ([]byte, string, error) {
	u, err := url.Parse(s.cfg.SearchEndpoint)
	if err != nil {
		return nil, "", fmt.Errorf("invalid search endpoint: %w", err)
	}
	params := u.Query()
	params.Set("query", query)
	params.Set("max_results", strconv.Itoa(s.cfg.MaxResults))
	u.RawQuery = params.Encode()

	return s.authorizedGet(ctx, searchEndpointKey, u.String())
}

// resolveAuthors maps author ids to handles, consulting the social-user
// cache tier first and batching the remaining ids at the lookup cap.
// Lookup failures degrade to empty handles; they never fail the search.
func (s *SocialSource) resolveAuthors(ctx context.Context, posts []searchPost) map[string]string {
	handles := make(map[string]string)
	var missing []string
	seen := make(map[string]bool)

	for _, post := range posts {
		if post.AuthorID == "" || seen[post.AuthorID] {
			continue
		}
		seen[post.AuthorID] = true
		if cached, _, ok := s.cache.Get(cache.TierSocialUser, post.AuthorID); ok {
			handles[post.AuthorID] = string(cached)
		} else {
			missing = append(missing, post.AuthorID)
		}
	}

	for start := 0; start < len(missing); start += maxLookupBatch {
		end := start + maxLookupBatch
		if end > len(missing) {
			end = len(missing)
		}
		if err := s.lookupUsers(ctx, missing[start:end], handles); err != nil {
			slog.Warn("User lookup failed", "count", end-start, "error", err)
		}
	}

	return handles
}

func (s *SocialSource) lookupUsers(ctx context.Context, ids []string, handles map[string]string) error {
	u, err := url.Parse(s.cfg.LookupEndpoint)
	if err != nil {
		return fmt.Errorf("invalid lookup endpoint: %w", err)
	}
	params := u.Query()
	params.Set("ids", strings.Join(ids, ","))
	u.RawQuery = params.Encode()

	data, _, err := s.authorizedGet(ctx, lookupEndpointKey, u.String())
	if err != nil {
		return err
	}

	var parsed userLookupResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("malformed user lookup response: %w", err)
	}

	for _, user := range parsed.Data {
		handles[user.ID] = user.Username
		s.cache.Put(cache.TierSocialUser, user.ID, []byte(user.Username), 0, "")
	}

	return nil
}

func (s *SocialSource) authorizedGet(ctx context.Context, endpointKey, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Authorization", "Bearer "+s.cfg.BearerToken)

	resp, err := s.coordinator.Execute(ctx, endpointKey, req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return data, "", nil
}
