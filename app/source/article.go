package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	readability "codeberg.org/readeck/go-readability"
)

// fetchArticleText downloads an article page and extracts its readable
// text. The extracted text, not the raw HTML, is what gets cached: the
// article-body tier exists to feed the scoring engine, not to archive pages.
func (s *FeedSource) fetchArticleText(ctx context.Context, articleURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.coordinator.Execute(ctx, feedEndpointKey(articleURL), req)
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

	article, err := readability.FromReader(strings.NewReader(string(data)), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to extract content: %w", err)
	}
	if article.Content == "" {
		return nil, "", fmt.Errorf("no content extracted from %s", articleURL)
	}

	text := article.Content
	if converted, err := s.converter.ConvertString(text); err == nil {
		text = converted
	}

	return []byte(strings.TrimSpace(text)), responseValidator(resp), nil
}
