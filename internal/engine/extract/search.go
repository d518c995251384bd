package extract

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Searcher fetches the site's search page for a query and extracts results.
type Searcher struct {
	fetcher   engine.TextFetcher
	extractor *Extractor
	cache     *engine.Cache // nil disables caching
	profile   engine.SiteProfile
}

// NewSearcher wires a fetcher, an extractor and an optional cache.
func NewSearcher(f engine.TextFetcher, x *Extractor, c *engine.Cache, p engine.SiteProfile) *Searcher {
	return &Searcher{fetcher: f, extractor: x, cache: c, profile: p.Normalize()}
}

// SearchURL builds the search-page URL for query.
func (s *Searcher) SearchURL(query string) string {
	return s.profile.BaseURL + s.profile.SearchPath + url.QueryEscape(query)
}

// Search returns extracted results for query. Zero results is a nil error
// with an empty slice; only upstream failures are returned as errors.
func (s *Searcher) Search(ctx context.Context, query string) ([]engine.SearchResult, error) {
	query = strings.TrimSpace(query)
	engine.IncrSearch()

	key := engine.CacheKey("search", s.profile.BaseURL, strings.ToLower(query))
	if cached, ok := engine.CacheLoadJSON[[]engine.SearchResult](ctx, s.cache, key); ok {
		slog.Debug("search: cache hit", slog.String("query", query), slog.Int("count", len(cached)))
		return cached, nil
	}

	body, err := s.fetcher.FetchText(ctx, s.SearchURL(query))
	if err != nil {
		return nil, err
	}

	results := s.extractor.Extract(body, query)
	if len(results) == 0 {
		engine.IncrSearchEmpty()
		return nil, nil
	}
	engine.CacheStoreJSON(ctx, s.cache, key, results)
	slog.Info("search complete", slog.String("query", query), slog.Int("results", len(results)))
	return results, nil
}
