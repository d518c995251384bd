// Package extract turns a search-results page into an ordered list of
// candidate items using a chain of named strategies.
package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Strategy is one way of pulling results out of a parsed page.
// A strategy that finds nothing returns nil and the next one is tried.
type Strategy interface {
	Name() string
	Extract(doc *goquery.Document) []engine.SearchResult
}

// Extractor runs its strategies in order and keeps the first non-empty result.
type Extractor struct {
	strategies []Strategy
}

// New builds the default chain for a site profile: container, then links.
func New(p engine.SiteProfile) *Extractor {
	p = p.Normalize()
	return NewWithStrategies(
		&ContainerStrategy{Profile: p},
		&LinkStrategy{Profile: p},
	)
}

// NewWithStrategies builds an Extractor over an explicit chain.
func NewWithStrategies(s ...Strategy) *Extractor {
	return &Extractor{strategies: s}
}

// Extract parses body and returns results in document order.
// It never fails: unparsable input or a panicking selector yields nil.
func (e *Extractor) Extract(body, query string) (results []engine.SearchResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("extract: strategy panicked", slog.String("query", query), slog.Any("panic", r))
			results = nil
		}
	}()

	if strings.TrimSpace(body) == "" {
		return nil
	}
	node, err := html.Parse(strings.NewReader(body))
	if err != nil {
		slog.Debug("extract: parse failed", slog.Any("error", err))
		return nil
	}
	doc := goquery.NewDocumentFromNode(node)

	for _, s := range e.strategies {
		if out := s.Extract(doc); len(out) > 0 {
			slog.Debug("extract: strategy matched",
				slog.String("strategy", s.Name()),
				slog.String("query", query),
				slog.Int("count", len(out)))
			return out
		}
	}
	return nil
}

// ContainerStrategy reads the site's structured result cards.
type ContainerStrategy struct {
	Profile engine.SiteProfile
}

func (c *ContainerStrategy) Name() string { return "container" }

func (c *ContainerStrategy) Extract(doc *goquery.Document) []engine.SearchResult {
	idRe := regexp.MustCompile(`[?&]` + regexp.QuoteMeta(c.Profile.IDParam) + `=(\d+)`)

	var results []engine.SearchResult
	doc.Find(c.Profile.ContainerSelector).Each(func(i int, s *goquery.Selection) {
		username := strings.TrimSpace(s.Find(c.Profile.UsernameSelector).Text())
		img := s.Find("img").First()
		thumb, _ := img.Attr("src")
		alt, _ := img.Attr("alt")
		alt = strings.TrimSpace(alt)

		var videoID, detail string
		if href, ok := s.Find(c.Profile.RedirectSelector).First().Attr("href"); ok {
			if m := idRe.FindStringSubmatch(href); m != nil {
				videoID = m[1]
				detail = c.Profile.DetailURL(videoID)
			}
		}

		id, _ := s.Attr("id")
		if id == "" {
			id = fmt.Sprintf("result_%d", i)
		}

		title := alt
		if title == "" {
			title = username
		}
		if title == "" {
			title = fmt.Sprintf("Video %d", i+1)
		}

		results = append(results, engine.SearchResult{
			ID:            id,
			Title:         title,
			Username:      username,
			ThumbnailURL:  thumb,
			DetailURL:     detail,
			SourceVideoID: videoID,
			Category:      engine.DefaultCategory,
		})
	})
	return results
}

// LinkStrategy is the generic fallback: any anchor with link-like text.
type LinkStrategy struct {
	Profile engine.SiteProfile
}

func (l *LinkStrategy) Name() string { return "links" }

func (l *LinkStrategy) Extract(doc *goquery.Document) []engine.SearchResult {
	base, _ := url.Parse(l.Profile.BaseURL)
	limit := l.Profile.MaxFallbackLinks

	var results []engine.SearchResult
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || !l.keep(text, href) {
			return true
		}
		results = append(results, engine.SearchResult{
			ID:        fmt.Sprintf("result_%d", len(results)),
			Title:     text,
			DetailURL: absolute(base, href),
			Category:  engine.DefaultCategory,
		})
		return len(results) < limit
	})
	return results
}

func (l *LinkStrategy) keep(text, href string) bool {
	n := utf8.RuneCountInString(text)
	if n < 6 || n > 199 {
		return false
	}
	if strings.Contains(strings.ToLower(href), "javascript:") {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range l.Profile.NavWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	return true
}

// absolute resolves href against base; unparsable hrefs are returned as-is.
func absolute(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil || ref.IsAbs() {
		return href
	}
	return base.ResolveReference(ref).String()
}
