// Package resolve finds the directly fetchable media URL on a detail page.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Page is a fetched detail page, parsed once and shared by all strategies.
type Page struct {
	Doc *goquery.Document
	Raw string
}

// Strategy is one heuristic for locating the media URL. It returns "" when
// it has nothing.
type Strategy interface {
	Name() string
	Find(p *Page) string
}

// Resolver fetches detail pages and applies its strategies in strict order.
type Resolver struct {
	fetcher    engine.TextFetcher
	strategies []Strategy
	now        func() time.Time
}

// New builds the default chain for a site profile:
// anchor, video-source, script, page.
func New(f engine.TextFetcher, p engine.SiteProfile) (*Resolver, error) {
	p = p.Normalize()
	host := regexp.QuoteMeta(p.MediaHost)

	scriptRe, err := regexp.Compile(`https://` + host + `/[^"'\s]+\.mp4[^"'\s]*`)
	if err != nil {
		return nil, fmt.Errorf("resolve: script pattern: %w", err)
	}
	pageRe, err := regexp.Compile(strings.ReplaceAll(p.PagePattern, "%s", host))
	if err != nil {
		return nil, fmt.Errorf("resolve: page pattern: %w", err)
	}

	return NewWithStrategies(f,
		&AnchorStrategy{Host: p.MediaHost},
		VideoSourceStrategy{},
		&ScriptStrategy{Pattern: scriptRe},
		&PageStrategy{Pattern: pageRe},
	), nil
}

// NewWithStrategies builds a Resolver over an explicit chain.
func NewWithStrategies(f engine.TextFetcher, s ...Strategy) *Resolver {
	return &Resolver{fetcher: f, strategies: s, now: time.Now}
}

// Resolve fetches detailURL and returns the first media URL any strategy finds.
// ErrResolutionFailed means the page had none; fetch failures surface as the
// engine's upstream errors.
func (r *Resolver) Resolve(ctx context.Context, detailURL string) (engine.ResolvedMedia, error) {
	if strings.TrimSpace(detailURL) == "" {
		engine.IncrResolve("")
		return engine.ResolvedMedia{}, fmt.Errorf("resolve: empty detail url: %w", engine.ErrResolutionFailed)
	}
	body, err := r.fetcher.FetchText(ctx, detailURL)
	if err != nil {
		return engine.ResolvedMedia{}, fmt.Errorf("resolve %s: %w", detailURL, err)
	}
	m, ok := r.FromHTML(body)
	if !ok {
		slog.Info("media url not found", slog.String("detail_url", detailURL))
		return engine.ResolvedMedia{}, fmt.Errorf("resolve %s: %w", detailURL, engine.ErrResolutionFailed)
	}
	slog.Debug("media resolved", slog.String("detail_url", detailURL), slog.String("strategy", m.Strategy))
	return m, nil
}

// FromHTML runs the strategy chain over an already fetched page.
func (r *Resolver) FromHTML(body string) (engine.ResolvedMedia, bool) {
	node, err := html.Parse(strings.NewReader(body))
	if err != nil {
		engine.IncrResolve("")
		return engine.ResolvedMedia{}, false
	}
	p := &Page{Doc: goquery.NewDocumentFromNode(node), Raw: body}
	for _, s := range r.strategies {
		if u := strings.TrimSpace(s.Find(p)); u != "" {
			engine.IncrResolve(s.Name())
			return engine.ResolvedMedia{DirectURL: u, ResolvedAt: r.now(), Strategy: s.Name()}, true
		}
	}
	engine.IncrResolve("")
	return engine.ResolvedMedia{}, false
}

// AnchorStrategy matches an anchor whose href, or failing that its text,
// mentions both the media host and ".mp4".
type AnchorStrategy struct {
	Host string
}

func (a *AnchorStrategy) Name() string { return "anchor" }

func (a *AnchorStrategy) Find(p *Page) string {
	var found string
	p.Doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		if a.matches(href) {
			found = href
			return false
		}
		if text := strings.TrimSpace(s.Text()); a.matches(text) {
			found = text
			return false
		}
		return true
	})
	return found
}

func (a *AnchorStrategy) matches(s string) bool {
	return strings.Contains(s, a.Host) && strings.Contains(s, ".mp4")
}

// VideoSourceStrategy takes the first <video><source src>.
type VideoSourceStrategy struct{}

func (VideoSourceStrategy) Name() string { return "video-source" }

func (VideoSourceStrategy) Find(p *Page) string {
	var found string
	p.Doc.Find("video source[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found, _ = s.Attr("src")
		return strings.TrimSpace(found) == ""
	})
	return found
}

// ScriptStrategy scans inline script bodies.
type ScriptStrategy struct {
	Pattern *regexp.Regexp
}

func (s *ScriptStrategy) Name() string { return "script" }

func (s *ScriptStrategy) Find(p *Page) string {
	var found string
	p.Doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		found = s.Pattern.FindString(sel.Text())
		return found == ""
	})
	return found
}

// PageStrategy scans the raw page for a path-shaped media URL.
type PageStrategy struct {
	Pattern *regexp.Regexp
}

func (s *PageStrategy) Name() string { return "page" }

func (s *PageStrategy) Find(p *Page) string {
	return s.Pattern.FindString(p.Raw)
}
