package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SiteProfile describes the source site's markup: where search lives, which
// selectors identify results and which host serves media. The defaults match
// the live site; a YAML file can override any field when the markup drifts.
type SiteProfile struct {
	BaseURL           string   `yaml:"base_url"`
	SearchPath        string   `yaml:"search_path"`        // appended to BaseURL, query is escaped and appended
	ContainerSelector string   `yaml:"container_selector"` // one element per result
	UsernameSelector  string   `yaml:"username_selector"`
	RedirectSelector  string   `yaml:"redirect_selector"` // link carrying the numeric id
	IDParam           string   `yaml:"id_param"`
	DetailPath        string   `yaml:"detail_path"` // "%s" is replaced by the numeric id
	NavWords          []string `yaml:"nav_words"`
	MaxFallbackLinks  int      `yaml:"max_fallback_links"`
	MediaHost         string   `yaml:"media_host"`
	PagePattern       string   `yaml:"page_pattern"` // "%s" is replaced by the quoted media host
}

// DefaultSiteProfile returns the built-in profile.
func DefaultSiteProfile() SiteProfile {
	return SiteProfile{
		BaseURL:           "https://monsnode.com/",
		SearchPath:        "search.php?search=",
		ContainerSelector: ".listn",
		UsernameSelector:  ".user a span",
		RedirectSelector:  `a[href*="redirect.php"]`,
		IDParam:           "v",
		DetailPath:        "twjn.php?v=%s",
		NavWords:          []string{"home", "menu"},
		MaxFallbackLinks:  20,
		MediaHost:         "video.twimg.com",
		PagePattern:       `https://%s/ext_tw_video/\d+/pu/vid/\d+x\d+/[^"'\s<>]+\.mp4[^"'\s<>]*`,
	}
}

// LoadSiteProfile reads a YAML profile from path over the defaults.
// An empty path returns the defaults.
func LoadSiteProfile(path string) (SiteProfile, error) {
	p := DefaultSiteProfile()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("profile: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	return p.Normalize(), nil
}

// Normalize fills blanks from the defaults and makes BaseURL end in "/".
func (p SiteProfile) Normalize() SiteProfile {
	d := DefaultSiteProfile()
	if p.BaseURL == "" {
		p.BaseURL = d.BaseURL
	}
	if !strings.HasSuffix(p.BaseURL, "/") {
		p.BaseURL += "/"
	}
	if p.SearchPath == "" {
		p.SearchPath = d.SearchPath
	}
	if p.ContainerSelector == "" {
		p.ContainerSelector = d.ContainerSelector
	}
	if p.UsernameSelector == "" {
		p.UsernameSelector = d.UsernameSelector
	}
	if p.RedirectSelector == "" {
		p.RedirectSelector = d.RedirectSelector
	}
	if p.IDParam == "" {
		p.IDParam = d.IDParam
	}
	if p.DetailPath == "" {
		p.DetailPath = d.DetailPath
	}
	if p.NavWords == nil {
		p.NavWords = d.NavWords
	}
	if p.MaxFallbackLinks <= 0 {
		p.MaxFallbackLinks = d.MaxFallbackLinks
	}
	if p.MediaHost == "" {
		p.MediaHost = d.MediaHost
	}
	if p.PagePattern == "" {
		p.PagePattern = d.PagePattern
	}
	return p
}

// DetailURL synthesizes the detail-page URL for a numeric content id.
func (p SiteProfile) DetailURL(id string) string {
	return p.BaseURL + strings.ReplaceAll(p.DetailPath, "%s", id)
}
