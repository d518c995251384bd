package main

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/anatolykoptev/go-kit/env"

	"github.com/anatolykoptev/go_vidbot/internal/delivery"
	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/store"
)

type appConfig struct {
	Engine   engine.Config
	Delivery delivery.Config
	Store    store.Config

	FetchMode   string // "http" or "browser"
	SiteProfile string
	SearchURL   string
	MediaHost   string
	PageSize    int

	RedisURL        string
	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheCleanup    time.Duration

	OutboxDir      string
	DownloadMaxAge time.Duration
	JanitorSpec    string

	MCPPort    string
	AdminAddr  string
	AdminToken string
}

func loadConfig() appConfig {
	downloadDir := env.Str("DOWNLOAD_DIR", "downloads")
	return appConfig{
		Engine: engine.Config{
			FetchTimeout:    env.Duration("FETCH_TIMEOUT", 30*time.Second),
			DownloadTimeout: env.Duration("DOWNLOAD_TIMEOUT", 60*time.Second),
			MaxRedirects:    env.Int("MAX_REDIRECTS", 5),
			MaxRetries:      uint(env.Int("MAX_RETRIES", 3)),
			RequestsPerSec:  env.Float("FETCH_RPS", 4),
			MaxBodyBytes:    int64(env.Int("MAX_BODY_BYTES", 8<<20)),
			DownloadDir:     downloadDir,
		},
		Delivery: delivery.Config{
			OpeningBalance: int64(env.Int("DEFAULT_SALDO", 1000)),
			WatchCost:      int64(env.Int("WATCH_COST", 500)),
			DownloadCost:   int64(env.Int("DOWNLOAD_COST", 1000)),
			HoldPolicy:     delivery.ParseHoldPolicy(env.Str("HOLD_POLICY", "forfeit")),
		},
		Store: store.Config{
			Driver:      env.Str("STORE_DRIVER", "sqlite"),
			Path:        env.Str("STORE_PATH", "vidbot.db"),
			DatabaseURL: env.Str("DATABASE_URL", ""),
		},

		FetchMode:   env.Str("FETCH_MODE", "http"),
		SiteProfile: env.Str("SITE_PROFILE", ""),
		SearchURL:   env.Str("SEARCH_URL", ""),
		MediaHost:   env.Str("MEDIA_HOST", ""),
		PageSize:    env.Int("PAGE_SIZE", 5),

		RedisURL:        env.Str("REDIS_URL", ""),
		CacheTTL:        env.Duration("CACHE_TTL", 10*time.Minute),
		CacheMaxEntries: env.Int("CACHE_MAX_ENTRIES", 1000),
		CacheCleanup:    env.Duration("CACHE_CLEANUP_INTERVAL", 300*time.Second),

		OutboxDir:      env.Str("OUTBOX_DIR", filepath.Join(downloadDir, "outbox")),
		DownloadMaxAge: env.Duration("DOWNLOAD_MAX_AGE", 6*time.Hour),
		JanitorSpec:    env.Str("JANITOR_SCHEDULE", "*/15 * * * *"),

		MCPPort:    env.Str("MCP_PORT", "8893"),
		AdminAddr:  env.Str("ADMIN_ADDR", ""),
		AdminToken: env.Str("ADMIN_TOKEN", ""),
	}
}

// textFetcher picks the page fetcher. "browser" presents a Chrome TLS
// fingerprint; anything else uses net/http.
func (c appConfig) textFetcher() (engine.TextFetcher, error) {
	if c.FetchMode == "browser" {
		return engine.NewBrowserFetcher(c.Engine)
	}
	return engine.NewFetcher(c.Engine), nil
}

// siteProfile loads the YAML profile, if any, and applies the env overrides.
func (c appConfig) siteProfile() (engine.SiteProfile, error) {
	p, err := engine.LoadSiteProfile(c.SiteProfile)
	if err != nil {
		return p, err
	}
	if c.SearchURL != "" {
		p.BaseURL = c.SearchURL
	}
	if c.MediaHost != "" {
		p.MediaHost = c.MediaHost
	}
	return p.Normalize(), nil
}

// validate rejects settings the server must not start with.
func (c appConfig) validate() error {
	if c.AdminAddr != "" && c.AdminToken == "" {
		return errors.New("ADMIN_ADDR is set but ADMIN_TOKEN is empty; the admin API can credit balances and needs a token")
	}
	return nil
}
