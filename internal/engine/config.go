package engine

import (
	"net/http"
	"time"
)

// Config holds fetch-layer configuration, injected from main.
type Config struct {
	FetchTimeout    time.Duration // per page fetch
	DownloadTimeout time.Duration // per media file
	MaxRedirects    int
	MaxRetries      uint
	RequestsPerSec  float64 // process-wide outbound limit; <= 0 disables
	MaxBodyBytes    int64
	DownloadDir     string
	HTTPClient      *http.Client // optional override, mostly for tests
}

// DefaultConfig returns the fetch defaults used when env leaves a value unset.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:    30 * time.Second,
		DownloadTimeout: 60 * time.Second,
		MaxRedirects:    5,
		MaxRetries:      3,
		RequestsPerSec:  4,
		MaxBodyBytes:    8 << 20,
		DownloadDir:     "downloads",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = d.DownloadTimeout
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = d.MaxRedirects
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.DownloadDir == "" {
		c.DownloadDir = d.DownloadDir
	}
	return c
}
