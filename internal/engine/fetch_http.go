package engine

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// TextFetcher fetches a page as text. Implemented by *Fetcher.
type TextFetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Fetcher performs outbound page fetches with a timeout, a redirect cap,
// retry with exponential backoff and a process-wide rate limit.
// It holds no per-user state and is safe for concurrent use.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewFetcher builds a Fetcher from cfg.
func NewFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = newFetchClient(cfg.FetchTimeout, cfg.MaxRedirects)
	}
	return &Fetcher{cfg: cfg, client: client, limiter: newLimiter(cfg.RequestsPerSec)}
}

// newLimiter returns a process-wide limiter, or nil when rps <= 0.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
}

// Client returns the underlying HTTP client (shared with the downloader).
func (f *Fetcher) Client() *http.Client { return f.client }

// newFetchClient creates an HTTP client with proper settings for scraping.
func newFetchClient(timeout time.Duration, maxRedirects int) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     60 * time.Second,
			TLSHandshakeTimeout: 15 * time.Second,
		},
		CheckRedirect: redirectLimit(maxRedirects),
	}
}

func redirectLimit(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		return nil
	}
}

// FetchText GETs rawURL and returns the body as a string.
// Failures are classified as ErrUpstreamTimeout or ErrUpstreamUnavailable.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (text string, err error) {
	metrics.FetchRequests.Add(1)
	defer func() {
		if err != nil {
			metrics.FetchErrors.Add(1)
			slog.Debug("fetch failed", slog.String("url", rawURL), slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
	defer cancel()

	resp, err := f.fetchWithRetry(ctx, rawURL)
	if err != nil {
		return "", classifyFetchError(err)
	}
	defer resp.Body.Close()

	body, err := readResponseBody(resp, f.cfg.MaxBodyBytes)
	if err != nil {
		return "", classifyFetchError(err)
	}
	return string(body), nil
}

// fetchWithRetry performs an HTTP GET with retry logic using exponential backoff.
func (f *Fetcher) fetchWithRetry(ctx context.Context, fetchURL string) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		setBrowserHeaders(req)

		resp, err := f.client.Do(req)
		if err != nil {
			if IsRetryable(err) && ctx.Err() == nil {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		if stealth.IsRetryableStatus(resp.StatusCode) {
			resp.Body.Close()
			return nil, &httpStatusError{StatusCode: resp.StatusCode}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, backoff.Permanent(&httpStatusError{StatusCode: resp.StatusCode})
		}

		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(f.cfg.MaxRetries),
		backoff.WithMaxElapsedTime(f.cfg.FetchTimeout),
	)
}

// setBrowserHeaders applies Chrome-like request headers.
// Accept-Encoding is left to net/http so gzip is decoded transparently.
func setBrowserHeaders(req *http.Request) {
	for k, v := range stealth.ChromeHeaders() {
		if strings.EqualFold(k, "accept-encoding") {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", stealth.RandomUserAgent())
}

// readResponseBody reads at most limit bytes, handling gzip if the server
// sent it without negotiation.
func readResponseBody(resp *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	return io.ReadAll(io.LimitReader(r, limit))
}
