package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	stealth "github.com/anatolykoptev/go-stealth"
	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"golang.org/x/time/rate"
)

// BrowserFetcher is a TextFetcher that presents a Chrome 131 TLS fingerprint
// (JA3) instead of Go's. Use it when the site rejects the default handshake.
// Redirects are followed by hand so the same cap applies as for Fetcher.
type BrowserFetcher struct {
	cfg     Config
	client  tls_client.HttpClient
	limiter *rate.Limiter
}

// NewBrowserFetcher creates a fetcher that impersonates Chrome 131.
func NewBrowserFetcher(cfg Config) (*BrowserFetcher, error) {
	cfg = cfg.withDefaults()
	opts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(cfg.FetchTimeout.Seconds())),
		tls_client.WithClientProfile(profiles.Chrome_131),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	}
	client, err := tls_client.NewHttpClient(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("tls-client init: %w", err)
	}
	return &BrowserFetcher{cfg: cfg, client: client, limiter: newLimiter(cfg.RequestsPerSec)}, nil
}

// FetchText GETs rawURL through the fingerprinted client.
func (bf *BrowserFetcher) FetchText(ctx context.Context, rawURL string) (text string, err error) {
	metrics.FetchRequests.Add(1)
	defer func() {
		if err != nil {
			metrics.FetchErrors.Add(1)
			slog.Debug("browser fetch failed", slog.String("url", rawURL), slog.Any("error", err))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, bf.cfg.FetchTimeout)
	defer cancel()

	rc := DefaultRetryConfig
	rc.MaxRetries = int(bf.cfg.MaxRetries) - 1
	body, err := RetryDo(ctx, rc, func() ([]byte, error) {
		return bf.follow(ctx, rawURL)
	})
	if err != nil {
		return "", classifyFetchError(err)
	}
	return string(body), nil
}

// follow GETs rawURL and walks up to MaxRedirects Location hops.
func (bf *BrowserFetcher) follow(ctx context.Context, rawURL string) ([]byte, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		if bf.limiter != nil {
			if err := bf.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, status, location, err := bf.do(ctx, current)
		if err != nil {
			return nil, err
		}
		switch {
		case status >= 300 && status < 400 && location != "":
			if hop >= bf.cfg.MaxRedirects {
				return nil, fmt.Errorf("stopped after %d redirects", bf.cfg.MaxRedirects)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return nil, err
			}
			current = next
		case status < 200 || status >= 400:
			return nil, &httpStatusError{StatusCode: status}
		default:
			return body, nil
		}
	}
}

func (bf *BrowserFetcher) do(ctx context.Context, rawURL string) (body []byte, status int, location string, err error) {
	req, err := fhttp.NewRequestWithContext(ctx, fhttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range stealth.ChromeHeaders() {
		if strings.EqualFold(k, "accept-encoding") {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("user-agent", stealth.RandomUserAgent())
	// Chrome-like header order matters for fingerprinting
	req.Header[fhttp.HeaderOrderKey] = []string{
		"accept",
		"accept-language",
		"referer",
		"cookie",
		"user-agent",
	}

	resp, err := bf.client.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, bf.cfg.MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}
	return data, resp.StatusCode, resp.Header.Get("Location"), nil
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bad redirect location %q: %w", location, err)
	}
	return b.ResolveReference(l).String(), nil
}
