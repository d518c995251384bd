package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks operational counters across the bot.
var metrics struct {
	SearchRequests     atomic.Int64
	SearchEmpty        atomic.Int64
	FetchRequests      atomic.Int64
	FetchErrors        atomic.Int64
	ResolveRequests    atomic.Int64
	ResolveMisses      atomic.Int64
	ResolveAnchor      atomic.Int64
	ResolveVideoSource atomic.Int64
	ResolveScript      atomic.Int64
	ResolvePage        atomic.Int64
	Holds              atomic.Int64
	Debits             atomic.Int64
	Refunds            atomic.Int64
	InsufficientFunds  atomic.Int64
	DownloadsOK        atomic.Int64
	DownloadsFailed    atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
}

// metricKeys fixes the output order of FormatMetrics.
var metricKeys = []string{
	"search_requests", "search_empty",
	"fetch_requests", "fetch_errors",
	"resolve_requests", "resolve_misses",
	"resolve_anchor", "resolve_video_source", "resolve_script", "resolve_page",
	"holds", "debits", "refunds", "insufficient_funds",
	"downloads_ok", "downloads_failed",
	"cache_hits", "cache_misses",
}

// GetMetrics returns a snapshot of all metrics.
func GetMetrics() map[string]int64 {
	return map[string]int64{
		"search_requests":      metrics.SearchRequests.Load(),
		"search_empty":         metrics.SearchEmpty.Load(),
		"fetch_requests":       metrics.FetchRequests.Load(),
		"fetch_errors":         metrics.FetchErrors.Load(),
		"resolve_requests":     metrics.ResolveRequests.Load(),
		"resolve_misses":       metrics.ResolveMisses.Load(),
		"resolve_anchor":       metrics.ResolveAnchor.Load(),
		"resolve_video_source": metrics.ResolveVideoSource.Load(),
		"resolve_script":       metrics.ResolveScript.Load(),
		"resolve_page":         metrics.ResolvePage.Load(),
		"holds":                metrics.Holds.Load(),
		"debits":               metrics.Debits.Load(),
		"refunds":              metrics.Refunds.Load(),
		"insufficient_funds":   metrics.InsufficientFunds.Load(),
		"downloads_ok":         metrics.DownloadsOK.Load(),
		"downloads_failed":     metrics.DownloadsFailed.Load(),
		"cache_hits":           metrics.CacheHits.Load(),
		"cache_misses":         metrics.CacheMisses.Load(),
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoints.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	for _, k := range metricKeys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Incrementors for sub-packages.
func IncrSearch()            { metrics.SearchRequests.Add(1) }
func IncrSearchEmpty()       { metrics.SearchEmpty.Add(1) }
func IncrHold()              { metrics.Holds.Add(1) }
func IncrDebit()             { metrics.Debits.Add(1) }
func IncrRefund()            { metrics.Refunds.Add(1) }
func IncrInsufficientFunds() { metrics.InsufficientFunds.Add(1) }
func IncrDownload(ok bool) {
	if ok {
		metrics.DownloadsOK.Add(1)
		return
	}
	metrics.DownloadsFailed.Add(1)
}

// IncrResolve records one resolution attempt and the strategy that matched
// ("" for a miss).
func IncrResolve(strategy string) {
	metrics.ResolveRequests.Add(1)
	switch strategy {
	case "anchor":
		metrics.ResolveAnchor.Add(1)
	case "video-source":
		metrics.ResolveVideoSource.Add(1)
	case "script":
		metrics.ResolveScript.Add(1)
	case "page":
		metrics.ResolvePage.Add(1)
	default:
		metrics.ResolveMisses.Add(1)
	}
}

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > 5*time.Second {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
