package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/google/uuid"
)

// FileFetcher streams a remote media file to local disk. Implemented by *Downloader.
type FileFetcher interface {
	FetchFile(ctx context.Context, rawURL, name string) (FetchedFile, error)
}

// Downloader fetches media files into the download directory with grab.
type Downloader struct {
	grab    *grab.Client
	dir     string
	timeout time.Duration
	retry   RetryConfig
}

// NewDownloader creates the download directory and a grab client sharing
// the fetcher's redirect policy.
func NewDownloader(cfg Config) (*Downloader, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("downloader: create dir: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = newFetchClient(0, cfg.MaxRedirects) // grab bounds each request by ctx
	}

	gc := grab.NewClient()
	gc.HTTPClient = client
	gc.UserAgent = ""

	return &Downloader{
		grab:    gc,
		dir:     cfg.DownloadDir,
		timeout: cfg.DownloadTimeout,
		retry:   DefaultRetryConfig,
	}, nil
}

// Dir returns the directory files are written to.
func (d *Downloader) Dir() string { return d.dir }

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName builds the on-disk name for a media file: "<username|video>_<id>_<rand>.mp4".
func FileName(username, id string) string {
	base := strings.Trim(unsafeNameRe.ReplaceAllString(username, "_"), "_")
	if base == "" {
		base = "video"
	}
	id = strings.Trim(unsafeNameRe.ReplaceAllString(id, "_"), "_")
	if id == "" {
		id = "item"
	}
	return fmt.Sprintf("%s_%s_%s.mp4", base, id, uuid.NewString()[:8])
}

// FetchFile downloads rawURL into the download directory as name.
// A partial file is removed on failure.
func (d *Downloader) FetchFile(ctx context.Context, rawURL, name string) (FetchedFile, error) {
	dst := filepath.Join(d.dir, filepath.Base(name))

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ff, err := RetryDo(ctx, d.retry, func() (FetchedFile, error) {
		return d.fetchOnce(ctx, rawURL, dst)
	})
	if err != nil {
		_ = os.Remove(dst)
		return FetchedFile{}, classifyFetchError(err)
	}
	return ff, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL, dst string) (FetchedFile, error) {
	req, err := grab.NewRequest(dst, rawURL)
	if err != nil {
		return FetchedFile{}, fmt.Errorf("downloader: build request: %w", err)
	}
	req = req.WithContext(ctx)
	req.NoResume = true
	req.NoCreateDirectories = true
	setBrowserHeaders(req.HTTPRequest)

	slog.Debug("download started", slog.String("url", rawURL), slog.String("dst", dst))
	resp := d.grab.Do(req)

	if err := resp.Err(); err != nil {
		if resp.HTTPResponse != nil && resp.HTTPResponse.StatusCode >= http.StatusBadRequest {
			return FetchedFile{}, &httpStatusError{StatusCode: resp.HTTPResponse.StatusCode}
		}
		return FetchedFile{}, err
	}

	slog.Info("file downloaded",
		slog.String("path", resp.Filename),
		slog.Int64("size", resp.BytesComplete()),
		slog.Duration("duration", resp.Duration()))

	return FetchedFile{
		Path:      resp.Filename,
		SizeBytes: resp.BytesComplete(),
		Duration:  resp.Duration(),
	}, nil
}
