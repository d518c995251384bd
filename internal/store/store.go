// Package store persists accounts, download records and search history.
// The delivery flow only records side effects here; sessions never touch it.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Store is the persistence surface used by the ledger, the orchestrator and
// the admin API. Unknown accounts and downloads return engine.ErrNotFound.
type Store interface {
	GetAccount(ctx context.Context, userID string) (engine.Account, error)
	UpsertAccount(ctx context.Context, a engine.Account) error
	ListActiveAccounts(ctx context.Context) ([]engine.Account, error)

	RecordDownload(ctx context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status engine.DownloadStatus) error
	DownloadHistory(ctx context.Context, userID string, limit int) ([]engine.DownloadRecord, error)

	RecordSearch(ctx context.Context, userID, query string, results []engine.ResultSummary) (int64, error)
	SearchHistory(ctx context.Context, userID string, limit int) ([]engine.SearchRecord, error)

	Stats(ctx context.Context) (engine.Stats, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string // sqlite (default), bolt, postgres, memory
	Path        string // file path for sqlite and bolt
	DatabaseURL string // postgres
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		s, err = OpenSQLite(cfg.Path)
	case "bolt":
		s, err = OpenBolt(cfg.Path)
	case "postgres":
		s, err = ConnectPostgres(ctx, cfg.DatabaseURL)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("store opened", slog.String("driver", cfg.Driver))
	return s, nil
}

// clampLimit keeps history queries bounded.
func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

func validStatus(s engine.DownloadStatus) bool {
	switch s {
	case engine.DownloadPending, engine.DownloadDownloading, engine.DownloadCompleted, engine.DownloadFailed:
		return true
	}
	return false
}
