package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Memory is a process-local Store for tests and throwaway runs.
type Memory struct {
	mu        sync.Mutex
	accounts  map[string]engine.Account
	downloads []engine.DownloadRecord
	searches  []engine.SearchRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{accounts: map[string]engine.Account{}}
}

func (m *Memory) GetAccount(_ context.Context, userID string) (engine.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return engine.Account{}, engine.ErrNotFound
	}
	return a, nil
}

func (m *Memory) UpsertAccount(_ context.Context, a engine.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.UserID] = a
	return nil
}

func (m *Memory) ListActiveAccounts(_ context.Context) ([]engine.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []engine.Account
	for _, a := range m.accounts {
		if a.Active {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b engine.Account) int { return a.JoinedAt.Compare(b.JoinedAt) })
	return out, nil
}

func (m *Memory) RecordDownload(_ context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error) {
	if !validStatus(status) {
		return 0, fmt.Errorf("store: invalid download status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.downloads) + 1)
	m.downloads = append(m.downloads, engine.DownloadRecord{
		ID: id, UserID: userID, URL: url, Filename: filename, Status: status, CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (m *Memory) UpdateDownloadStatus(_ context.Context, id int64, status engine.DownloadStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("store: invalid download status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id <= 0 || id > int64(len(m.downloads)) {
		return engine.ErrNotFound
	}
	m.downloads[id-1].Status = status
	return nil
}

func (m *Memory) DownloadHistory(_ context.Context, userID string, limit int) ([]engine.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	var out []engine.DownloadRecord
	for i := len(m.downloads) - 1; i >= 0 && len(out) < limit; i-- {
		if m.downloads[i].UserID == userID {
			out = append(out, m.downloads[i])
		}
	}
	return out, nil
}

func (m *Memory) RecordSearch(_ context.Context, userID, query string, results []engine.ResultSummary) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := int64(len(m.searches) + 1)
	m.searches = append(m.searches, engine.SearchRecord{
		ID: id, UserID: userID, Query: query, Results: slices.Clone(results), CreatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (m *Memory) SearchHistory(_ context.Context, userID string, limit int) ([]engine.SearchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	var out []engine.SearchRecord
	for i := len(m.searches) - 1; i >= 0 && len(out) < limit; i-- {
		if m.searches[i].UserID == userID {
			out = append(out, m.searches[i])
		}
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context) (engine.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := engine.Stats{
		TotalUsers:     len(m.accounts),
		TotalDownloads: len(m.downloads),
		TotalSearches:  len(m.searches),
	}
	for _, a := range m.accounts {
		if a.Active {
			st.ActiveUsers++
		}
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }
