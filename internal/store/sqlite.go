package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id           TEXT PRIMARY KEY,
	display_name      TEXT NOT NULL DEFAULT '',
	opening_balance   INTEGER NOT NULL,
	balance           INTEGER NOT NULL,
	available_balance INTEGER NOT NULL,
	active            INTEGER NOT NULL DEFAULT 1,
	joined_at         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS downloads (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	url        TEXT NOT NULL,
	filename   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS downloads_user ON downloads(user_id, id);
CREATE TABLE IF NOT EXISTS searches (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	query      TEXT NOT NULL,
	results    TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS searches_user ON searches(user_id, id);
`

// SQLite is the default file-backed Store.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = filepath.Join("data", "vidbot.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetAccount(ctx context.Context, userID string) (engine.Account, error) {
	var (
		a      engine.Account
		active int
		joined string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, opening_balance, balance, available_balance, active, joined_at
		 FROM users WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &a.DisplayName, &a.OpeningBalance, &a.Balance, &a.AvailableBalance, &active, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Account{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("sqlite: get account: %w", err)
	}
	a.Active = active != 0
	a.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
	return a, nil
}

func (s *SQLite) UpsertAccount(ctx context.Context, a engine.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name, opening_balance, balance, available_balance, active, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   opening_balance = excluded.opening_balance,
		   balance = excluded.balance,
		   available_balance = excluded.available_balance,
		   active = excluded.active`,
		a.UserID, a.DisplayName, a.OpeningBalance, a.Balance, a.AvailableBalance, boolInt(a.Active),
		a.JoinedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert account: %w", err)
	}
	return nil
}

func (s *SQLite) ListActiveAccounts(ctx context.Context) ([]engine.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, opening_balance, balance, available_balance, joined_at
		 FROM users WHERE active = 1 ORDER BY joined_at`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list accounts: %w", err)
	}
	defer rows.Close()

	var out []engine.Account
	for rows.Next() {
		a := engine.Account{Active: true}
		var joined string
		if err := rows.Scan(&a.UserID, &a.DisplayName, &a.OpeningBalance, &a.Balance, &a.AvailableBalance, &joined); err != nil {
			return nil, fmt.Errorf("sqlite: scan account: %w", err)
		}
		a.JoinedAt, _ = time.Parse(time.RFC3339Nano, joined)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordDownload(ctx context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error) {
	if !validStatus(status) {
		return 0, fmt.Errorf("sqlite: invalid download status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO downloads (user_id, url, filename, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, url, filename, string(status), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert download: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) UpdateDownloadStatus(ctx context.Context, id int64, status engine.DownloadStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("sqlite: invalid download status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE downloads SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("sqlite: update download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (s *SQLite) DownloadHistory(ctx context.Context, userID string, limit int) ([]engine.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, url, filename, status, created_at
		 FROM downloads WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: download history: %w", err)
	}
	defer rows.Close()

	var out []engine.DownloadRecord
	for rows.Next() {
		var (
			d       engine.DownloadRecord
			status  string
			created string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.URL, &d.Filename, &status, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan download: %w", err)
		}
		d.Status = engine.DownloadStatus(status)
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) RecordSearch(ctx context.Context, userID, query string, results []engine.ResultSummary) (int64, error) {
	data, err := json.Marshal(results)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO searches (user_id, query, results, created_at) VALUES (?, ?, ?, ?)`,
		userID, query, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sqlite: insert search: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) SearchHistory(ctx context.Context, userID string, limit int) ([]engine.SearchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, query, results, created_at
		 FROM searches WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: search history: %w", err)
	}
	defer rows.Close()

	var out []engine.SearchRecord
	for rows.Next() {
		var (
			r       engine.SearchRecord
			results string
			created string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Query, &results, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan search: %w", err)
		}
		_ = json.Unmarshal([]byte(results), &r.Results)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM users),
		   (SELECT COUNT(*) FROM users WHERE active = 1),
		   (SELECT COUNT(*) FROM downloads),
		   (SELECT COUNT(*) FROM searches)`,
	).Scan(&st.TotalUsers, &st.ActiveUsers, &st.TotalDownloads, &st.TotalSearches)
	if err != nil {
		return engine.Stats{}, fmt.Errorf("sqlite: stats: %w", err)
	}
	return st, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
