package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres creates a pgx pool and runs schema migrations.
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	db := &Postgres{pool: pool}
	if err := db.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: run migrations: %w", err)
	}

	slog.Info("postgres connected", slog.String("addr", config.ConnConfig.Host))
	return db, nil
}

func (db *Postgres) runMigrations(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := schemaFS.ReadFile("schema/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := db.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("execute %s: %w", entry.Name(), err)
		}
		slog.Info("migration applied", slog.String("file", entry.Name()))
	}
	return nil
}

func (db *Postgres) GetAccount(ctx context.Context, userID string) (engine.Account, error) {
	var a engine.Account
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, display_name, opening_balance, balance, available_balance, active, joined_at
		 FROM vb_users WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.DisplayName, &a.OpeningBalance, &a.Balance, &a.AvailableBalance, &a.Active, &a.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Account{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("postgres: get account: %w", err)
	}
	return a, nil
}

func (db *Postgres) UpsertAccount(ctx context.Context, a engine.Account) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO vb_users (user_id, display_name, opening_balance, balance, available_balance, active, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   opening_balance = EXCLUDED.opening_balance,
		   balance = EXCLUDED.balance,
		   available_balance = EXCLUDED.available_balance,
		   active = EXCLUDED.active`,
		a.UserID, a.DisplayName, a.OpeningBalance, a.Balance, a.AvailableBalance, a.Active, a.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert account: %w", err)
	}
	return nil
}

func (db *Postgres) ListActiveAccounts(ctx context.Context) ([]engine.Account, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, display_name, opening_balance, balance, available_balance, active, joined_at
		 FROM vb_users WHERE active ORDER BY joined_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list accounts: %w", err)
	}
	defer rows.Close()

	var out []engine.Account
	for rows.Next() {
		var a engine.Account
		if err := rows.Scan(&a.UserID, &a.DisplayName, &a.OpeningBalance, &a.Balance, &a.AvailableBalance, &a.Active, &a.JoinedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *Postgres) RecordDownload(ctx context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error) {
	if !validStatus(status) {
		return 0, fmt.Errorf("postgres: invalid download status %q", status)
	}
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO vb_downloads (user_id, url, filename, status) VALUES ($1, $2, $3, $4) RETURNING id`,
		userID, url, filename, string(status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert download: %w", err)
	}
	return id, nil
}

func (db *Postgres) UpdateDownloadStatus(ctx context.Context, id int64, status engine.DownloadStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("postgres: invalid download status %q", status)
	}
	tag, err := db.pool.Exec(ctx, `UPDATE vb_downloads SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (db *Postgres) DownloadHistory(ctx context.Context, userID string, limit int) ([]engine.DownloadRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, url, filename, status, created_at
		 FROM vb_downloads WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: download history: %w", err)
	}
	defer rows.Close()

	var out []engine.DownloadRecord
	for rows.Next() {
		var (
			d      engine.DownloadRecord
			status string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.URL, &d.Filename, &status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan download: %w", err)
		}
		d.Status = engine.DownloadStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *Postgres) RecordSearch(ctx context.Context, userID, query string, results []engine.ResultSummary) (int64, error) {
	data, err := json.Marshal(results)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal results: %w", err)
	}
	var id int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO vb_searches (user_id, query, results) VALUES ($1, $2, $3) RETURNING id`,
		userID, query, data,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert search: %w", err)
	}
	return id, nil
}

func (db *Postgres) SearchHistory(ctx context.Context, userID string, limit int) ([]engine.SearchRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, query, results, created_at
		 FROM vb_searches WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: search history: %w", err)
	}
	defer rows.Close()

	var out []engine.SearchRecord
	for rows.Next() {
		var (
			r       engine.SearchRecord
			results []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Query, &results, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan search: %w", err)
		}
		_ = json.Unmarshal(results, &r.Results)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *Postgres) Stats(ctx context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := db.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM vb_users),
		   (SELECT COUNT(*) FROM vb_users WHERE active),
		   (SELECT COUNT(*) FROM vb_downloads),
		   (SELECT COUNT(*) FROM vb_searches)`,
	).Scan(&st.TotalUsers, &st.ActiveUsers, &st.TotalDownloads, &st.TotalSearches)
	if err != nil {
		return engine.Stats{}, fmt.Errorf("postgres: stats: %w", err)
	}
	return st, nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}
