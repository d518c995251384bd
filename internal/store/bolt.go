package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

var (
	usersBucket     = []byte("users")
	downloadsBucket = []byte("downloads")
	searchesBucket  = []byte("searches")
)

// Bolt is an embedded single-file Store. Records are JSON values; download
// and search keys are big-endian sequence numbers so cursors walk them in
// insertion order.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		path = filepath.Join("data", "vidbot.bolt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("bolt: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{usersBucket, downloadsBucket, searchesBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: create buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *Bolt) GetAccount(_ context.Context, userID string) (engine.Account, error) {
	var a engine.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(userID))
		if v == nil {
			return engine.ErrNotFound
		}
		return json.Unmarshal(v, &a)
	})
	return a, err
}

func (s *Bolt) UpsertAccount(_ context.Context, a engine.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("bolt: marshal account: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put([]byte(a.UserID), data)
	})
}

func (s *Bolt) ListActiveAccounts(_ context.Context) ([]engine.Account, error) {
	var out []engine.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var a engine.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Active {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}

func (s *Bolt) RecordDownload(_ context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error) {
	if !validStatus(status) {
		return 0, fmt.Errorf("bolt: invalid download status %q", status)
	}
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		data, err := json.Marshal(engine.DownloadRecord{
			ID: id, UserID: userID, URL: url, Filename: filename, Status: status, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	return id, err
}

func (s *Bolt) UpdateDownloadStatus(_ context.Context, id int64, status engine.DownloadStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("bolt: invalid download status %q", status)
	}
	if id <= 0 {
		return engine.ErrNotFound
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(downloadsBucket)
		key := itob(uint64(id))
		v := b.Get(key)
		if v == nil {
			return engine.ErrNotFound
		}
		var d engine.DownloadRecord
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		d.Status = status
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Bolt) DownloadHistory(_ context.Context, userID string, limit int) ([]engine.DownloadRecord, error) {
	limit = clampLimit(limit)
	var out []engine.DownloadRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(downloadsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var d engine.DownloadRecord
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.UserID == userID {
				out = append(out, d)
			}
		}
		return nil
	})
	return out, err
}

func (s *Bolt) RecordSearch(_ context.Context, userID, query string, results []engine.ResultSummary) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(searchesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		data, err := json.Marshal(engine.SearchRecord{
			ID: id, UserID: userID, Query: query, Results: results, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	return id, err
}

func (s *Bolt) SearchHistory(_ context.Context, userID string, limit int) ([]engine.SearchRecord, error) {
	limit = clampLimit(limit)
	var out []engine.SearchRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(searchesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var r engine.SearchRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.UserID == userID {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

func (s *Bolt) Stats(_ context.Context) (engine.Stats, error) {
	var st engine.Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		st.TotalDownloads = tx.Bucket(downloadsBucket).Stats().KeyN
		st.TotalSearches = tx.Bucket(searchesBucket).Stats().KeyN
		return tx.Bucket(usersBucket).ForEach(func(_, v []byte) error {
			var a engine.Account
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			st.TotalUsers++
			if a.Active {
				st.ActiveUsers++
			}
			return nil
		})
	})
	return st, err
}

func (s *Bolt) Close() error { return s.db.Close() }
