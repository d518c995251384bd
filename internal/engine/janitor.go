package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically removes leftover media files from the download
// directory. Delivered files are removed right away; this catches files
// orphaned by crashes or failed deliveries.
type Janitor struct {
	cron   *cron.Cron
	dir    string
	maxAge time.Duration
}

// NewJanitor creates a janitor for dir that deletes regular files older than maxAge.
func NewJanitor(dir string, maxAge time.Duration) *Janitor {
	return &Janitor{cron: cron.New(), dir: dir, maxAge: maxAge}
}

// Start schedules the sweep. spec is a standard 5-field cron expression.
func (j *Janitor) Start(spec string) error {
	if _, err := j.cron.AddFunc(spec, func() {
		n, err := j.Sweep(time.Now())
		if err != nil {
			slog.Error("janitor: sweep failed", slog.Any("error", err))
			return
		}
		if n > 0 {
			slog.Info("janitor: removed stale files", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("janitor: add cron job: %w", err)
	}
	j.cron.Start()
	slog.Info("janitor started", slog.String("dir", j.dir), slog.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep deletes files last modified before now-maxAge and returns how many it removed.
func (j *Janitor) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("janitor: read dir: %w", err)
	}
	cutoff := now.Add(-j.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			slog.Warn("janitor: remove failed", slog.String("file", e.Name()), slog.Any("error", err))
			continue
		}
		removed++
	}
	return removed, nil
}
