package engine

import "time"

// --- Search & media types ---

// DefaultCategory is assigned to every extracted result.
const DefaultCategory = "video"

// SearchResult is one candidate item extracted from a search-results page.
// Its identity is its index within the owning result set.
type SearchResult struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Username      string `json:"username,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
	DetailURL     string `json:"detail_url"`
	SourceVideoID string `json:"source_video_id,omitempty"`
	Category      string `json:"category"`
}

// ResolvedMedia is a directly fetchable media URL discovered on a detail page.
// Never persisted.
type ResolvedMedia struct {
	DirectURL  string    `json:"direct_url"`
	ResolvedAt time.Time `json:"resolved_at"`
	Strategy   string    `json:"strategy"` // which heuristic matched
}

// --- Ledger types ---

// Account is a user's prepaid balance record.
// Invariant: 0 <= AvailableBalance <= Balance.
type Account struct {
	UserID           string    `json:"user_id"`
	DisplayName      string    `json:"display_name"`
	OpeningBalance   int64     `json:"opening_balance"`
	Balance          int64     `json:"balance"`           // total funded
	AvailableBalance int64     `json:"available_balance"` // spendable now
	Active           bool      `json:"active"`
	JoinedAt         time.Time `json:"joined_at"`
}

// Valid reports whether the balance invariant holds.
func (a Account) Valid() bool {
	return a.AvailableBalance >= 0 && a.AvailableBalance <= a.Balance
}

// --- Persistence records ---

// DownloadStatus is the lifecycle state of a download record.
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "pending"
	DownloadDownloading DownloadStatus = "downloading"
	DownloadCompleted   DownloadStatus = "completed"
	DownloadFailed      DownloadStatus = "failed"
)

// DownloadRecord is one file delivery attempt.
type DownloadRecord struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	URL       string         `json:"url"`
	Filename  string         `json:"filename"`
	Status    DownloadStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// ResultSummary is the persisted digest of one search result.
type ResultSummary struct {
	Title     string `json:"title"`
	Username  string `json:"username,omitempty"`
	DetailURL string `json:"detail_url,omitempty"`
}

// SearchRecord is one search performed by a user.
type SearchRecord struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Query     string          `json:"query"`
	Results   []ResultSummary `json:"results"`
	CreatedAt time.Time       `json:"created_at"`
}

// Stats is an aggregate over the persistent store.
type Stats struct {
	TotalUsers     int `json:"total_users"`
	ActiveUsers    int `json:"active_users"`
	TotalDownloads int `json:"total_downloads"`
	TotalSearches  int `json:"total_searches"`
}

// Summarize converts results into their persisted digests.
func Summarize(results []SearchResult) []ResultSummary {
	out := make([]ResultSummary, 0, len(results))
	for _, r := range results {
		out = append(out, ResultSummary{Title: r.Title, Username: r.Username, DetailURL: r.DetailURL})
	}
	return out
}

// FetchedFile is a media file fetched to local disk.
type FetchedFile struct {
	Path      string        `json:"path"`
	SizeBytes int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
}
