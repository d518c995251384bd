package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/ledger"
	"github.com/anatolykoptev/go_vidbot/internal/session"
	"github.com/anatolykoptev/go_vidbot/internal/store"
)

type stubSearcher struct {
	fn func(ctx context.Context, query string) ([]engine.SearchResult, error)
}

func (s *stubSearcher) Search(ctx context.Context, query string) ([]engine.SearchResult, error) {
	return s.fn(ctx, query)
}

func fixedResults(n int) *stubSearcher {
	return &stubSearcher{fn: func(_ context.Context, _ string) ([]engine.SearchResult, error) {
		out := make([]engine.SearchResult, n)
		for i := range out {
			out[i] = engine.SearchResult{
				ID:            fmt.Sprintf("result_%d", i),
				Title:         fmt.Sprintf("Item %d", i+1),
				Username:      "uploader",
				DetailURL:     fmt.Sprintf("https://site.test/watch?v=%d", i+1),
				SourceVideoID: fmt.Sprintf("%d", i+1),
				Category:      engine.DefaultCategory,
			}
		}
		return out, nil
	}}
}

type stubResolver struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *stubResolver) Resolve(_ context.Context, detailURL string) (engine.ResolvedMedia, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return engine.ResolvedMedia{}, r.err
	}
	return engine.ResolvedMedia{DirectURL: detailURL + "&media=1.mp4", Strategy: "anchor"}, nil
}

type stubFiles struct {
	dir string
	err error
}

func (f *stubFiles) FetchFile(_ context.Context, _ string, name string) (engine.FetchedFile, error) {
	if f.err != nil {
		return engine.FetchedFile{}, f.err
	}
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("video-bytes"), 0o644); err != nil {
		return engine.FetchedFile{}, err
	}
	return engine.FetchedFile{Path: path, SizeBytes: 11}, nil
}

type stubDeliverer struct {
	mu    sync.Mutex
	files []Caption
	texts []string
}

func (d *stubDeliverer) DeliverFile(_ context.Context, _ string, path string, c Caption) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	d.mu.Lock()
	d.files = append(d.files, c)
	d.mu.Unlock()
	return nil
}

func (d *stubDeliverer) DeliverText(_ context.Context, _ string, text string) error {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	d.mu.Unlock()
	return nil
}

type harness struct {
	svc       *Service
	ledger    *ledger.Ledger
	mem       *store.Memory
	resolver  *stubResolver
	files     *stubFiles
	deliverer *stubDeliverer
}

func newHarness(t *testing.T, cfg Config, searcher Searcher) *harness {
	t.Helper()
	mem := store.NewMemory()
	h := &harness{
		ledger:    ledger.New(mem),
		mem:       mem,
		resolver:  &stubResolver{},
		files:     &stubFiles{dir: t.TempDir()},
		deliverer: &stubDeliverer{},
	}
	h.svc = New(cfg, Deps{
		Searcher:  searcher,
		Resolver:  h.resolver,
		Ledger:    h.ledger,
		Recorder:  mem,
		Files:     h.files,
		Deliverer: h.deliverer,
		Sessions:  session.NewStore(5),
	})
	return h
}

func (h *harness) available(t *testing.T, userID string) int64 {
	t.Helper()
	a, err := h.ledger.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, a.Valid())
	return a.AvailableBalance
}

func action(p Payload, kind ActionKind) (Action, bool) {
	for _, a := range p.Actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return Action{}, false
}

func numbers(items []Item) []int {
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.Number
	}
	return out
}

func TestSearchPaginateSelect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500, DownloadCost: 1000}, fixedResults(12))

	p, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	assert.Equal(t, session.StateListed, p.State)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, numbers(p.Items))
	require.NotNil(t, p.Pagination)
	assert.Equal(t, 0, p.Pagination.Page)
	assert.Equal(t, 3, p.Pagination.TotalPages)
	assert.False(t, p.Pagination.HasPrev)
	assert.True(t, p.Pagination.HasNext)

	p, err = h.svc.OnPaginate(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 8, 9, 10}, numbers(p.Items))

	p, err = h.svc.OnSelect(ctx, "u1", 6)
	require.NoError(t, err)
	assert.Equal(t, session.StatePreviewed, p.State)
	require.NotNil(t, p.Preview)
	assert.Equal(t, 7, p.Preview.Number)
	assert.Equal(t, "Item 7", p.Preview.Title)
	assert.True(t, p.Preview.Playable)
	assert.Empty(t, p.Preview.WatchURL, "link is not disclosed at preview time")

	watch, ok := action(p, ActWatch)
	require.True(t, ok)
	assert.True(t, watch.Enabled)
	assert.Equal(t, int64(500), h.available(t, "u1"), "watch hold placed at preview")

	p, err = h.svc.OnBack(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7, 8, 9, 10}, numbers(p.Items), "back returns to the same page")

	hist, err := h.mem.SearchHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Len(t, hist[0].Results, 12)
}

func TestPaginateOutOfRangeAndNoSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000}, fixedResults(12))

	p, err := h.svc.OnPaginate(ctx, "u1", 1)
	require.NoError(t, err, "no session is a silent no-op")
	assert.Empty(t, p.Items)

	_, err = h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnPaginate(ctx, "u1", 3)
	assert.True(t, errors.Is(err, engine.ErrOutOfRange))
	_, err = h.svc.OnPaginate(ctx, "u1", -1)
	assert.True(t, errors.Is(err, engine.ErrOutOfRange))
}

func TestSelectOutOfRange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)

	_, err = h.svc.OnSelect(ctx, "u1", 3)
	assert.True(t, errors.Is(err, engine.ErrOutOfRange))
	assert.Equal(t, int64(1000), h.available(t, "u1"))
}

func TestWatchDisabledWhenUnaffordable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 300, WatchCost: 500, DownloadCost: 1000}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)

	p, err := h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	watch, _ := action(p, ActWatch)
	assert.False(t, watch.Enabled)
	download, _ := action(p, ActDownload)
	assert.True(t, download.Enabled, "download is always offered")
	assert.Equal(t, int64(300), h.available(t, "u1"), "no hold without funds")

	_, err = h.svc.OnRequestWatch(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrInsufficientFunds))
	assert.Equal(t, int64(300), h.available(t, "u1"))
}

func TestPreviewWithoutMedia(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500}, fixedResults(3))
	h.resolver.err = engine.ErrResolutionFailed
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)

	p, err := h.svc.OnSelect(ctx, "u1", 1)
	require.NoError(t, err, "preview is shown regardless of resolution")
	assert.False(t, p.Preview.Playable)
	watch, _ := action(p, ActWatch)
	assert.False(t, watch.Enabled)
	assert.Equal(t, int64(1000), h.available(t, "u1"))

	_, err = h.svc.OnRequestWatch(ctx, "u1", 1)
	assert.True(t, errors.Is(err, engine.ErrResolutionFailed))
}

func TestReselectDoesNotRecharge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 300}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)

	_, err = h.svc.OnSelect(ctx, "u1", 2)
	require.NoError(t, err)
	_, err = h.svc.OnBack(ctx, "u1")
	require.NoError(t, err)
	p, err := h.svc.OnSelect(ctx, "u1", 2)
	require.NoError(t, err)

	watch, _ := action(p, ActWatch)
	assert.True(t, watch.Enabled)
	assert.Equal(t, int64(700), h.available(t, "u1"))
	assert.Equal(t, 1, h.resolver.calls, "resolution is reused for the same item")
}

func TestWatchFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)

	p, err := h.svc.OnRequestWatch(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.StateWatchPending, p.State)
	assert.NotContains(t, p.Text, "media=1.mp4")
	_, ok := action(p, ActConfirmWatch)
	assert.True(t, ok)

	p, err = h.svc.OnConfirmWatch(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.StateWatchConfirmed, p.State)
	require.NotNil(t, p.Preview)
	assert.Equal(t, "https://site.test/watch?v=1&media=1.mp4", p.Preview.WatchURL)
	assert.Equal(t, int64(500), h.available(t, "u1"), "confirm debits nothing more")

	_, err = h.svc.OnConfirmWatch(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrSessionExpired), "nothing pending any more")
}

func TestCancelWatchForfeit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	_, err = h.svc.OnRequestWatch(ctx, "u1", 0)
	require.NoError(t, err)

	p, err := h.svc.OnCancelWatch(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.StatePreviewed, p.State)
	assert.Equal(t, int64(500), h.available(t, "u1"), "hold is not refunded")

	_, err = h.svc.OnRequestWatch(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(500), h.available(t, "u1"), "kept hold covers a second request")
}

func TestCancelWatchRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500, HoldPolicy: HoldRefund}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	_, err = h.svc.OnRequestWatch(ctx, "u1", 0)
	require.NoError(t, err)

	_, err = h.svc.OnCancelWatch(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h.available(t, "u1"))
}

func TestRefundPolicyReleasesDisplacedHolds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 400, HoldPolicy: HoldRefund}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)

	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(600), h.available(t, "u1"))

	_, err = h.svc.OnSelect(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), h.available(t, "u1"), "old hold refunded, new hold placed")

	_, err = h.svc.OnSearch(ctx, "u1", "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), h.available(t, "u1"))
}

func TestConsumedHoldIsNotRefunded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 400, HoldPolicy: HoldRefund}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	_, err = h.svc.OnRequestWatch(ctx, "u1", 0)
	require.NoError(t, err)
	_, err = h.svc.OnConfirmWatch(ctx, "u1", 0)
	require.NoError(t, err)

	_, err = h.svc.OnSearch(ctx, "u1", "other")
	require.NoError(t, err)
	assert.Equal(t, int64(600), h.available(t, "u1"))
}

func TestDownloadTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 1500, DownloadCost: 1000}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)

	p, err := h.svc.OnConfirmDownload(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, session.StateDelivered, p.State)
	assert.Equal(t, int64(0), h.available(t, "u1"))
	require.Len(t, h.deliverer.files, 1)
	assert.Equal(t, "Item 1", h.deliverer.files[0].Title)
	assert.Equal(t, int64(11), h.deliverer.files[0].SizeBytes)
	assert.Equal(t, int64(0), h.deliverer.files[0].RemainingBalance)

	entries, err := os.ReadDir(h.files.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "delivered file is removed")

	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	p, err = h.svc.OnConfirmDownload(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrInsufficientFunds))
	assert.Equal(t, session.StatePreviewed, p.State)
	assert.Equal(t, int64(0), h.available(t, "u1"))
	assert.Len(t, h.deliverer.files, 1)

	recs, err := h.mem.DownloadHistory(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, engine.DownloadCompleted, recs[0].Status)
}

func TestDownloadFailure(t *testing.T) {
	for _, tc := range []struct {
		policy HoldPolicy
		want   int64
	}{
		{HoldForfeit, 0},
		{HoldRefund, 1000},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 1500, DownloadCost: 1000, HoldPolicy: tc.policy}, fixedResults(3))
			h.files.err = fmt.Errorf("fetch: %w", engine.ErrUpstreamTimeout)
			_, err := h.svc.OnSearch(ctx, "u1", "sample")
			require.NoError(t, err)
			_, err = h.svc.OnSelect(ctx, "u1", 0)
			require.NoError(t, err)

			p, err := h.svc.OnConfirmDownload(ctx, "u1", 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrUpstreamTimeout))
			assert.Equal(t, session.StatePreviewed, p.State)
			assert.Equal(t, tc.want, h.available(t, "u1"))
			require.Len(t, h.deliverer.texts, 1)
			assert.Contains(t, h.deliverer.texts[0], "Delivery failed")

			recs, err := h.mem.DownloadHistory(ctx, "u1", 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, engine.DownloadFailed, recs[0].Status)
		})
	}
}

func TestDownloadUnresolvable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 100, DownloadCost: 500}, fixedResults(3))
	h.resolver.err = engine.ErrResolutionFailed
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)

	_, err = h.svc.OnConfirmDownload(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrResolutionFailed))
	assert.Equal(t, int64(1000), h.available(t, "u1"), "nothing charged")
}

func TestSessionExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000}, fixedResults(3))

	p, err := h.svc.OnSelect(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrSessionExpired))
	assert.Equal(t, session.StateIdle, p.State)

	_, err = h.svc.OnConfirmDownload(ctx, "u1", 0)
	assert.True(t, errors.Is(err, engine.ErrSessionExpired))
	_, err = h.svc.OnBack(ctx, "u1")
	assert.True(t, errors.Is(err, engine.ErrSessionExpired))
}

func TestEmptyAndFailedSearch(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := &stubSearcher{fn: func(_ context.Context, q string) ([]engine.SearchResult, error) {
		calls++
		switch q {
		case "nothing":
			return nil, nil
		case "down":
			return nil, fmt.Errorf("search: %w", engine.ErrUpstreamTimeout)
		}
		return fixedResults(2).fn(context.Background(), q)
	}}
	h := newHarness(t, Config{OpeningBalance: 1000}, s)

	p, err := h.svc.OnSearch(ctx, "u1", "   ")
	require.NoError(t, err)
	assert.Equal(t, 0, calls, "blank query never reaches the site")
	assert.Equal(t, session.StateIdle, p.State)

	_, err = h.svc.OnSearch(ctx, "u1", "cats")
	require.NoError(t, err)

	p, err = h.svc.OnSearch(ctx, "u1", "nothing")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, p.State)
	assert.Contains(t, p.Text, "No results")
	sess, err := h.svc.sessions.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "cats", sess.Query, "empty search keeps the previous results")

	p, err = h.svc.OnSearch(ctx, "u1", "down")
	assert.True(t, errors.Is(err, engine.ErrUpstreamTimeout))
	assert.Contains(t, p.Text, "try again")
}

func TestSupersededSearchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})
	s := &stubSearcher{fn: func(_ context.Context, q string) ([]engine.SearchResult, error) {
		if q == "slow" {
			close(started)
			<-release
		}
		return fixedResults(3).fn(context.Background(), q)
	}}
	h := newHarness(t, Config{OpeningBalance: 1000}, s)

	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.OnSearch(ctx, "u1", "slow")
		errc <- err
	}()
	<-started

	_, err := h.svc.OnSearch(ctx, "u1", "fast")
	require.NoError(t, err)
	close(release)

	assert.True(t, errors.Is(<-errc, engine.ErrSuperseded))
	sess, err := h.svc.sessions.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "fast", sess.Query)
}

func TestTopUpAndBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 100}, fixedResults(1))

	p, err := h.svc.OnBalance(ctx, "new-user")
	require.NoError(t, err)
	require.NotNil(t, p.Balance)
	assert.Equal(t, int64(100), p.Balance.Available, "first contact registers")

	p, err = h.svc.OnTopUp(ctx, "new-user", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(350), p.Balance.Balance)
	assert.Equal(t, int64(350), p.Balance.Available)

	_, err = h.svc.OnTopUp(ctx, "new-user", 0)
	assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
}

func TestConcurrentDownloadsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 5000, DownloadCost: 300}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.OnConfirmDownload(ctx, "u1", 0); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, int64(100), h.available(t, "u1"))
}

func TestParseHoldPolicy(t *testing.T) {
	assert.Equal(t, HoldRefund, ParseHoldPolicy(" Refund "))
	assert.Equal(t, HoldForfeit, ParseHoldPolicy("forfeit"))
	assert.Equal(t, HoldForfeit, ParseHoldPolicy(""))
}

type gatedResolver struct {
	started chan struct{}
	release chan struct{}
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{started: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedResolver) Resolve(_ context.Context, detailURL string) (engine.ResolvedMedia, error) {
	close(r.started)
	<-r.release
	return engine.ResolvedMedia{DirectURL: detailURL + "&media=1.mp4", Strategy: "anchor"}, nil
}

func TestLeavingPreviewDiscardsLateHold(t *testing.T) {
	tests := []struct {
		name  string
		leave func(ctx context.Context, svc *Service) error
		page  int
	}{
		{"paginate", func(ctx context.Context, svc *Service) error {
			_, err := svc.OnPaginate(ctx, "u1", 1)
			return err
		}, 1},
		{"back", func(ctx context.Context, svc *Service) error {
			_, err := svc.OnBack(ctx, "u1")
			return err
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500, DownloadCost: 1000}, fixedResults(12))
			_, err := h.svc.OnSearch(ctx, "u1", "sample")
			require.NoError(t, err)

			gate := newGatedResolver()
			h.svc.resolver = gate
			errc := make(chan error, 1)
			go func() {
				_, err := h.svc.OnSelect(ctx, "u1", 0)
				errc <- err
			}()
			<-gate.started

			require.NoError(t, tt.leave(ctx, h.svc))
			close(gate.release)

			assert.True(t, errors.Is(<-errc, engine.ErrSuperseded))
			assert.Equal(t, int64(1000), h.available(t, "u1"), "no hold for an abandoned preview")
			sess, err := h.svc.sessions.Get("u1")
			require.NoError(t, err)
			assert.Equal(t, session.StateListed, sess.State)
			assert.Equal(t, tt.page, sess.Page)
			assert.Nil(t, sess.Hold)
			assert.Nil(t, sess.Resolved)
		})
	}
}

type gatedFiles struct {
	stubFiles
	started chan struct{}
	release chan struct{}
}

func (f *gatedFiles) FetchFile(ctx context.Context, url, name string) (engine.FetchedFile, error) {
	close(f.started)
	<-f.release
	return f.stubFiles.FetchFile(ctx, url, name)
}

func TestDownloadLeavesNewSessionAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 1500, DownloadCost: 400}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "first")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)

	files := &gatedFiles{stubFiles: *h.files, started: make(chan struct{}), release: make(chan struct{})}
	h.svc.files = files
	type result struct {
		p   Payload
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := h.svc.OnConfirmDownload(ctx, "u1", 0)
		done <- result{p, err}
	}()
	<-files.started

	_, err = h.svc.OnSearch(ctx, "u1", "second")
	require.NoError(t, err)
	close(files.release)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, session.StateDelivered, r.p.State)
	assert.Len(t, h.deliverer.files, 1)
	assert.Equal(t, int64(600), h.available(t, "u1"))

	sess, err := h.svc.sessions.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "second", sess.Query)
	assert.Equal(t, session.StateListed, sess.State)
	assert.Nil(t, sess.Pending)
	assert.Nil(t, sess.Resolved)

	p, err := h.svc.OnBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, session.StateListed, p.State)
}

func TestDownloadAfterLeavingPreviewIsNotCharged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 1500, DownloadCost: 400}, fixedResults(3))
	_, err := h.svc.OnSearch(ctx, "u1", "sample")
	require.NoError(t, err)
	_, err = h.svc.OnSelect(ctx, "u1", 0)
	require.NoError(t, err)
	// Drop the cached media so the download resolves again.
	_, err = h.svc.sessions.Update("u1", func(ss *session.Session) error {
		ss.Resolved = nil
		return nil
	})
	require.NoError(t, err)

	gate := newGatedResolver()
	h.svc.resolver = gate
	errc := make(chan error, 1)
	go func() {
		_, err := h.svc.OnConfirmDownload(ctx, "u1", 0)
		errc <- err
	}()
	<-gate.started

	_, err = h.svc.OnBack(ctx, "u1")
	require.NoError(t, err)
	close(gate.release)

	assert.True(t, errors.Is(<-errc, engine.ErrSuperseded))
	assert.Equal(t, int64(1000), h.available(t, "u1"))
	assert.Empty(t, h.deliverer.files)
}

func TestFinishedRequestsReleaseTickets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{OpeningBalance: 1000, WatchCost: 500}, fixedResults(3))
	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u%d", i)
		_, err := h.svc.OnSearch(ctx, user, "sample")
		require.NoError(t, err)
		_, err = h.svc.OnSelect(ctx, user, 1)
		require.NoError(t, err)
	}
	assert.Zero(t, h.svc.pending())

	_, err := h.svc.OnSelect(ctx, "u0", 9)
	assert.True(t, errors.Is(err, engine.ErrOutOfRange))
	assert.Zero(t, h.svc.pending())
}
