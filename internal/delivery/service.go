// Package delivery drives the search → preview → watch/download flow for
// each user, composing extraction, resolution, the ledger and sessions.
//
// Outbound fetches never run under a user's lock. A request that finishes
// after a newer one from the same user has started is discarded with
// engine.ErrSuperseded; the fetch itself is left to run to completion.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/keylock"
	"github.com/anatolykoptev/go_vidbot/internal/session"
)

// HoldPolicy decides what happens to money taken for something the user
// did not end up receiving: a cancelled or abandoned watch hold, or a paid
// download that failed to deliver.
type HoldPolicy string

const (
	// HoldForfeit keeps the money. This matches the bot's historical behavior.
	HoldForfeit HoldPolicy = "forfeit"
	// HoldRefund returns the money to the available balance.
	HoldRefund HoldPolicy = "refund"
)

// ParseHoldPolicy maps a config string to a policy, defaulting to forfeit.
func ParseHoldPolicy(s string) HoldPolicy {
	if HoldPolicy(strings.ToLower(strings.TrimSpace(s))) == HoldRefund {
		return HoldRefund
	}
	return HoldForfeit
}

// Config holds pricing and rendering settings.
type Config struct {
	OpeningBalance    int64
	WatchCost         int64
	DownloadCost      int64
	HoldPolicy        HoldPolicy
	ListTitleLimit    int
	PreviewTitleLimit int
	UsernameLimit     int
}

func (c Config) withDefaults() Config {
	if c.HoldPolicy == "" {
		c.HoldPolicy = HoldForfeit
	}
	if c.ListTitleLimit <= 0 {
		c.ListTitleLimit = 45
	}
	if c.PreviewTitleLimit <= 0 {
		c.PreviewTitleLimit = 150
	}
	if c.UsernameLimit <= 0 {
		c.UsernameLimit = 15
	}
	return c
}

// Searcher runs a search against the source site.
type Searcher interface {
	Search(ctx context.Context, query string) ([]engine.SearchResult, error)
}

// Resolver finds the playable media URL behind a detail page.
type Resolver interface {
	Resolve(ctx context.Context, detailURL string) (engine.ResolvedMedia, error)
}

// Ledger is the balance surface the flow needs. Implemented by *ledger.Ledger.
type Ledger interface {
	Get(ctx context.Context, userID string) (engine.Account, error)
	Open(ctx context.Context, userID, displayName string, opening int64) (engine.Account, error)
	Credit(ctx context.Context, userID string, amount int64) (engine.Account, error)
	Debit(ctx context.Context, userID string, amount int64) (engine.Account, error)
	Refund(ctx context.Context, userID string, amount int64) (engine.Account, error)
}

// Recorder receives side-effect records. Failures are logged, never fatal.
type Recorder interface {
	RecordDownload(ctx context.Context, userID, url, filename string, status engine.DownloadStatus) (int64, error)
	UpdateDownloadStatus(ctx context.Context, id int64, status engine.DownloadStatus) error
	RecordSearch(ctx context.Context, userID, query string, results []engine.ResultSummary) (int64, error)
}

// Deliverer hands finished output to the chat transport.
type Deliverer interface {
	DeliverFile(ctx context.Context, userID, path string, c Caption) error
	DeliverText(ctx context.Context, userID, text string) error
}

// Deps are the collaborators injected into a Service.
type Deps struct {
	Searcher  Searcher
	Resolver  Resolver
	Ledger    Ledger
	Recorder  Recorder
	Files     engine.FileFetcher
	Deliverer Deliverer
	Sessions  *session.Store
}

// Service is the per-user flow orchestrator. Safe for concurrent use.
type Service struct {
	cfg       Config
	searcher  Searcher
	resolver  Resolver
	ledger    Ledger
	recorder  Recorder
	files     engine.FileFetcher
	deliverer Deliverer
	sessions  *session.Store
	locks     *keylock.Map

	seqMu sync.Mutex
	seqN  uint64
	seq   map[string]uint64 // user -> newest in-flight ticket

	now func() time.Time
}

// New wires a Service.
func New(cfg Config, d Deps) *Service {
	if d.Sessions == nil {
		d.Sessions = session.NewStore(5)
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		searcher:  d.Searcher,
		resolver:  d.Resolver,
		ledger:    d.Ledger,
		recorder:  d.Recorder,
		files:     d.Files,
		deliverer: d.Deliverer,
		sessions:  d.Sessions,
		locks:     keylock.New(),
		seq:       make(map[string]uint64),
		now:       time.Now,
	}
}

// begin marks the start of a fetching request and returns its ticket.
// Tickets are unique across users so a finished request can drop its entry.
func (s *Service) begin(userID string) uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seqN++
	s.seq[userID] = s.seqN
	return s.seqN
}

// done forgets the user's entry if ticket is still the newest.
func (s *Service) done(userID string, ticket uint64) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.seq[userID] == ticket {
		delete(s.seq, userID)
	}
}

// pending reports how many users have a fetching request in flight.
func (s *Service) pending() int {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return len(s.seq)
}

// current reports whether ticket is still the user's newest fetching request.
func (s *Service) current(userID string, ticket uint64) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq[userID] == ticket
}

// Register opens the user's account if it does not exist yet.
func (s *Service) Register(ctx context.Context, userID, displayName string) (engine.Account, error) {
	return s.ledger.Open(ctx, userID, displayName, s.cfg.OpeningBalance)
}

func (s *Service) account(ctx context.Context, userID string) (engine.Account, error) {
	a, err := s.Register(ctx, userID, "")
	if err != nil {
		return engine.Account{}, fmt.Errorf("account %s: %w", userID, err)
	}
	return a, nil
}

// releaseHold settles a hold the user is walking away from. Under the
// refund policy the amount goes back to the available balance; consumed
// holds are never refunded.
func (s *Service) releaseHold(ctx context.Context, userID string, h *session.Hold, reason string) {
	if h == nil || h.Consumed || s.cfg.HoldPolicy != HoldRefund {
		return
	}
	if _, err := s.ledger.Refund(ctx, userID, h.Amount); err != nil {
		slog.Error("hold refund failed", slog.String("user", userID), slog.String("hold", h.ID), slog.Any("error", err))
		return
	}
	slog.Info("hold refunded", slog.String("user", userID), slog.String("hold", h.ID),
		slog.Int64("amount", h.Amount), slog.String("reason", reason))
}

// OnSearch runs a search and lists page 0 of the results.
func (s *Service) OnSearch(ctx context.Context, userID, query string) (Payload, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return idlePayload("Send a search query."), nil
	}
	if _, err := s.account(ctx, userID); err != nil {
		return Payload{}, err
	}

	ticket := s.begin(userID)
	defer s.done(userID, ticket)
	results, err := s.searcher.Search(ctx, query)
	if err != nil {
		slog.Warn("search failed", slog.String("user", userID), slog.String("query", query), slog.Any("error", err))
		return idlePayload(failureText(err)), fmt.Errorf("search %q: %w", query, err)
	}

	unlock := s.locks.Lock(userID)
	if !s.current(userID, ticket) {
		unlock()
		return Payload{}, engine.ErrSuperseded
	}
	if len(results) == 0 {
		unlock()
		s.recordSearch(ctx, userID, query, nil)
		return idlePayload(fmt.Sprintf("No results for %q.", query)), nil
	}
	sess, prev := s.sessions.StartSearch(userID, query, results)
	if prev != nil {
		s.releaseHold(ctx, userID, prev.Hold, "new search")
	}
	unlock()

	s.recordSearch(ctx, userID, query, results)
	return s.listPayload(sess), nil
}

func (s *Service) recordSearch(ctx context.Context, userID, query string, results []engine.SearchResult) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.RecordSearch(ctx, userID, query, engine.Summarize(results)); err != nil {
		slog.Warn("record search failed", slog.String("user", userID), slog.Any("error", err))
	}
}

// OnPaginate re-renders the current result set at page. With no session it
// is a silent no-op. Leaving the preview discards any preview still resolving.
func (s *Service) OnPaginate(ctx context.Context, userID string, page int) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.sessions.Update(userID, func(sess *session.Session) error {
		if page < 0 || page >= sess.TotalPages(s.sessions.PageSize()) {
			return fmt.Errorf("page %d: %w", page, engine.ErrOutOfRange)
		}
		sess.Page = page
		sess.State = session.StateListed
		sess.Pending = nil
		sess.Generation++
		return nil
	})
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return Payload{}, nil
	case err != nil:
		return Payload{}, err
	}
	return s.listPayload(sess), nil
}

// OnBack returns from a preview to the list page it came from.
func (s *Service) OnBack(ctx context.Context, userID string) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.sessions.Update(userID, func(sess *session.Session) error {
		sess.State = session.StateListed
		sess.Pending = nil
		sess.Generation++
		return nil
	})
	if err != nil {
		return s.expired(userID, err)
	}
	return s.listPayload(sess), nil
}

// expired maps a missing session to ErrSessionExpired and an idle payload.
func (s *Service) expired(userID string, err error) (Payload, error) {
	if errors.Is(err, engine.ErrNotFound) {
		slog.Debug("session expired", slog.String("user", userID))
		return idlePayload("Your search has expired. Send a new query."), engine.ErrSessionExpired
	}
	return Payload{}, err
}

// OnSelect previews result index, resolving its media URL and placing the
// watch hold when the user can afford it.
func (s *Service) OnSelect(ctx context.Context, userID string, index int) (Payload, error) {
	ticket := s.begin(userID)
	defer s.done(userID, ticket)

	unlock := s.locks.Lock(userID)
	sess, err := s.sessions.Get(userID)
	if err != nil {
		unlock()
		return s.expired(userID, err)
	}
	if sess.Hold != nil && sess.Hold.Index != index && index >= 0 && index < len(sess.Results) {
		s.releaseHold(ctx, userID, sess.Hold, "selected another item")
		_, _ = s.sessions.Update(userID, func(ss *session.Session) error {
			ss.Hold = nil
			return nil
		})
	}
	result, err := s.sessions.Select(userID, index)
	if err != nil {
		unlock()
		return Payload{}, err
	}
	sess, _ = s.sessions.Get(userID)
	generation := sess.Generation
	cached := sess.Resolved
	unlock()

	var note string
	media := cached
	if media == nil {
		m, rerr := s.resolver.Resolve(ctx, result.DetailURL)
		switch {
		case rerr == nil:
			media = &m
		case errors.Is(rerr, engine.ErrResolutionFailed):
			slog.Info("preview without media", slog.String("user", userID), slog.Int("index", index))
		default:
			slog.Warn("resolve failed", slog.String("user", userID), slog.Any("error", rerr))
			note = failureText(rerr)
		}
	}

	unlock = s.locks.Lock(userID)
	defer unlock()
	if !s.current(userID, ticket) {
		return Payload{}, engine.ErrSuperseded
	}

	acct, err := s.account(ctx, userID)
	if err != nil {
		return Payload{}, err
	}

	watchEnabled := false
	sess, err = s.sessions.Update(userID, func(ss *session.Session) error {
		if ss.Generation != generation || ss.Selected != index {
			return engine.ErrSuperseded
		}
		ss.State = session.StatePreviewed
		ss.Pending = nil
		ss.Resolved = media
		if media == nil {
			return nil
		}
		if ss.Hold != nil && ss.Hold.Index == index {
			watchEnabled = true
			return nil
		}
		hold, a, ok := s.placeHold(ctx, userID, index, acct)
		acct = a
		ss.Hold = hold
		watchEnabled = ok
		return nil
	})
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return s.expired(userID, err)
		}
		return Payload{}, err
	}
	return s.previewPayload(sess, acct, watchEnabled, note), nil
}

// placeHold debits the watch cost when the available balance covers it.
// It reports false, without touching the ledger, when it does not.
func (s *Service) placeHold(ctx context.Context, userID string, index int, acct engine.Account) (*session.Hold, engine.Account, bool) {
	if acct.AvailableBalance < s.cfg.WatchCost {
		return nil, acct, false
	}
	h := &session.Hold{ID: uuid.NewString(), Index: index, Amount: s.cfg.WatchCost, PlacedAt: s.now()}
	if s.cfg.WatchCost == 0 {
		return h, acct, true
	}
	a, err := s.ledger.Debit(ctx, userID, s.cfg.WatchCost)
	if err != nil {
		if !errors.Is(err, engine.ErrInsufficientFunds) {
			slog.Error("watch hold failed", slog.String("user", userID), slog.Any("error", err))
		}
		return nil, acct, false
	}
	engine.IncrHold()
	slog.Info("watch hold placed", slog.String("user", userID), slog.String("hold", h.ID), slog.Int64("amount", h.Amount))
	return h, a, true
}

// previewed loads the session and checks that index is the item on preview.
func (s *Service) previewed(userID string, index int) (session.Session, error) {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return sess, err
	}
	if index < 0 || index >= len(sess.Results) {
		return sess, fmt.Errorf("item %d: %w", index, engine.ErrOutOfRange)
	}
	if sess.Selected != index {
		return sess, engine.ErrNotFound
	}
	return sess, nil
}

// OnRequestWatch asks the user to confirm before the stream link is shown.
func (s *Service) OnRequestWatch(ctx context.Context, userID string, index int) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.previewed(userID, index)
	if err != nil {
		return s.expired(userID, err)
	}
	if sess.Resolved == nil {
		return Payload{}, fmt.Errorf("watch item %d: %w", index, engine.ErrResolutionFailed)
	}
	acct, err := s.account(ctx, userID)
	if err != nil {
		return Payload{}, err
	}

	sess, err = s.sessions.Update(userID, func(ss *session.Session) error {
		if ss.Hold == nil || ss.Hold.Index != index {
			hold, a, ok := s.placeHold(ctx, userID, index, acct)
			if !ok {
				return fmt.Errorf("watch item %d: %w", index, engine.ErrInsufficientFunds)
			}
			ss.Hold, acct = hold, a
		}
		ss.Pending = &session.PendingAction{Kind: session.ActionWatch, ResolvedURL: ss.Resolved.DirectURL, Cost: ss.Hold.Amount}
		ss.State = session.StateWatchPending
		return nil
	})
	if err != nil {
		return Payload{}, err
	}

	r := sess.Results[index]
	return Payload{
		Text:  fmt.Sprintf("Watch %q? Confirm to get the stream link.", engine.CleanTitle(r.Title, s.cfg.ListTitleLimit)),
		State: session.StateWatchPending,
		Actions: []Action{
			{Kind: ActConfirmWatch, Index: index, Enabled: true},
			{Kind: ActCancelWatch, Index: index, Enabled: true},
		},
		Balance: balanceOf(acct),
	}, nil
}

// OnConfirmWatch discloses the stream link. The watch cost was taken when
// the hold was placed, so nothing is debited here.
func (s *Service) OnConfirmWatch(ctx context.Context, userID string, index int) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.previewed(userID, index)
	if err != nil {
		return s.expired(userID, err)
	}
	if sess.Pending == nil || sess.Pending.Kind != session.ActionWatch {
		return s.expired(userID, engine.ErrNotFound)
	}
	link := sess.Pending.ResolvedURL

	sess, err = s.sessions.Update(userID, func(ss *session.Session) error {
		ss.Pending = nil
		ss.State = session.StateWatchConfirmed
		if ss.Hold != nil {
			ss.Hold.Consumed = true
		}
		return nil
	})
	if err != nil {
		return s.expired(userID, err)
	}
	acct, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return Payload{}, err
	}

	r := sess.Results[index]
	slog.Info("watch confirmed", slog.String("user", userID), slog.Int("index", index))
	return Payload{
		Text:  fmt.Sprintf("%s\n%s", engine.CleanTitle(r.Title, s.cfg.PreviewTitleLimit), link),
		State: session.StateWatchConfirmed,
		Preview: &Preview{
			Number:       index + 1,
			Title:        engine.CleanTitle(r.Title, s.cfg.PreviewTitleLimit),
			Username:     r.Username,
			ThumbnailURL: r.ThumbnailURL,
			DetailURL:    r.DetailURL,
			Playable:     true,
			WatchURL:     link,
		},
		Actions: []Action{{Kind: ActBack, Index: index, Enabled: true}},
		Balance: balanceOf(acct),
	}, nil
}

// OnCancelWatch goes back to the preview. The hold stays with the item
// under the forfeit policy and is refunded under the refund policy.
func (s *Service) OnCancelWatch(ctx context.Context, userID string, index int) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.previewed(userID, index)
	if err != nil {
		return s.expired(userID, err)
	}
	if s.cfg.HoldPolicy == HoldRefund {
		s.releaseHold(ctx, userID, sess.Hold, "watch cancelled")
	}
	sess, err = s.sessions.Update(userID, func(ss *session.Session) error {
		ss.Pending = nil
		ss.State = session.StatePreviewed
		if s.cfg.HoldPolicy == HoldRefund && ss.Hold != nil && !ss.Hold.Consumed {
			ss.Hold = nil
		}
		return nil
	})
	if err != nil {
		return s.expired(userID, err)
	}
	acct, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return Payload{}, err
	}
	watchEnabled := sess.Hold != nil || acct.AvailableBalance >= s.cfg.WatchCost
	return s.previewPayload(sess, acct, watchEnabled), nil
}

// OnConfirmDownload charges the download cost, fetches the file and hands
// it to the transport. A failed fetch keeps the charge unless the hold
// policy is refund.
func (s *Service) OnConfirmDownload(ctx context.Context, userID string, index int) (Payload, error) {
	unlock := s.locks.Lock(userID)
	sess, err := s.previewed(userID, index)
	if err != nil {
		unlock()
		return s.expired(userID, err)
	}
	result := sess.Results[index]
	media := sess.Resolved
	generation := sess.Generation
	unlock()

	if media == nil {
		m, err := s.resolver.Resolve(ctx, result.DetailURL)
		if err != nil {
			return Payload{Text: "This item cannot be downloaded.", State: session.StatePreviewed}, fmt.Errorf("download item %d: %w", index, err)
		}
		media = &m
	}

	unlock = s.locks.Lock(userID)
	cur, err := s.sessions.Get(userID)
	if err != nil {
		unlock()
		return s.expired(userID, err)
	}
	if cur.Generation != generation || cur.Selected != index {
		unlock()
		return Payload{}, engine.ErrSuperseded
	}
	if _, err := s.account(ctx, userID); err != nil {
		unlock()
		return Payload{}, err
	}
	acct, err := s.chargeDownload(ctx, userID)
	if err != nil {
		unlock()
		if errors.Is(err, engine.ErrInsufficientFunds) {
			a, _ := s.ledger.Get(ctx, userID)
			return Payload{
				Text:    fmt.Sprintf("Downloading costs %d; your available balance is %d.", s.cfg.DownloadCost, a.AvailableBalance),
				State:   session.StatePreviewed,
				Balance: balanceOf(a),
			}, err
		}
		return Payload{}, err
	}
	_, _ = s.sessions.Update(userID, func(ss *session.Session) error {
		if ss.Generation != generation {
			return engine.ErrSuperseded
		}
		ss.State = session.StateDownloadCommitted
		ss.Resolved = media
		ss.Pending = &session.PendingAction{Kind: session.ActionDownload, ResolvedURL: media.DirectURL, Cost: s.cfg.DownloadCost}
		return nil
	})
	unlock()

	filename := engine.FileName(result.Username, downloadID(result, index))
	recID := s.recordDownload(ctx, userID, media.DirectURL, filename)
	s.setDownloadStatus(ctx, recID, engine.DownloadDownloading)

	var file engine.FetchedFile
	ferr := engine.TrackOperation(ctx, "download:"+filename, func(ctx context.Context) error {
		var err error
		file, err = s.files.FetchFile(ctx, media.DirectURL, filename)
		return err
	})
	if ferr == nil {
		acct, _ = s.ledger.Get(ctx, userID)
		ferr = s.deliverer.DeliverFile(ctx, userID, file.Path, Caption{
			Title:            engine.CleanTitle(result.Title, s.cfg.PreviewTitleLimit),
			Uploader:         result.Username,
			SizeBytes:        file.SizeBytes,
			RemainingBalance: acct.AvailableBalance,
		})
		if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove delivered file failed", slog.String("path", file.Path), slog.Any("error", err))
		}
	}

	unlock = s.locks.Lock(userID)
	defer unlock()
	if ferr != nil {
		engine.IncrDownload(false)
		s.setDownloadStatus(ctx, recID, engine.DownloadFailed)
		if s.cfg.HoldPolicy == HoldRefund && s.cfg.DownloadCost > 0 {
			if a, err := s.ledger.Refund(ctx, userID, s.cfg.DownloadCost); err == nil {
				acct = a
			}
		}
		s.finishDownload(userID, generation, session.StatePreviewed)
		slog.Warn("delivery failed", slog.String("user", userID), slog.String("url", media.DirectURL), slog.Any("error", ferr))
		text := "Delivery failed. " + failureText(ferr)
		if err := s.deliverer.DeliverText(ctx, userID, text); err != nil {
			slog.Warn("deliver text failed", slog.String("user", userID), slog.Any("error", err))
		}
		return Payload{Text: text, State: session.StatePreviewed, Balance: balanceOf(acct)}, fmt.Errorf("deliver item %d: %w", index, ferr)
	}

	engine.IncrDownload(true)
	s.setDownloadStatus(ctx, recID, engine.DownloadCompleted)
	s.finishDownload(userID, generation, session.StateDelivered)
	slog.Info("download delivered", slog.String("user", userID), slog.String("file", filename), slog.Int64("size", file.SizeBytes))
	return Payload{
		Text:    fmt.Sprintf("Sent %s.", engine.CleanTitle(result.Title, s.cfg.ListTitleLimit)),
		State:   session.StateDelivered,
		Balance: balanceOf(acct),
	}, nil
}

func (s *Service) chargeDownload(ctx context.Context, userID string) (engine.Account, error) {
	if s.cfg.DownloadCost == 0 {
		return s.ledger.Get(ctx, userID)
	}
	return s.ledger.Debit(ctx, userID, s.cfg.DownloadCost)
}

// finishDownload settles the session the download started from. A session
// replaced or left while the file was fetched is not touched.
func (s *Service) finishDownload(userID string, generation uint64, state session.State) {
	_, _ = s.sessions.Update(userID, func(ss *session.Session) error {
		if ss.Generation != generation {
			return engine.ErrSuperseded
		}
		ss.Pending = nil
		ss.State = state
		return nil
	})
}

func downloadID(r engine.SearchResult, index int) string {
	if r.SourceVideoID != "" {
		return r.SourceVideoID
	}
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%d", index+1)
}

func (s *Service) recordDownload(ctx context.Context, userID, url, filename string) int64 {
	if s.recorder == nil {
		return 0
	}
	id, err := s.recorder.RecordDownload(ctx, userID, url, filename, engine.DownloadPending)
	if err != nil {
		slog.Warn("record download failed", slog.String("user", userID), slog.Any("error", err))
		return 0
	}
	return id
}

func (s *Service) setDownloadStatus(ctx context.Context, id int64, status engine.DownloadStatus) {
	if s.recorder == nil || id == 0 {
		return
	}
	if err := s.recorder.UpdateDownloadStatus(ctx, id, status); err != nil {
		slog.Warn("update download status failed", slog.Int64("id", id), slog.Any("error", err))
	}
}

// OnTopUp credits amount to the user, registering them first if needed.
func (s *Service) OnTopUp(ctx context.Context, userID string, amount int64) (Payload, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if _, err := s.account(ctx, userID); err != nil {
		return Payload{}, err
	}
	acct, err := s.ledger.Credit(ctx, userID, amount)
	if err != nil {
		return Payload{}, err
	}
	slog.Info("top-up", slog.String("user", userID), slog.Int64("amount", amount))
	return Payload{
		Text:    fmt.Sprintf("Added %d. Available balance: %d.", amount, acct.AvailableBalance),
		State:   s.stateOf(userID),
		Balance: balanceOf(acct),
	}, nil
}

// OnBalance reports the user's balances, registering them first if needed.
func (s *Service) OnBalance(ctx context.Context, userID string) (Payload, error) {
	acct, err := s.account(ctx, userID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Text:    fmt.Sprintf("Balance: %d\nAvailable: %d", acct.Balance, acct.AvailableBalance),
		State:   s.stateOf(userID),
		Balance: balanceOf(acct),
	}, nil
}

func (s *Service) stateOf(userID string) session.State {
	sess, err := s.sessions.Get(userID)
	if err != nil {
		return session.StateIdle
	}
	return sess.State
}

// failureText turns an error into a short user-facing hint.
func failureText(err error) string {
	if engine.IsRetryable(err) || errors.Is(err, engine.ErrUpstreamUnavailable) {
		return "The source site did not respond, please try again."
	}
	return "Something went wrong."
}
