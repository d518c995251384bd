// Package session keeps each user's ephemeral browsing state: the last
// result set, the page being shown, the selected item and any monetized
// action awaiting confirmation. Sessions live for the process lifetime.
package session

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/keylock"
)

// State is where a user is in the search → preview → deliver flow.
type State string

const (
	StateIdle              State = "idle"
	StateListed            State = "listed"
	StatePreviewed         State = "previewed"
	StateWatchPending      State = "watch_pending"
	StateWatchConfirmed    State = "watch_confirmed"
	StateDownloadCommitted State = "download_committed"
	StateDelivered         State = "delivered"
)

// ActionKind names a monetized action.
type ActionKind string

const (
	ActionWatch    ActionKind = "watch"
	ActionDownload ActionKind = "download"
)

// PendingAction is a monetized action awaiting the user's confirmation.
type PendingAction struct {
	Kind        ActionKind `json:"kind"`
	ResolvedURL string     `json:"resolved_url"`
	Cost        int64      `json:"cost"`
}

// Hold is a watch pre-authorization already debited from the ledger.
type Hold struct {
	ID       string    `json:"id"`
	Index    int       `json:"index"`
	Amount   int64     `json:"amount"`
	PlacedAt time.Time `json:"placed_at"`
	Consumed bool      `json:"consumed"` // the stream link was disclosed
}

// Session is one user's state. Values returned by Store are copies.
type Session struct {
	UserID     string                `json:"user_id"`
	Query      string                `json:"query"`
	Results    []engine.SearchResult `json:"results"`
	Page       int                   `json:"page"`
	Selected   int                   `json:"selected"` // -1 when nothing is selected
	State      State                 `json:"state"`
	Resolved   *engine.ResolvedMedia `json:"resolved,omitempty"`
	Pending    *PendingAction        `json:"pending,omitempty"`
	Hold       *Hold                 `json:"hold,omitempty"`
	Generation uint64                `json:"generation"` // bumped by every superseding request
	CreatedAt  time.Time             `json:"created_at"`
}

// TotalPages is the number of pages at pageSize results each.
func (s *Session) TotalPages(pageSize int) int {
	if pageSize <= 0 || len(s.Results) == 0 {
		return 0
	}
	return (len(s.Results) + pageSize - 1) / pageSize
}

// PageBounds returns the [start, end) result indexes shown on page.
func (s *Session) PageBounds(page, pageSize int) (start, end int) {
	start = page * pageSize
	end = min(start+pageSize, len(s.Results))
	if start > end {
		start = end
	}
	return start, end
}

// SelectedResult returns the selected result, if any.
func (s *Session) SelectedResult() (engine.SearchResult, bool) {
	if s.Selected < 0 || s.Selected >= len(s.Results) {
		return engine.SearchResult{}, false
	}
	return s.Results[s.Selected], true
}

func (s *Session) clone() *Session {
	c := *s
	c.Results = slices.Clone(s.Results)
	if s.Resolved != nil {
		r := *s.Resolved
		c.Resolved = &r
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	if s.Hold != nil {
		h := *s.Hold
		c.Hold = &h
	}
	return &c
}

// Store holds one session per user. Every read-modify-write runs under the
// user's key lock; different users never contend.
type Store struct {
	pageSize int
	locks    *keylock.Map
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewStore creates an empty store paging results pageSize at a time.
func NewStore(pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 5
	}
	return &Store{
		pageSize: pageSize,
		locks:    keylock.New(),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// PageSize reports how many results a page holds.
func (st *Store) PageSize() int { return st.pageSize }

func (st *Store) load(userID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[userID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

func (st *Store) save(s *Session) {
	st.mu.Lock()
	st.sessions[s.UserID] = s
	st.mu.Unlock()
}

// Get returns a copy of the user's session, or engine.ErrNotFound.
func (st *Store) Get(userID string) (Session, error) {
	s, ok := st.load(userID)
	if !ok {
		return Session{}, engine.ErrNotFound
	}
	return *s, nil
}

// Update applies fn to the user's session atomically. If fn returns an
// error nothing is saved.
func (st *Store) Update(userID string, fn func(*Session) error) (Session, error) {
	unlock := st.locks.Lock(userID)
	defer unlock()

	s, ok := st.load(userID)
	if !ok {
		return Session{}, engine.ErrNotFound
	}
	if err := fn(s); err != nil {
		return *s, err
	}
	s.UserID = userID
	st.save(s)
	return *s.clone(), nil
}

// StartSearch replaces the user's session with a fresh one at page 0 and
// returns the session it displaced (nil if none), so the caller can settle
// any hold it carried.
func (st *Store) StartSearch(userID, query string, results []engine.SearchResult) (Session, *Session) {
	unlock := st.locks.Lock(userID)
	defer unlock()

	prev, _ := st.load(userID)
	var gen uint64
	if prev != nil {
		gen = prev.Generation
	}
	s := &Session{
		UserID:     userID,
		Query:      query,
		Results:    slices.Clone(results),
		Page:       0,
		Selected:   -1,
		State:      StateListed,
		Generation: gen + 1,
		CreatedAt:  st.now(),
	}
	st.save(s)
	return *s.clone(), prev
}

// SetPage moves the session to page; engine.ErrOutOfRange outside [0, TotalPages).
func (st *Store) SetPage(userID string, page int) (Session, error) {
	return st.Update(userID, func(s *Session) error {
		if page < 0 || page >= s.TotalPages(st.pageSize) {
			return fmt.Errorf("page %d of %d: %w", page, s.TotalPages(st.pageSize), engine.ErrOutOfRange)
		}
		s.Page = page
		return nil
	})
}

// Select marks result index as selected and returns it.
// engine.ErrOutOfRange outside [0, len(results)).
func (st *Store) Select(userID string, index int) (engine.SearchResult, error) {
	var picked engine.SearchResult
	_, err := st.Update(userID, func(s *Session) error {
		if index < 0 || index >= len(s.Results) {
			return fmt.Errorf("item %d of %d: %w", index, len(s.Results), engine.ErrOutOfRange)
		}
		if s.Selected != index {
			s.Resolved = nil
			s.Pending = nil
		}
		s.Selected = index
		picked = s.Results[index]
		return nil
	})
	return picked, err
}

// SetPendingAction records an action awaiting confirmation.
func (st *Store) SetPendingAction(userID string, kind ActionKind, resolvedURL string, cost int64) (Session, error) {
	return st.Update(userID, func(s *Session) error {
		s.Pending = &PendingAction{Kind: kind, ResolvedURL: resolvedURL, Cost: cost}
		return nil
	})
}

// ClearPendingAction drops any action awaiting confirmation.
func (st *Store) ClearPendingAction(userID string) (Session, error) {
	return st.Update(userID, func(s *Session) error {
		s.Pending = nil
		return nil
	})
}

// Delete forgets the user's session.
func (st *Store) Delete(userID string) {
	unlock := st.locks.Lock(userID)
	defer unlock()
	st.mu.Lock()
	delete(st.sessions, userID)
	st.mu.Unlock()
}

// Len reports how many users have a session.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
