package delivery

import (
	"fmt"
	"strings"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/session"
)

// Payload is what the transport renders after an event. It carries semantic
// fields only; buttons and markup are the transport's business.
type Payload struct {
	Text       string        `json:"text"`
	State      session.State `json:"state"`
	Items      []Item        `json:"items,omitempty"`
	Pagination *Pagination   `json:"pagination,omitempty"`
	Preview    *Preview      `json:"preview,omitempty"`
	Actions    []Action      `json:"actions,omitempty"`
	Balance    *Balance      `json:"balance,omitempty"`
}

// Item is one row of a result list. Number is the 1-based position the user
// sees; the matching select index is Number-1.
type Item struct {
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

// Pagination describes the list page being shown.
type Pagination struct {
	Page       int  `json:"page"` // 0-based
	TotalPages int  `json:"total_pages"`
	Total      int  `json:"total"`
	HasPrev    bool `json:"has_prev"`
	HasNext    bool `json:"has_next"`
}

// Preview describes the selected item.
type Preview struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	Username     string `json:"username,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	DetailURL    string `json:"detail_url,omitempty"`
	Playable     bool   `json:"playable"`
	WatchURL     string `json:"watch_url,omitempty"` // only after watch is confirmed
}

// ActionKind names a control the transport may render.
type ActionKind string

const (
	ActWatch        ActionKind = "watch"
	ActDownload     ActionKind = "download"
	ActConfirmWatch ActionKind = "confirm_watch"
	ActCancelWatch  ActionKind = "cancel_watch"
	ActBack         ActionKind = "back_to_list"
)

// Action is one control. Disabled controls are still listed so the
// transport can show why they are unavailable.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Index   int        `json:"index"`
	Enabled bool       `json:"enabled"`
	Cost    int64      `json:"cost,omitempty"`
}

// Balance mirrors the user's two balance figures.
type Balance struct {
	Balance   int64 `json:"balance"`
	Available int64 `json:"available"`
}

// Caption is the semantic content sent alongside a delivered file.
type Caption struct {
	Title            string `json:"title"`
	Uploader         string `json:"uploader"`
	SizeBytes        int64  `json:"size_bytes"`
	RemainingBalance int64  `json:"remaining_balance"`
}

func balanceOf(a engine.Account) *Balance {
	return &Balance{Balance: a.Balance, Available: a.AvailableBalance}
}

func (s *Service) listPayload(sess session.Session) Payload {
	size := s.sessions.PageSize()
	total := sess.TotalPages(size)
	start, end := sess.PageBounds(sess.Page, size)

	items := make([]Item, 0, end-start)
	for i := start; i < end; i++ {
		r := sess.Results[i]
		items = append(items, Item{
			Number:   i + 1,
			Title:    engine.CleanTitle(r.Title, s.cfg.ListTitleLimit),
			Username: engine.TruncateRunes(r.Username, s.cfg.UsernameLimit, ""),
		})
	}

	return Payload{
		Text: fmt.Sprintf("Found %d results for %q (page %d/%d)",
			len(sess.Results), sess.Query, sess.Page+1, total),
		State: session.StateListed,
		Items: items,
		Pagination: &Pagination{
			Page:       sess.Page,
			TotalPages: total,
			Total:      len(sess.Results),
			HasPrev:    sess.Page > 0,
			HasNext:    sess.Page+1 < total,
		},
	}
}

func (s *Service) previewPayload(sess session.Session, acct engine.Account, watchEnabled bool, notes ...string) Payload {
	idx := sess.Selected
	r := sess.Results[idx]
	playable := sess.Resolved != nil

	var sb strings.Builder
	sb.WriteString(engine.CleanTitle(r.Title, s.cfg.PreviewTitleLimit))
	if r.Username != "" {
		fmt.Fprintf(&sb, "\nby %s", engine.TruncateRunes(r.Username, s.cfg.UsernameLimit, ""))
	}
	switch {
	case !playable:
		sb.WriteString("\nStreaming is not available for this item.")
	case !watchEnabled:
		fmt.Fprintf(&sb, "\nWatching costs %d; your available balance is %d.", s.cfg.WatchCost, acct.AvailableBalance)
	}
	for _, n := range notes {
		if n != "" {
			sb.WriteString("\n" + n)
		}
	}

	return Payload{
		Text:  sb.String(),
		State: session.StatePreviewed,
		Preview: &Preview{
			Number:       idx + 1,
			Title:        engine.CleanTitle(r.Title, s.cfg.PreviewTitleLimit),
			Username:     r.Username,
			ThumbnailURL: r.ThumbnailURL,
			DetailURL:    r.DetailURL,
			Playable:     playable,
		},
		Actions: []Action{
			{Kind: ActWatch, Index: idx, Enabled: playable && watchEnabled, Cost: s.cfg.WatchCost},
			{Kind: ActDownload, Index: idx, Enabled: true, Cost: s.cfg.DownloadCost},
			{Kind: ActBack, Index: idx, Enabled: true},
		},
		Balance: balanceOf(acct),
	}
}

func idlePayload(text string) Payload {
	return Payload{Text: text, State: session.StateIdle}
}
