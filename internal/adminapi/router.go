// Package adminapi is the operator HTTP surface: balances, top-ups, resets,
// history and stats. It is separate from the chat transport.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
)

// Ledger is the balance surface operators may touch.
type Ledger interface {
	Get(ctx context.Context, userID string) (engine.Account, error)
	Credit(ctx context.Context, userID string, amount int64) (engine.Account, error)
	Reset(ctx context.Context, userID string) (engine.Account, error)
	SetActive(ctx context.Context, userID string, active bool) (engine.Account, error)
}

// History is the read side of the persistent store.
type History interface {
	ListActiveAccounts(ctx context.Context) ([]engine.Account, error)
	DownloadHistory(ctx context.Context, userID string, limit int) ([]engine.DownloadRecord, error)
	SearchHistory(ctx context.Context, userID string, limit int) ([]engine.SearchRecord, error)
	Stats(ctx context.Context) (engine.Stats, error)
}

// Config configures the router.
type Config struct {
	Token   string        // bearer token; empty disables auth
	Metrics func() string // rendered at GET /metrics; nil hides the route
}

type api struct {
	ledger  Ledger
	history History
	metrics func() string
}

// NewRouter builds the admin router.
func NewRouter(cfg Config, l Ledger, h History) *mux.Router {
	a := &api{ledger: l, history: h, metrics: cfg.Metrics}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s := r.NewRoute().Subrouter()
	s.Use(bearerAuth(cfg.Token))
	s.HandleFunc("/users", a.listUsers).Methods(http.MethodGet)
	s.HandleFunc("/users/{id}/balance", a.balance).Methods(http.MethodGet)
	s.HandleFunc("/users/{id}/topup", a.topUp).Methods(http.MethodPost)
	s.HandleFunc("/users/{id}/reset", a.reset).Methods(http.MethodPost)
	s.HandleFunc("/users/{id}/active", a.setActive).Methods(http.MethodPost)
	s.HandleFunc("/users/{id}/downloads", a.downloads).Methods(http.MethodGet)
	s.HandleFunc("/users/{id}/searches", a.searches).Methods(http.MethodGet)
	s.HandleFunc("/stats", a.stats).Methods(http.MethodGet)
	if a.metrics != nil {
		s.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprint(w, a.metrics())
		}).Methods(http.MethodGet)
	}
	return r
}

func bearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) listUsers(w http.ResponseWriter, r *http.Request) {
	accts, err := a.history.ListActiveAccounts(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": accts, "count": len(accts)})
}

func (a *api) balance(w http.ResponseWriter, r *http.Request) {
	acct, err := a.ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

func (a *api) topUp(w http.ResponseWriter, r *http.Request) {
	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id := mux.Vars(r)["id"]
	acct, err := a.ledger.Credit(r.Context(), id, req.Amount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	slog.Info("admin: top-up", slog.String("user", id), slog.Int64("amount", req.Amount))
	writeJSON(w, http.StatusOK, acct)
}

func (a *api) reset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acct, err := a.ledger.Reset(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	slog.Info("admin: balance reset", slog.String("user", id))
	writeJSON(w, http.StatusOK, acct)
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (a *api) setActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	acct, err := a.ledger.SetActive(r.Context(), mux.Vars(r)["id"], req.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (a *api) downloads(w http.ResponseWriter, r *http.Request) {
	recs, err := a.history.DownloadHistory(r.Context(), mux.Vars(r)["id"], limitParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"downloads": recs})
}

func (a *api) searches(w http.ResponseWriter, r *http.Request) {
	recs, err := a.history.SearchHistory(r.Context(), mux.Vars(r)["id"], limitParam(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"searches": recs})
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	st, err := a.history.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// limitParam reads ?limit=; 0 lets the store pick its default.
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, engine.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "amount must be positive")
	default:
		slog.Error("admin: request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
