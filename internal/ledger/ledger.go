// Package ledger owns user balances. Every mutation is a read-modify-write
// under the user's lock, so concurrent spends can never overdraw.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/keylock"
)

// AccountRepo persists accounts. GetAccount returns engine.ErrNotFound for
// unknown users.
type AccountRepo interface {
	GetAccount(ctx context.Context, userID string) (engine.Account, error)
	UpsertAccount(ctx context.Context, a engine.Account) error
}

// Ledger applies balance operations atomically per user.
type Ledger struct {
	repo  AccountRepo
	locks *keylock.Map
	now   func() time.Time
}

// New creates a Ledger over repo.
func New(repo AccountRepo) *Ledger {
	return &Ledger{repo: repo, locks: keylock.New(), now: time.Now}
}

// Get returns the account for userID.
func (l *Ledger) Get(ctx context.Context, userID string) (engine.Account, error) {
	a, err := l.repo.GetAccount(ctx, userID)
	if err != nil {
		return engine.Account{}, fmt.Errorf("ledger get %s: %w", userID, err)
	}
	return a, nil
}

// Open creates the account with both balances equal to opening. If the
// account already exists it is returned unchanged and nothing is written.
func (l *Ledger) Open(ctx context.Context, userID, displayName string, opening int64) (engine.Account, error) {
	if opening < 0 {
		return engine.Account{}, fmt.Errorf("ledger open %s: %w", userID, engine.ErrInvalidAmount)
	}
	unlock := l.locks.Lock(userID)
	defer unlock()

	a, err := l.repo.GetAccount(ctx, userID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return engine.Account{}, fmt.Errorf("ledger open %s: %w", userID, err)
	}

	a = engine.Account{
		UserID:           userID,
		DisplayName:      displayName,
		OpeningBalance:   opening,
		Balance:          opening,
		AvailableBalance: opening,
		Active:           true,
		JoinedAt:         l.now().UTC(),
	}
	if err := l.repo.UpsertAccount(ctx, a); err != nil {
		return engine.Account{}, fmt.Errorf("ledger open %s: %w", userID, err)
	}
	slog.Info("account opened", slog.String("user", userID), slog.Int64("opening", opening))
	return a, nil
}

// Credit tops up both balance figures by amount.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (engine.Account, error) {
	return l.mutate(ctx, "credit", userID, amount, func(a *engine.Account) error {
		a.Balance += amount
		a.AvailableBalance += amount
		return nil
	})
}

// Debit spends amount from the available balance. It fails with
// engine.ErrInsufficientFunds, leaving the account untouched, when the
// available balance would go negative.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (engine.Account, error) {
	a, err := l.mutate(ctx, "debit", userID, amount, func(a *engine.Account) error {
		if a.AvailableBalance-amount < 0 {
			return engine.ErrInsufficientFunds
		}
		a.AvailableBalance -= amount
		return nil
	})
	switch {
	case err == nil:
		engine.IncrDebit()
	case errors.Is(err, engine.ErrInsufficientFunds):
		engine.IncrInsufficientFunds()
	}
	return a, err
}

// Refund releases amount back to the available balance, capped at Balance.
// It undoes a hold or a charge for an undelivered file; Balance is untouched.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64) (engine.Account, error) {
	a, err := l.mutate(ctx, "refund", userID, amount, func(a *engine.Account) error {
		a.AvailableBalance = min(a.Balance, a.AvailableBalance+amount)
		return nil
	})
	if err == nil {
		engine.IncrRefund()
	}
	return a, err
}

// Reset restores both balance figures to the opening balance.
func (l *Ledger) Reset(ctx context.Context, userID string) (engine.Account, error) {
	return l.update(ctx, "reset", userID, func(a *engine.Account) error {
		a.Balance = a.OpeningBalance
		a.AvailableBalance = a.OpeningBalance
		return nil
	})
}

// SetActive flags whether the user still receives broadcasts.
func (l *Ledger) SetActive(ctx context.Context, userID string, active bool) (engine.Account, error) {
	return l.update(ctx, "set-active", userID, func(a *engine.Account) error {
		a.Active = active
		return nil
	})
}

func (l *Ledger) mutate(ctx context.Context, op, userID string, amount int64, fn func(*engine.Account) error) (engine.Account, error) {
	if amount <= 0 {
		return engine.Account{}, fmt.Errorf("ledger %s %s: %w", op, userID, engine.ErrInvalidAmount)
	}
	return l.update(ctx, op, userID, fn)
}

// update loads, modifies and stores one account under the user's lock.
// Nothing is written if fn fails or the result breaks the balance invariant.
func (l *Ledger) update(ctx context.Context, op, userID string, fn func(*engine.Account) error) (engine.Account, error) {
	unlock := l.locks.Lock(userID)
	defer unlock()

	a, err := l.repo.GetAccount(ctx, userID)
	if err != nil {
		return engine.Account{}, fmt.Errorf("ledger %s %s: %w", op, userID, err)
	}
	next := a
	if err := fn(&next); err != nil {
		return a, fmt.Errorf("ledger %s %s: %w", op, userID, err)
	}
	if !next.Valid() {
		return a, fmt.Errorf("ledger %s %s: balance invariant violated: %w", op, userID, engine.ErrInvalidAmount)
	}
	if err := l.repo.UpsertAccount(ctx, next); err != nil {
		return a, fmt.Errorf("ledger %s %s: %w", op, userID, err)
	}
	slog.Debug("ledger updated",
		slog.String("op", op),
		slog.String("user", userID),
		slog.Int64("balance", next.Balance),
		slog.Int64("available", next.AvailableBalance))
	return next, nil
}
