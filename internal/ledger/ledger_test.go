package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_vidbot/internal/engine"
	"github.com/anatolykoptev/go_vidbot/internal/store"
)

// countingRepo wraps the memory store and counts writes.
type countingRepo struct {
	*store.Memory
	writes atomic.Int32
}

func (c *countingRepo) UpsertAccount(ctx context.Context, a engine.Account) error {
	c.writes.Add(1)
	return c.Memory.UpsertAccount(ctx, a)
}

func newLedger(t *testing.T) (*Ledger, *countingRepo) {
	t.Helper()
	repo := &countingRepo{Memory: store.NewMemory()}
	return New(repo), repo
}

func TestOpenIdempotent(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t)

	first, err := l.Open(ctx, "u1", "Alice", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), first.Balance)
	assert.Equal(t, int64(1000), first.AvailableBalance)
	assert.Equal(t, int64(1000), first.OpeningBalance)
	assert.True(t, first.Active)

	second, err := l.Open(ctx, "u1", "Someone Else", 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), repo.writes.Load(), "second open must not write")
}

func TestUnknownUser(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)

	_, err := l.Get(ctx, "ghost")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	_, err = l.Credit(ctx, "ghost", 10)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	_, err = l.Debit(ctx, "ghost", 10)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	_, err = l.Reset(ctx, "ghost")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestCreditDebitReset(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Open(ctx, "u1", "", 1000)
	require.NoError(t, err)

	a, err := l.Credit(ctx, "u1", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), a.Balance)
	assert.Equal(t, int64(1500), a.AvailableBalance)

	a, err = l.Debit(ctx, "u1", 700)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), a.Balance, "debit never touches balance")
	assert.Equal(t, int64(800), a.AvailableBalance)

	a, err = l.Refund(ctx, "u1", 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), a.AvailableBalance, "refund is capped at balance")

	a, err = l.Reset(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a.Balance)
	assert.Equal(t, int64(1000), a.AvailableBalance)
}

func TestInvalidAmounts(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Open(ctx, "u1", "", 100)
	require.NoError(t, err)

	for _, amt := range []int64{0, -5} {
		_, err = l.Credit(ctx, "u1", amt)
		assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
		_, err = l.Debit(ctx, "u1", amt)
		assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
		_, err = l.Refund(ctx, "u1", amt)
		assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
	}
	_, err = l.Open(ctx, "u2", "", -1)
	assert.True(t, errors.Is(err, engine.ErrInvalidAmount))
}

func TestFailedDebitLeavesAccountUnchanged(t *testing.T) {
	ctx := context.Background()
	l, repo := newLedger(t)
	_, err := l.Open(ctx, "u1", "Alice", 300)
	require.NoError(t, err)
	before, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	writes := repo.writes.Load()

	_, err = l.Debit(ctx, "u1", 301)
	require.True(t, errors.Is(err, engine.ErrInsufficientFunds))

	after, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, writes, repo.writes.Load(), "failed debit must not write")
}

func TestInvariantUnderRandomOps(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	rng := rand.New(rand.NewPCG(1, 2))

	users := []string{"a", "b", "c"}
	for _, u := range users {
		_, err := l.Open(ctx, u, "", int64(rng.IntN(2000)))
		require.NoError(t, err)
	}

	for i := 0; i < 2000; i++ {
		u := users[rng.IntN(len(users))]
		amt := int64(rng.IntN(800) + 1)
		var err error
		switch rng.IntN(4) {
		case 0:
			_, err = l.Credit(ctx, u, amt)
		case 1:
			_, err = l.Debit(ctx, u, amt)
		case 2:
			_, err = l.Refund(ctx, u, amt)
		case 3:
			_, err = l.Reset(ctx, u)
		}
		if err != nil && !errors.Is(err, engine.ErrInsufficientFunds) {
			t.Fatalf("op %d: unexpected error %v", i, err)
		}
		a, err := l.Get(ctx, u)
		require.NoError(t, err)
		if !a.Valid() {
			t.Fatalf("op %d: invariant broken: %+v", i, a)
		}
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Open(ctx, "u1", "", 1000)
	require.NoError(t, err)

	const workers = 50
	const amount = 70 // 50*70 = 3500 > 1000
	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", amount)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, engine.ErrInsufficientFunds):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	a, err := l.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(1000/amount), ok.Load())
	assert.Equal(t, int32(workers-1000/amount), insufficient.Load())
	assert.Equal(t, int64(1000-int(ok.Load())*amount), a.AvailableBalance)
	assert.True(t, a.Valid())
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	_, err := l.Open(ctx, "u1", "", 10)
	require.NoError(t, err)

	a, err := l.SetActive(ctx, "u1", false)
	require.NoError(t, err)
	assert.False(t, a.Active)
}
