package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio/ledger-service/internal/model"
)

// pausingLedger stalls the first ListHoldings after its primary read until
// resume is closed.
type pausingLedger struct {
	*MemoryStore
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func (l *pausingLedger) ListHoldings(ctx context.Context, f HoldingFilter) ([]model.Holding, int, error) {
	holdings, total, err := l.MemoryStore.ListHoldings(ctx, f)
	l.once.Do(func() {
		close(l.read)
		<-l.resume
	})
	return holdings, total, err
}

func newCached(t *testing.T, primary Ledger) (*CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCachedStore(primary, rdb, time.Minute), mr
}

func cachedFixture(t *testing.T, s *CachedStore) (userID, instrumentID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, &model.Account{UserID: "u1"}))
	in := &model.Instrument{Symbol: "CCH", Name: "Cached", Type: model.InstrumentStock}
	require.NoError(t, s.CreateInstrument(ctx, in))
	return "u1", in.ID
}

func buyOne(t *testing.T, s *CachedStore, userID, instrumentID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockAccount(ctx, userID)
	require.NoError(t, err)
	_, err = tx.AdjustBalance(ctx, userID, d("-2"))
	require.NoError(t, err)
	require.NoError(t, tx.InsertHolding(ctx, &model.Holding{UserID: userID, InstrumentID: instrumentID, Quantity: d("1"), AveragePrice: d("2"), RealizedPnL: d("0")}))
	require.NoError(t, tx.Commit(ctx))
}

func TestCachedStore_InvalidatesOnCommit(t *testing.T) {
	mem := NewMemoryStore()
	s, _ := newCached(t, mem)
	ctx := context.Background()
	user, inst := cachedFixture(t, s)

	a, err := s.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.IsZero())

	// A write behind the cache's back is not visible until invalidation.
	require.NoError(t, mem.SetBalance(user, d("7")))
	a, err = s.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.IsZero(), "served from cache")

	_, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Zero(t, total)

	buyOne(t, s, user, inst)

	a, err = s.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.True(t, a.CashBalance.Equal(d("5")), "balance after commit = %s", a.CashBalance)

	holdings, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, holdings, 1)

	got, err := s.GetInstrument(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, "CCH", got.Symbol)
}

func TestCachedStore_SlowReaderDoesNotRecacheAfterCommit(t *testing.T) {
	primary := &pausingLedger{
		MemoryStore: NewMemoryStore(),
		read:        make(chan struct{}),
		resume:      make(chan struct{}),
	}
	s, mr := newCached(t, primary)
	ctx := context.Background()
	user, inst := cachedFixture(t, s)

	done := make(chan int)
	go func() {
		_, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
		assert.NoError(t, err)
		done <- total
	}()

	<-primary.read
	buyOne(t, s, user, inst)
	close(primary.resume)
	assert.Zero(t, <-done, "the reader saw the state before the commit")

	assert.False(t, mr.Exists(holdingsKey(user)), "pre-commit page must not be cached")

	holdings, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(d("1")))
}

func TestCachedStore_TxHoldingsBypassCache(t *testing.T) {
	mem := NewMemoryStore()
	s, _ := newCached(t, mem)
	ctx := context.Background()
	user, inst := cachedFixture(t, s)

	_, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Zero(t, total)

	// Commit straight to the primary so the cached page goes stale.
	tx, err := mem.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertHolding(ctx, &model.Holding{UserID: user, InstrumentID: inst, Quantity: d("3"), AveragePrice: d("1"), RealizedPnL: d("0")}))
	require.NoError(t, tx.Commit(ctx))

	_, total, err = s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Zero(t, total, "served from cache")

	read, err := s.Begin(ctx)
	require.NoError(t, err)
	defer read.Rollback(ctx)
	holdings, err := read.Holdings(ctx, user)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(d("3")))
}

func TestCachedStore_RedisDownFallsThrough(t *testing.T) {
	mem := NewMemoryStore()
	s, mr := newCached(t, mem)
	ctx := context.Background()
	user, _ := cachedFixture(t, s)
	mr.Close()

	a, err := s.GetAccount(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, a.UserID)

	_, total, err := s.ListHoldings(ctx, HoldingFilter{UserID: user})
	require.NoError(t, err)
	assert.Zero(t, total)
}
