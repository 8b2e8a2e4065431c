package portfolio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type seeded struct {
	store *store.MemoryStore
	acme  string
	bond  string
	zero  string
}

func seed(t *testing.T) *seeded {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	acme := &model.Instrument{Symbol: "ACME", Name: "Acme Corp", Type: model.InstrumentStock}
	bond := &model.Instrument{Symbol: "TBND", Name: "Treasury Bond", Type: model.InstrumentBond}
	zero := &model.Instrument{Symbol: "GONE", Name: "Sold Out Inc", Type: model.InstrumentStock}
	for _, in := range []*model.Instrument{acme, bond, zero} {
		require.NoError(t, s.CreateInstrument(ctx, in))
	}
	require.NoError(t, s.CreateAccount(ctx, &model.Account{UserID: "alice"}))
	require.NoError(t, s.SetBalance("alice", d("850")))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, h := range []model.Holding{
		{UserID: "alice", InstrumentID: acme.ID, Quantity: d("10"), AveragePrice: d("15"), RealizedPnL: d("75")},
		{UserID: "alice", InstrumentID: bond.ID, Quantity: d("2"), AveragePrice: d("100"), RealizedPnL: d("0")},
		{UserID: "alice", InstrumentID: zero.ID, Quantity: d("0"), AveragePrice: d("3"), RealizedPnL: d("5")},
	} {
		require.NoError(t, tx.InsertHolding(ctx, &h))
	}
	require.NoError(t, tx.Commit(ctx))

	return &seeded{store: s, acme: acme.ID, bond: bond.ID, zero: zero.ID}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHolding_WithQuote(t *testing.T) {
	s := seed(t)
	svc := NewService(s.store, StaticQuotes{"ACME": d("20"), "GONE": d("4")}, quiet())

	v, err := svc.Holding(context.Background(), "alice", s.acme)
	require.NoError(t, err)
	assert.Equal(t, "ACME", v.Symbol)
	assert.Equal(t, model.InstrumentStock, v.InstrumentType)
	assert.True(t, v.CostBasis.Equal(d("150")))
	require.NotNil(t, v.CurrentPrice)
	assert.True(t, v.MarketValue.Equal(d("200")))
	assert.True(t, v.UnrealizedPnL.Equal(d("50")))
	assert.True(t, v.UnrealizedPnLPercent.Equal(d("33.33")), "pct = %s", v.UnrealizedPnLPercent)
	assert.Equal(t, "$200.00", v.Display.MarketValue)
	assert.Equal(t, "$75.00", v.Display.RealizedPnL)
}

func TestHolding_WithoutQuote(t *testing.T) {
	s := seed(t)
	svc := NewService(s.store, StaticQuotes{}, quiet())

	v, err := svc.Holding(context.Background(), "alice", s.bond)
	require.NoError(t, err)
	assert.Nil(t, v.CurrentPrice)
	assert.Nil(t, v.MarketValue)
	assert.Nil(t, v.UnrealizedPnL)
	assert.Nil(t, v.UnrealizedPnLPercent)
	assert.True(t, v.CostBasis.Equal(d("200")))
	assert.Empty(t, v.Display.MarketValue)

	_, err = svc.Holding(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHolding_ZeroCostBasisHasNoPercent(t *testing.T) {
	s := seed(t)
	svc := NewService(s.store, StaticQuotes{"GONE": d("4")}, quiet())

	v, err := svc.Holding(context.Background(), "alice", s.zero)
	require.NoError(t, err)
	require.NotNil(t, v.MarketValue)
	assert.True(t, v.MarketValue.IsZero())
	assert.Nil(t, v.UnrealizedPnLPercent)
}

func TestHoldings_FiltersAndTotal(t *testing.T) {
	s := seed(t)
	svc := NewService(s.store, StaticQuotes{"ACME": d("20")}, quiet())
	ctx := context.Background()

	views, total, err := svc.Holdings(ctx, store.HoldingFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, views, 3)

	open, total, err := svc.Holdings(ctx, store.HoldingFilter{UserID: "alice", OpenOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, v := range open {
		assert.False(t, v.Quantity.IsZero())
	}

	one, total, err := svc.Holdings(ctx, store.HoldingFilter{UserID: "alice", InstrumentID: s.acme})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, one, 1)
	assert.Equal(t, "ACME", one[0].Symbol)
}

type flakyQuotes struct {
	calls atomic.Int32
}

func (q *flakyQuotes) Quote(context.Context, string) (Quote, error) {
	q.calls.Add(1)
	return Quote{}, errors.New("feed unavailable")
}

func TestHoldings_QuoteFailureDegrades(t *testing.T) {
	s := seed(t)
	quotes := &flakyQuotes{}
	svc := NewService(s.store, quotes, quiet())

	views, _, err := svc.Holdings(context.Background(), store.HoldingFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), quotes.calls.Load())
	for _, v := range views {
		assert.Nil(t, v.CurrentPrice)
	}
}

func TestSummary(t *testing.T) {
	s := seed(t)
	svc := NewService(s.store, StaticQuotes{"ACME": d("20"), "GONE": d("4")}, quiet())

	sum, err := svc.Summary(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, sum.CashBalance.Equal(d("850")))
	assert.True(t, sum.MarketValue.Equal(d("200")))
	assert.True(t, sum.CostBasis.Equal(d("350")))
	assert.True(t, sum.RealizedPnL.Equal(d("80")))
	assert.True(t, sum.UnrealizedPnL.Equal(d("50")))
	assert.True(t, sum.NetWorth.Equal(d("1250")), "net worth = %s", sum.NetWorth)
	assert.Equal(t, 2, sum.OpenPositions)
	assert.Equal(t, 1, sum.UnpricedHoldings)
	assert.Equal(t, "$1,250.00", sum.Display.NetWorth)

	_, err = svc.Summary(context.Background(), "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseStaticQuotes(t *testing.T) {
	q, err := ParseStaticQuotes(" acme=20.5, TBND = 99.125 ,")
	require.NoError(t, err)
	assert.Len(t, q, 2)
	assert.True(t, q["ACME"].Equal(d("20.5")))
	assert.True(t, q["TBND"].Equal(d("99.125")))

	got, err := q.Quote(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, got.LastPrice().Equal(d("20.5")))

	_, err = q.Quote(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNoQuote)

	empty, err := ParseStaticQuotes("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range []string{"ACME", "=1", "ACME=abc", "ACME=-1"} {
		_, err := ParseStaticQuotes(bad)
		assert.Error(t, err, bad)
	}
}

func TestQuote_LastPriceFallsBackToPreviousClose(t *testing.T) {
	q := Quote{PreviousClose: d("9.5")}
	assert.True(t, q.LastPrice().Equal(d("9.5")))
	q.Price = d("10")
	assert.True(t, q.LastPrice().Equal(d("10")))
}
