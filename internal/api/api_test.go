package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio/ledger-service/internal/ledger"
	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/portfolio"
	"github.com/folio/ledger-service/internal/store"
)

type testServer struct {
	store   *store.MemoryStore
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...ledger.Option) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	opts = append([]ledger.Option{ledger.WithLogger(logger)}, opts...)
	h := New(Deps{
		Store:     st,
		Engine:    ledger.NewEngine(st, opts...),
		Portfolio: portfolio.NewService(st, portfolio.StaticQuotes{"ACME": decimal.RequireFromString("12.5")}, logger),
		Logger:    logger,
	})
	return &testServer{store: st, handler: NewRouter(h, nil)}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody[errorBody](t, rec)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, code, body.Code)
	return body
}

// seed creates alice with an instrument and a cash deposit.
func (s *testServer) seed(t *testing.T, deposit string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "alice", "name": "Alice", "email": "alice@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/v1/instruments", map[string]string{
		"symbol": "acme", "full_name": "Acme Corp", "instrument_type": "stock",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	in := decodeBody[model.Instrument](t, rec)

	if deposit != "" {
		rec = s.do(t, http.MethodPost, "/api/v1/accounts/alice/transfers", map[string]string{"transfer_type": "deposit", "amount": deposit})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	return in.ID
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "alice", "name": "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	acct := decodeBody[model.Account](t, rec)
	assert.Equal(t, "alice", acct.UserID)
	assert.True(t, acct.CashBalance.IsZero())

	rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "alice"})
	requireError(t, rec, http.StatusConflict, CodeAlreadyExists)

	rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"name": "Generated"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decodeBody[model.Account](t, rec).UserID)

	rec = s.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"user_id": "bob", "email": "not-an-email"})
	body := requireError(t, rec, http.StatusBadRequest, CodeValidation)
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "email", body.Errors[0].Path)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/nobody", nil)
	requireError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestInstruments(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, "")

	rec := s.do(t, http.MethodGet, "/api/v1/instruments/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACME", decodeBody[model.Instrument](t, rec).Symbol)

	rec = s.do(t, http.MethodPost, "/api/v1/instruments", map[string]string{"full_name": "No Symbol", "instrument_type": "crypto"})
	body := requireError(t, rec, http.StatusBadRequest, CodeValidation)
	paths := []string{}
	for _, e := range body.Errors {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{"symbol", "instrument_type"}, paths)

	rec = s.do(t, http.MethodPost, "/api/v1/instruments", map[string]string{"symbol": "ACME", "full_name": "Dup", "instrument_type": "etf"})
	requireError(t, rec, http.StatusConflict, CodeAlreadyExists)

	rec = s.do(t, http.MethodGet, "/api/v1/instruments?q=acme&type=stock", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))
	assert.Len(t, decodeBody[[]model.Instrument](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/v1/instruments?type=crypto", nil)
	requireError(t, rec, http.StatusBadRequest, CodeValidation)

	rec = s.do(t, http.MethodGet, "/api/v1/instruments/unknown", nil)
	requireError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestTradeFlow(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, "1000")

	rec := s.do(t, http.MethodPost, "/api/v1/accounts/alice/trades", map[string]any{
		"instrument_id": id, "side": "buy", "quantity": 10, "price_per_unit": "10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[model.TradeResult](t, rec)
	assert.True(t, res.CashBalance.Equal(decimal.NewFromInt(900)))
	assert.True(t, res.Holding.Quantity.Equal(decimal.NewFromInt(10)))
	tradeID := res.Trade.ID

	rec = s.do(t, http.MethodPost, "/api/v1/accounts/alice/trades", map[string]any{
		"instrument_id": id, "side": "sell", "quantity": "4", "price_per_unit": 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res = decodeBody[model.TradeResult](t, rec)
	assert.True(t, res.Holding.RealizedPnL.Equal(decimal.NewFromInt(20)))

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/trades?side=buy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trades := decodeBody[[]model.TradeRecord](t, rec)
	require.Len(t, trades, 2)
	assert.Equal(t, model.SideSell, trades[0].Side, "newest first")
	assert.Equal(t, "trades 0-2/2", rec.Header().Get("Content-Range"))

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/trades/"+tradeID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/accounts/bob/trades/"+tradeID, nil)
	requireError(t, rec, http.StatusNotFound, CodeNotFound)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/holdings?open=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	views := decodeBody[[]portfolio.HoldingView](t, rec)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].MarketValue)
	assert.True(t, views[0].MarketValue.Equal(decimal.NewFromInt(75)), "6 × 12.5")

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/holdings/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decodeBody[portfolio.Summary](t, rec)
	assert.True(t, sum.CashBalance.Equal(decimal.NewFromInt(960)))
	assert.True(t, sum.NetWorth.Equal(decimal.NewFromInt(1035)))

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody[ledger.Reconciliation](t, rec)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 2, audit.Trades)
	assert.Equal(t, 1, audit.Transfers)
}

func TestTradeErrors(t *testing.T) {
	s := newTestServer(t)
	id := s.seed(t, "10")

	tests := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad json", "/api/v1/accounts/alice/trades", "{", http.StatusBadRequest, CodeValidation},
		{"bad side", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": id, "side": "hold", "quantity": 1, "price_per_unit": 1}, http.StatusBadRequest, CodeValidation},
		{"missing price", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": id, "side": "buy", "quantity": 1}, http.StatusBadRequest, CodeValidation},
		{"not a uuid", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": "acme", "side": "buy", "quantity": 1, "price_per_unit": 1}, http.StatusBadRequest, CodeValidation},
		{"quantity precision", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": id, "side": "buy", "quantity": "1.001", "price_per_unit": 1}, http.StatusBadRequest, ledger.CodeInvalidQuantity},
		{"unknown instrument", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": "00000000-0000-0000-0000-000000000000", "side": "buy", "quantity": 1, "price_per_unit": 1}, http.StatusBadRequest, ledger.CodeInvalidInstrument},
		{"unknown user", "/api/v1/accounts/bob/trades", map[string]any{"instrument_id": id, "side": "buy", "quantity": 1, "price_per_unit": 1}, http.StatusBadRequest, ledger.CodeUserNotFound},
		{"insufficient funds", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": id, "side": "buy", "quantity": 2, "price_per_unit": "5.01"}, http.StatusBadRequest, ledger.CodeInsufficientFunds},
		{"insufficient holdings", "/api/v1/accounts/alice/trades", map[string]any{"instrument_id": id, "side": "sell", "quantity": 1, "price_per_unit": 1}, http.StatusBadRequest, ledger.CodeInsufficientHoldings},
		{"overdraw", "/api/v1/accounts/alice/transfers", map[string]any{"transfer_type": "withdraw", "amount": "10.01"}, http.StatusBadRequest, ledger.CodeInsufficientFunds},
		{"bad transfer type", "/api/v1/accounts/alice/transfers", map[string]any{"transfer_type": "wire", "amount": 1}, http.StatusBadRequest, CodeValidation},
		{"amount precision", "/api/v1/accounts/alice/transfers", map[string]any{"transfer_type": "deposit", "amount": 0.001}, http.StatusBadRequest, ledger.CodeInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.body)
			requireError(t, rec, tt.status, tt.code)
		})
	}

	rec := s.do(t, http.MethodGet, "/api/v1/accounts/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[model.Account](t, rec).CashBalance.Equal(decimal.NewFromInt(10)), "rejections left the balance untouched")
}

func TestListValidation(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, "1")

	for _, path := range []string{
		"/api/v1/accounts/alice/trades?page=0",
		"/api/v1/accounts/alice/trades?page_size=201",
		"/api/v1/accounts/alice/trades?side=short",
		"/api/v1/accounts/alice/transfers?transfer_type=wire",
		"/api/v1/accounts/alice/holdings?open=maybe",
	} {
		rec := s.do(t, http.MethodGet, path, nil)
		requireError(t, rec, http.StatusBadRequest, CodeValidation)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/accounts/alice/transfers?transfer_type=deposit&page=1&page_size=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = s.do(t, http.MethodGet, "/api/v1/accounts/alice/transfers?page=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestLockTimeoutReturns503(t *testing.T) {
	s := newTestServer(t, ledger.WithTxTimeout(20*time.Millisecond))
	s.seed(t, "100")

	ctx := context.Background()
	holder, err := s.store.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	_, err = holder.LockAccount(ctx, "alice")
	require.NoError(t, err)

	rec := s.do(t, http.MethodPost, "/api/v1/accounts/alice/transfers", map[string]string{"transfer_type": "withdraw", "amount": "1"})
	requireError(t, rec, http.StatusServiceUnavailable, ledger.CodeLockTimeout)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	st := store.NewMemoryStore()
	h := New(Deps{Store: st, Ping: func(context.Context) error { return errors.New("db down") }, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	rec = httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
