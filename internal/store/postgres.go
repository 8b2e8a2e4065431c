package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
)

// PostgresStore implements Ledger using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text between Go and the database.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout bounds
// every row-lock wait inside a ledger transaction; zero leaves the server
// default.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

const (
	accountColumns    = `user_id, name, email, cash_balance::TEXT, created_at`
	instrumentColumns = `instrument_id, symbol, full_name, instrument_type, COALESCE(text_description, ''), metadata::TEXT`
	holdingColumns    = `user_id, instrument_id, quantity::TEXT, average_price::TEXT, realized_pnl::TEXT, updated_at`
	tradeColumns      = `trade_id, user_id, instrument_id, side, quantity::TEXT, price_per_unit::TEXT, total::TEXT, executed_at, seq`
	transferColumns   = `transfer_id, user_id, transfer_type, amount::TEXT, transferred_at, seq`
)

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (user_id, name, email) VALUES ($1, $2, $3)
		 RETURNING cash_balance::TEXT, created_at`,
		a.UserID, a.Name, a.Email,
	).Scan(new(string), &a.CreatedAt)
	if err != nil {
		return classify(fmt.Errorf("create account %s: %w", a.UserID, err))
	}
	a.CashBalance = decimal.Zero
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, classify(fmt.Errorf("get account %s: %w", userID, err))
	}
	return a, nil
}

// --- Reference data ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	var metadata *string
	if len(in.Metadata) > 0 {
		m := string(in.Metadata)
		metadata = &m
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (instrument_id, symbol, full_name, instrument_type, text_description, metadata)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6::JSONB)`,
		in.ID, in.Symbol, in.Name, string(in.Type), in.Description, metadata,
	)
	if err != nil {
		return classify(fmt.Errorf("create instrument %s: %w", in.Symbol, err))
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	in, err := scanInstrument(s.pool.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE instrument_id = $1`, id))
	if err != nil {
		return nil, classify(fmt.Errorf("get instrument %s: %w", id, err))
	}
	return in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context, f InstrumentFilter) ([]model.Instrument, int, error) {
	p := f.Page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+instrumentColumns+`, COUNT(*) OVER ()
		 FROM instruments
		 WHERE ($1 = '' OR strpos(lower(symbol), lower($1)) > 0 OR strpos(lower(full_name), lower($1)) > 0)
		   AND ($2 = '' OR instrument_type = $2)
		 ORDER BY symbol
		 LIMIT $3 OFFSET $4`,
		strings.TrimSpace(f.Query), string(f.Type), p.Size, p.Offset())
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list instruments: %w", err))
	}
	defer rows.Close()

	instruments := []model.Instrument{}
	total := 0
	for rows.Next() {
		var in model.Instrument
		var typ string
		var metadata *string
		if err := rows.Scan(&in.ID, &in.Symbol, &in.Name, &typ, &in.Description, &metadata, &total); err != nil {
			return nil, 0, err
		}
		in.Type = model.InstrumentType(typ)
		if metadata != nil {
			in.Metadata = json.RawMessage(*metadata)
		}
		instruments = append(instruments, in)
	}
	return instruments, total, rows.Err()
}

// --- Holdings ---

func (s *PostgresStore) GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND instrument_id = $2`,
		userID, instrumentID))
	if err != nil {
		return nil, classify(fmt.Errorf("get holding %s/%s: %w", userID, instrumentID, err))
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, f HoldingFilter) ([]model.Holding, int, error) {
	p := f.Page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+`, COUNT(*) OVER ()
		 FROM holdings
		 WHERE user_id = $1
		   AND ($2 = '' OR instrument_id = $2)
		   AND (NOT $3 OR quantity > 0)
		 ORDER BY instrument_id
		 LIMIT $4 OFFSET $5`,
		f.UserID, f.InstrumentID, f.OpenOnly, p.Size, p.Offset())
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list holdings %s: %w", f.UserID, err))
	}
	defer rows.Close()

	holdings := []model.Holding{}
	total := 0
	for rows.Next() {
		h, err := scanHolding(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, total, rows.Err()
}

// --- Immutable logs ---

func (s *PostgresStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.TradeRecord, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 AND user_id = $2`, tradeID, userID))
	if err != nil {
		return nil, classify(fmt.Errorf("get trade %s: %w", tradeID, err))
	}
	return t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.TradeRecord, int, error) {
	p := f.Page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`, COUNT(*) OVER ()
		 FROM trades
		 WHERE user_id = $1
		   AND ($2 = '' OR instrument_id = $2)
		   AND ($3 = '' OR side = $3)
		 ORDER BY seq DESC
		 LIMIT $4 OFFSET $5`,
		f.UserID, f.InstrumentID, string(f.Side), p.Size, p.Offset())
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list trades %s: %w", f.UserID, err))
	}
	defer rows.Close()

	trades := []model.TradeRecord{}
	total := 0
	for rows.Next() {
		t, err := scanTrade(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		trades = append(trades, *t)
	}
	return trades, total, rows.Err()
}

func (s *PostgresStore) GetTransfer(ctx context.Context, userID, transferID string) (*model.TransferRecord, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = $1 AND user_id = $2`, transferID, userID))
	if err != nil {
		return nil, classify(fmt.Errorf("get transfer %s: %w", transferID, err))
	}
	return t, nil
}

func (s *PostgresStore) ListTransfers(ctx context.Context, f TransferFilter) ([]model.TransferRecord, int, error) {
	p := f.Page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferColumns+`, COUNT(*) OVER ()
		 FROM transfers
		 WHERE user_id = $1
		   AND ($2 = '' OR transfer_type = $2)
		 ORDER BY seq DESC
		 LIMIT $3 OFFSET $4`,
		f.UserID, string(f.Kind), p.Size, p.Offset())
	if err != nil {
		return nil, 0, classify(fmt.Errorf("list transfers %s: %w", f.UserID, err))
	}
	defer rows.Close()

	transfers := []model.TransferRecord{}
	total := 0
	for rows.Next() {
		t, err := scanTransfer(rows, &total)
		if err != nil {
			return nil, 0, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, total, rows.Err()
}

func (s *PostgresStore) TradeLog(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("trade log %s: %w", userID, err))
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) TransferLog(ctx context.Context, userID string) ([]model.TransferRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("transfer log %s: %w", userID, err))
	}
	defer rows.Close()

	var transfers []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

// --- Transactions ---

// Begin opens a READ COMMITTED transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize concurrent operations on the same rows;
// lock_timeout bounds how long any one wait may take.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(fmt.Errorf("begin: %w", err))
	}
	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			_ = tx.Rollback(ctx)
			return nil, classify(fmt.Errorf("set lock_timeout: %w", err))
		}
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, classify(fmt.Errorf("lock account %s: %w", userID, err))
	}
	return a, nil
}

func (t *pgTx) LockHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND instrument_id = $2 FOR UPDATE`,
		userID, instrumentID))
	if err != nil {
		return nil, classify(fmt.Errorf("lock holding %s/%s: %w", userID, instrumentID, err))
	}
	return h, nil
}

func (t *pgTx) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("holdings %s: %w", userID, err))
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.TradeRecord) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades (trade_id, user_id, instrument_id, side, quantity, price_per_unit, total)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
		 RETURNING executed_at, seq`,
		tr.ID, tr.UserID, tr.InstrumentID, string(tr.Side),
		tr.Quantity.String(), tr.PricePerUnit.String(), tr.Total.String(),
	).Scan(&tr.ExecutedAt, &tr.Seq)
	if err != nil {
		return classify(fmt.Errorf("insert trade: %w", err))
	}
	return nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *model.TransferRecord) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transfers (transfer_id, user_id, transfer_type, amount)
		 VALUES ($1, $2, $3, $4::NUMERIC)
		 RETURNING transferred_at, seq`,
		tr.ID, tr.UserID, string(tr.Kind), tr.Amount.String(),
	).Scan(&tr.TransferredAt, &tr.Seq)
	if err != nil {
		return classify(fmt.Errorf("insert transfer: %w", err))
	}
	return nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`UPDATE accounts SET cash_balance = cash_balance + $2::NUMERIC
		 WHERE user_id = $1
		 RETURNING cash_balance::TEXT`,
		userID, delta.String(),
	).Scan(&balance)
	if err != nil {
		return decimal.Zero, classify(fmt.Errorf("adjust balance %s: %w", userID, err))
	}
	return parseDecimal("cash_balance", balance)
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO holdings (user_id, instrument_id, quantity, average_price, realized_pnl)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
		 RETURNING updated_at`,
		h.UserID, h.InstrumentID,
		h.Quantity.String(), h.AveragePrice.String(), h.RealizedPnL.String(),
	).Scan(&h.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("insert holding %s/%s: %w", h.UserID, h.InstrumentID, err))
	}
	return nil
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE holdings
		 SET quantity = $3::NUMERIC, average_price = $4::NUMERIC, realized_pnl = $5::NUMERIC,
		     updated_at = clock_timestamp()
		 WHERE user_id = $1 AND instrument_id = $2
		 RETURNING updated_at`,
		h.UserID, h.InstrumentID,
		h.Quantity.String(), h.AveragePrice.String(), h.RealizedPnL.String(),
	).Scan(&h.UpdatedAt)
	if err != nil {
		return classify(fmt.Errorf("update holding %s/%s: %w", h.UserID, h.InstrumentID, err))
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return fmt.Errorf("rollback: %w", err)
}

// --- Error classification ---

// classify maps driver errors onto the store sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	// The caller went away; pgx cancels the query and reports 57014.
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "55P03", pgErr.Code == "57014": // lock_not_available, query_canceled
			return fmt.Errorf("%w: %w", ErrLockTimeout, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}

// --- Row scanning ---

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return d, nil
}

func scanAccount(r row) (*model.Account, error) {
	var a model.Account
	var balance string
	if err := r.Scan(&a.UserID, &a.Name, &a.Email, &balance, &a.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.CashBalance, err = parseDecimal("cash_balance", balance); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanInstrument(r row) (*model.Instrument, error) {
	var in model.Instrument
	var typ string
	var metadata *string
	if err := r.Scan(&in.ID, &in.Symbol, &in.Name, &typ, &in.Description, &metadata); err != nil {
		return nil, err
	}
	in.Type = model.InstrumentType(typ)
	if metadata != nil {
		in.Metadata = json.RawMessage(*metadata)
	}
	return &in, nil
}

// scanHolding reads holdingColumns followed by any extra destinations.
func scanHolding(r row, extra ...any) (*model.Holding, error) {
	var h model.Holding
	var qty, avg, pnl string
	dest := append([]any{&h.UserID, &h.InstrumentID, &qty, &avg, &pnl, &h.UpdatedAt}, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	var err error
	if h.Quantity, err = parseDecimal("quantity", qty); err != nil {
		return nil, err
	}
	if h.AveragePrice, err = parseDecimal("average_price", avg); err != nil {
		return nil, err
	}
	if h.RealizedPnL, err = parseDecimal("realized_pnl", pnl); err != nil {
		return nil, err
	}
	return &h, nil
}

// scanTrade reads tradeColumns followed by any extra destinations.
func scanTrade(r row, extra ...any) (*model.TradeRecord, error) {
	var t model.TradeRecord
	var side, qty, price, total string
	dest := append([]any{&t.ID, &t.UserID, &t.InstrumentID, &side, &qty, &price, &total, &t.ExecutedAt, &t.Seq}, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	t.Side = model.Side(side)
	var err error
	if t.Quantity, err = parseDecimal("quantity", qty); err != nil {
		return nil, err
	}
	if t.PricePerUnit, err = parseDecimal("price_per_unit", price); err != nil {
		return nil, err
	}
	if t.Total, err = parseDecimal("total", total); err != nil {
		return nil, err
	}
	return &t, nil
}

// scanTransfer reads transferColumns followed by any extra destinations.
func scanTransfer(r row, extra ...any) (*model.TransferRecord, error) {
	var t model.TransferRecord
	var kind, amount string
	dest := append([]any{&t.ID, &t.UserID, &kind, &amount, &t.TransferredAt, &t.Seq}, extra...)
	if err := r.Scan(dest...); err != nil {
		return nil, err
	}
	t.Kind = model.TransferKind(kind)
	var err error
	if t.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	return &t, nil
}
