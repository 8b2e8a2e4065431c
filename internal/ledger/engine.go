// Package ledger applies trades and cash transfers to a user's account state.
//
// Every operation runs in one store transaction: lock the account (and, for
// trades, the holding), check the business rules, append the log record,
// apply the relative balance update and the holding update, commit. Either
// all of those writes commit or none do. Cross-request coordination happens
// only through the store's row locks; the engine holds no mutable state of
// its own.
//
// All monetary values use shopspring/decimal. Rounding follows
// internal/money (half to even at each field's scale).
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/money"
	"github.com/folio/ledger-service/internal/store"
)

// DefaultTxTimeout bounds one operation from Begin to Commit, including lock
// waits.
const DefaultTxTimeout = 5 * time.Second

// Publisher receives committed results. Implementations must not block.
type Publisher interface {
	PublishTrade(result model.TradeResult)
	PublishTransfer(result model.TransferResult)
}

// Recorder receives per-operation outcomes for metrics.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveRejection(code string)
}

// Operation names reported to the Recorder and logs.
const (
	OpTrade     = "trade"
	OpTransfer  = "transfer"
	OpReconcile = "reconcile"
)

// Engine executes ledger operations against a store.Ledger.
type Engine struct {
	ledger    store.Ledger
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
	publisher Publisher
	recorder  Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTxTimeout bounds each operation's transaction. Non-positive values
// keep the default.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock sets the clock used for operation timing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets where committed results are announced.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine writing through l.
func NewEngine(l store.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:  l,
		logger:  slog.Default(),
		timeout: DefaultTxTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TradeIntent asks for one fully executed trade at a caller-supplied price.
type TradeIntent struct {
	UserID       string
	InstrumentID string
	Side         model.Side
	Quantity     decimal.Decimal
	PricePerUnit decimal.Decimal
}

// TransferIntent asks for one cash deposit or withdrawal.
type TransferIntent struct {
	UserID string
	Kind   model.TransferKind
	Amount decimal.Decimal
}

// ExecuteTrade applies a buy or sell to the user's cash balance and holding.
// Failures are *Error values; nothing is persisted when an error is returned.
func (e *Engine) ExecuteTrade(ctx context.Context, in TradeIntent) (*model.TradeResult, error) {
	start := e.now()
	res, err := e.executeTrade(ctx, in)
	e.finish(OpTrade, start, err, "user", in.UserID, "instrument", in.InstrumentID,
		"side", string(in.Side), "qty", in.Quantity.String(), "price", in.PricePerUnit.String())
	if err != nil {
		return nil, err
	}

	e.logger.Info("trade executed",
		"trade_id", res.Trade.ID,
		"user", res.Trade.UserID,
		"instrument", res.Trade.InstrumentID,
		"side", string(res.Trade.Side),
		"qty", res.Trade.Quantity.String(),
		"total", res.Trade.Total.String(),
		"cash_balance", res.CashBalance.String(),
	)
	if e.publisher != nil {
		e.publisher.PublishTrade(*res)
	}
	return res, nil
}

func (e *Engine) executeTrade(ctx context.Context, in TradeIntent) (*model.TradeResult, error) {
	if err := validateTrade(in); err != nil {
		return nil, err
	}
	if err := e.checkInstrument(ctx, in.InstrumentID); err != nil {
		return nil, err
	}
	if err := e.checkAccount(ctx, in.UserID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	account, err := tx.LockAccount(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, with(ErrUserNotFound, err, "user %s does not exist", in.UserID)
		}
		return nil, storageError(err)
	}

	holding, err := tx.LockHolding(ctx, in.UserID, in.InstrumentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		holding = nil
	case err != nil:
		return nil, storageError(err)
	}

	trade := model.TradeRecord{
		UserID:       in.UserID,
		InstrumentID: in.InstrumentID,
		Side:         in.Side,
		Quantity:     in.Quantity,
		PricePerUnit: in.PricePerUnit,
		Total:        money.Total(in.Quantity, in.PricePerUnit),
	}

	next, err := applyTrade(holding, trade)
	if err != nil {
		return nil, err
	}
	if account.CashBalance.Add(trade.CashDelta()).IsNegative() {
		return nil, with(ErrInsufficientFunds, nil,
			"insufficient funds: balance %s, trade total %s", account.CashBalance, trade.Total)
	}

	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return nil, storageError(err)
	}
	balance, err := tx.AdjustBalance(ctx, in.UserID, trade.CashDelta())
	if err != nil {
		return nil, storageError(err)
	}
	if holding == nil {
		err = tx.InsertHolding(ctx, &next)
	} else {
		err = tx.UpdateHolding(ctx, &next)
	}
	if err != nil {
		return nil, storageError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageError(err)
	}

	return &model.TradeResult{
		CashBalance: balance,
		Trade:       trade,
		Holding:     next,
	}, nil
}

// ExecuteTransfer applies a deposit or withdrawal to the user's cash balance.
func (e *Engine) ExecuteTransfer(ctx context.Context, in TransferIntent) (*model.TransferResult, error) {
	start := e.now()
	res, err := e.executeTransfer(ctx, in)
	e.finish(OpTransfer, start, err, "user", in.UserID, "kind", string(in.Kind), "amount", in.Amount.String())
	if err != nil {
		return nil, err
	}

	e.logger.Info("transfer executed",
		"transfer_id", res.Transfer.ID,
		"user", res.Transfer.UserID,
		"kind", string(res.Transfer.Kind),
		"amount", res.Transfer.Amount.String(),
		"cash_balance", res.CashBalance.String(),
	)
	if e.publisher != nil {
		e.publisher.PublishTransfer(*res)
	}
	return res, nil
}

func (e *Engine) executeTransfer(ctx context.Context, in TransferIntent) (*model.TransferResult, error) {
	if err := validateTransfer(in); err != nil {
		return nil, err
	}
	if err := e.checkAccount(ctx, in.UserID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	account, err := tx.LockAccount(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, with(ErrUserNotFound, err, "user %s does not exist", in.UserID)
		}
		return nil, storageError(err)
	}

	transfer := model.TransferRecord{
		UserID: in.UserID,
		Kind:   in.Kind,
		Amount: in.Amount,
	}
	if account.CashBalance.Add(transfer.CashDelta()).IsNegative() {
		return nil, with(ErrInsufficientFunds, nil,
			"insufficient funds: balance %s, withdrawal %s", account.CashBalance, in.Amount)
	}

	if err := tx.InsertTransfer(ctx, &transfer); err != nil {
		return nil, storageError(err)
	}
	balance, err := tx.AdjustBalance(ctx, in.UserID, transfer.CashDelta())
	if err != nil {
		return nil, storageError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storageError(err)
	}

	return &model.TransferResult{
		CashBalance: balance,
		Transfer:    transfer,
	}, nil
}

// applyTrade returns the holding that results from applying t to current,
// which is nil when the user has never held the instrument. The same rules
// drive execution and replay.
func applyTrade(current *model.Holding, t model.TradeRecord) (model.Holding, error) {
	next := model.Holding{
		UserID:       t.UserID,
		InstrumentID: t.InstrumentID,
		AveragePrice: decimal.Zero,
		Quantity:     decimal.Zero,
		RealizedPnL:  decimal.Zero,
	}
	if current != nil {
		next = *current
	}

	switch t.Side {
	case model.SideBuy:
		newQty := next.Quantity.Add(t.Quantity)
		if next.Quantity.IsZero() {
			next.AveragePrice = money.Price(t.PricePerUnit)
		} else {
			cost := next.AveragePrice.Mul(next.Quantity).Add(t.PricePerUnit.Mul(t.Quantity))
			next.AveragePrice = money.Div(cost, newQty, money.PriceScale)
		}
		next.Quantity = newQty

	case model.SideSell:
		if current == nil || next.Quantity.LessThan(t.Quantity) {
			held := decimal.Zero
			if current != nil {
				held = current.Quantity
			}
			return model.Holding{}, with(ErrInsufficientHoldings, nil,
				"insufficient holdings: held %s, selling %s", held, t.Quantity)
		}
		realized := money.Money(t.PricePerUnit.Sub(next.AveragePrice).Mul(t.Quantity))
		next.Quantity = next.Quantity.Sub(t.Quantity)
		next.RealizedPnL = next.RealizedPnL.Add(realized)

	default:
		return model.Holding{}, with(ErrInvalidSide, nil, "unknown side %q", t.Side)
	}
	return next, nil
}

func validateTrade(in TradeIntent) error {
	if in.UserID == "" {
		return with(ErrUserNotFound, nil, "user_id is required")
	}
	if in.InstrumentID == "" {
		return with(ErrInvalidInstrument, nil, "instrument_id is required")
	}
	if !in.Side.Valid() {
		return with(ErrInvalidSide, nil, "side must be buy or sell, got %q", in.Side)
	}
	if !in.Quantity.IsPositive() || !money.CheckScale(in.Quantity, money.QuantityScale) {
		return with(ErrInvalidQuantity, nil, "quantity must be positive with at most 2 decimal places, got %s", in.Quantity)
	}
	if in.PricePerUnit.IsNegative() || !money.CheckScale(in.PricePerUnit, money.PriceScale) {
		return with(ErrInvalidPrice, nil, "price_per_unit must be non-negative with at most 8 decimal places, got %s", in.PricePerUnit)
	}
	return nil
}

func validateTransfer(in TransferIntent) error {
	if in.UserID == "" {
		return with(ErrUserNotFound, nil, "user_id is required")
	}
	if !in.Kind.Valid() {
		return with(ErrInvalidKind, nil, "transfer type must be deposit or withdraw, got %q", in.Kind)
	}
	if !in.Amount.IsPositive() || !money.CheckScale(in.Amount, money.MoneyScale) {
		return with(ErrInvalidAmount, nil, "amount must be positive with at most 2 decimal places, got %s", in.Amount)
	}
	return nil
}

func (e *Engine) checkInstrument(ctx context.Context, id string) error {
	if _, err := e.ledger.GetInstrument(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return with(ErrInvalidInstrument, err, "instrument %s does not exist", id)
		}
		return storageError(err)
	}
	return nil
}

func (e *Engine) checkAccount(ctx context.Context, userID string) error {
	if _, err := e.ledger.GetAccount(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return with(ErrUserNotFound, err, "user %s does not exist", userID)
		}
		return storageError(err)
	}
	return nil
}

// storageError classifies a store failure. Cancellation, lock waits,
// deadlines and conflicts are retryable; everything else is internal.
func storageError(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return with(ErrCanceled, err, "")
	case errors.Is(err, store.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return with(ErrLockTimeout, err, "")
	case errors.Is(err, store.ErrConflict):
		return with(ErrConflict, err, "")
	default:
		return with(ErrInternal, err, "")
	}
}

// finish logs failures at a level matching their kind and reports the
// outcome to the recorder.
func (e *Engine) finish(op string, start time.Time, err error, attrs ...any) {
	outcome := "ok"
	if err != nil {
		var le *Error
		if !errors.As(err, &le) {
			le = with(ErrInternal, err, "")
		}
		outcome = le.Kind.String()
		attrs = append(attrs, "code", le.Code, "err", le.Error())

		switch le.Kind {
		case KindInternal:
			e.logger.Error(op+" failed", attrs...)
		case KindRetryable:
			e.logger.Warn(op+" aborted", attrs...)
		default:
			e.logger.Info(op+" rejected", attrs...)
		}
		if e.recorder != nil && le.Kind != KindInternal {
			e.recorder.ObserveRejection(le.Code)
		}
	}
	if e.recorder != nil {
		e.recorder.ObserveOperation(op, outcome, e.now().Sub(start))
	}
}
