// Package store defines the persistence contract for the ledger service.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for the reporting side), and in-memory (for testing and development).
//
// The contract is split in two. Store is the read side used by reporting and
// by pre-lock validation; it never locks. Ledger adds Begin, which opens a Tx
// offering row-level locking reads, relative balance updates and
// insert-returning writes. Only the ledger engine uses Tx.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrLockTimeout is returned when a row lock or statement could not
	// complete within its deadline. Nothing was committed; callers may retry.
	ErrLockTimeout = errors.New("store: lock wait timeout")

	// ErrConflict is returned on serialization failures and deadlocks.
	// Nothing was committed; callers may retry.
	ErrConflict = errors.New("store: transaction conflict")

	// ErrIntegrity is returned when a write violates a uniqueness or check
	// constraint.
	ErrIntegrity = errors.New("store: integrity violation")

	// ErrTxDone is returned when a Tx is used after Commit or Rollback.
	ErrTxDone = errors.New("store: transaction already closed")
)

// Page bounds.
const (
	DefaultPageSize = 10
	MaxPageSize     = 200
)

// Page selects one page of a list. Number is 1-based.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps p to valid bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// InstrumentFilter narrows ListInstruments. Query matches symbol or name,
// case-insensitively.
type InstrumentFilter struct {
	Query string
	Type  model.InstrumentType
	Page  Page
}

// HoldingFilter narrows ListHoldings. OpenOnly drops zero-quantity rows.
type HoldingFilter struct {
	UserID       string
	InstrumentID string
	OpenOnly     bool
	Page         Page
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	UserID       string
	InstrumentID string
	Side         model.Side
	Page         Page
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	UserID string
	Kind   model.TransferKind
	Page   Page
}

// Store is the read side of persistence. List methods return one page and
// the total number of matching rows.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account with a zero balance.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Reference data ---

	// CreateInstrument persists a new instrument.
	CreateInstrument(ctx context.Context, instrument *model.Instrument) error

	// GetInstrument retrieves an instrument by ID.
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)

	// ListInstruments returns instruments ordered by symbol.
	ListInstruments(ctx context.Context, f InstrumentFilter) ([]model.Instrument, int, error)

	// --- Holdings ---

	// GetHolding retrieves one user×instrument holding.
	GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error)

	// ListHoldings returns a user's holdings ordered by instrument ID.
	ListHoldings(ctx context.Context, f HoldingFilter) ([]model.Holding, int, error)

	// --- Immutable logs ---

	// GetTrade retrieves one of a user's trades.
	GetTrade(ctx context.Context, userID, tradeID string) (*model.TradeRecord, error)

	// ListTrades returns a user's trades, newest first.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.TradeRecord, int, error)

	// GetTransfer retrieves one of a user's transfers.
	GetTransfer(ctx context.Context, userID, transferID string) (*model.TransferRecord, error)

	// ListTransfers returns a user's transfers, newest first.
	ListTransfers(ctx context.Context, f TransferFilter) ([]model.TransferRecord, int, error)

	// TradeLog returns every trade of a user in execution order.
	TradeLog(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// TransferLog returns every transfer of a user in execution order.
	TransferLog(ctx context.Context, userID string) ([]model.TransferRecord, error)
}

// Ledger is a Store that can open write transactions.
type Ledger interface {
	Store

	// Begin opens a transaction. The caller must end it with Commit or
	// Rollback; Rollback after Commit is a no-op.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one ledger write transaction. Locks taken through it are held until
// Commit or Rollback.
type Tx interface {
	// LockAccount reads an account and holds an exclusive lock on its row.
	LockAccount(ctx context.Context, userID string) (*model.Account, error)

	// LockHolding reads a holding and holds an exclusive lock on its row.
	// Returns ErrNotFound when the user has never bought the instrument.
	LockHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error)

	// Holdings returns every holding of a user ordered by instrument ID, as
	// seen by this transaction. It never reads through a cache.
	Holdings(ctx context.Context, userID string) ([]model.Holding, error)

	// InsertTrade appends a trade record, filling in ID (when empty),
	// ExecutedAt and Seq.
	InsertTrade(ctx context.Context, trade *model.TradeRecord) error

	// InsertTransfer appends a transfer record, filling in ID (when empty),
	// TransferredAt and Seq.
	InsertTransfer(ctx context.Context, transfer *model.TransferRecord) error

	// AdjustBalance applies balance = balance + delta relative to the stored
	// value and returns the new balance.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)

	// InsertHolding creates a holding row, filling in UpdatedAt.
	InsertHolding(ctx context.Context, holding *model.Holding) error

	// UpdateHolding overwrites the quantity, average price and realized P&L
	// of an existing row, filling in UpdatedAt.
	UpdateHolding(ctx context.Context, holding *model.Holding) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// IsRetryable reports whether err leaves nothing committed and may succeed
// on resubmission.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrConflict)
}
