// Package model defines the core domain types shared across the ledger
// service. All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known trade side.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// TransferKind is the direction of a cash transfer.
type TransferKind string

const (
	TransferDeposit  TransferKind = "deposit"
	TransferWithdraw TransferKind = "withdraw"
)

// Valid reports whether k is a known transfer kind.
func (k TransferKind) Valid() bool { return k == TransferDeposit || k == TransferWithdraw }

// InstrumentType classifies reference instruments.
type InstrumentType string

const (
	InstrumentStock      InstrumentType = "stock"
	InstrumentBond       InstrumentType = "bond"
	InstrumentETF        InstrumentType = "etf"
	InstrumentMutualFund InstrumentType = "mutual_fund"
)

// InstrumentTypes lists every supported instrument type.
var InstrumentTypes = []InstrumentType{
	InstrumentStock, InstrumentBond, InstrumentETF, InstrumentMutualFund,
}

// Valid reports whether t is a known instrument type.
func (t InstrumentType) Valid() bool {
	for _, known := range InstrumentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Account is one user's cash account. CashBalance is a denormalized running
// total of the trade and transfer logs; only the ledger engine writes it.
type Account struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Name        string          `json:"name" db:"name"`
	Email       string          `json:"email" db:"email"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Instrument is read-only reference data.
type Instrument struct {
	ID          string          `json:"instrument_id" db:"instrument_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Name        string          `json:"full_name" db:"full_name"`
	Type        InstrumentType  `json:"instrument_type" db:"instrument_type"`
	Description string          `json:"description,omitempty" db:"text_description"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Holding is a user's position in one instrument. The row is created on the
// first buy and never deleted; Quantity may reach zero after a full sale.
type Holding struct {
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"` // weighted-average cost per unit
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`   // adjusted only on sell
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeRecord is an immutable log entry for one executed trade.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID           string          `json:"trade_id" db:"trade_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	Total        decimal.Decimal `json:"total" db:"total"` // quantity × price, rounded to cents
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
	Seq          int64           `json:"seq" db:"seq"` // global log order, shared with transfers
}

// CashDelta is the signed effect of the trade on the cash balance.
func (t TradeRecord) CashDelta() decimal.Decimal {
	if t.Side == SideBuy {
		return t.Total.Neg()
	}
	return t.Total
}

// TransferRecord is an immutable log entry for one cash transfer.
type TransferRecord struct {
	ID            string          `json:"transfer_id" db:"transfer_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Kind          TransferKind    `json:"transfer_type" db:"transfer_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	TransferredAt time.Time       `json:"transferred_at" db:"transferred_at"`
	Seq           int64           `json:"seq" db:"seq"`
}

// CashDelta is the signed effect of the transfer on the cash balance.
func (t TransferRecord) CashDelta() decimal.Decimal {
	if t.Kind == TransferWithdraw {
		return t.Amount.Neg()
	}
	return t.Amount
}

// TradeResult is the snapshot returned after a committed trade.
type TradeResult struct {
	CashBalance decimal.Decimal `json:"cash_balance"`
	Trade       TradeRecord     `json:"trade"`
	Holding     Holding         `json:"holding"`
}

// TransferResult is the snapshot returned after a committed transfer.
type TransferResult struct {
	CashBalance decimal.Decimal `json:"cash_balance"`
	Transfer    TransferRecord  `json:"transfer"`
}
