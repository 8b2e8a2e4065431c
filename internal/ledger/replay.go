package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/money"
	"github.com/folio/ledger-service/internal/store"
)

// ErrReplay is returned when the logs cannot be re-applied from an empty
// account under the ledger rules.
var ErrReplay = errors.New("ledger: replay failed")

// ReplayState is the account state reproduced from the logs alone.
type ReplayState struct {
	CashBalance decimal.Decimal          `json:"cash_balance"`
	Holdings    map[string]model.Holding `json:"holdings"` // keyed by instrument ID
	Trades      int                      `json:"trades"`
	Transfers   int                      `json:"transfers"`
}

type logEntry struct {
	at       time.Time
	seq      int64
	trade    *model.TradeRecord
	transfer *model.TransferRecord
}

// Replay merges the trade and transfer logs of one user in timestamp order
// and re-applies them to an empty account. Ties are broken by log sequence,
// then transfers before trades. A record that would break a ledger rule
// (negative balance, overselling, a total that does not match
// quantity × price) fails the replay.
func Replay(trades []model.TradeRecord, transfers []model.TransferRecord) (*ReplayState, error) {
	entries := make([]logEntry, 0, len(trades)+len(transfers))
	for i := range transfers {
		entries = append(entries, logEntry{at: transfers[i].TransferredAt, seq: transfers[i].Seq, transfer: &transfers[i]})
	}
	for i := range trades {
		entries = append(entries, logEntry{at: trades[i].ExecutedAt, seq: trades[i].Seq, trade: &trades[i]})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.seq < b.seq
	})

	state := &ReplayState{
		CashBalance: decimal.Zero,
		Holdings:    make(map[string]model.Holding),
	}
	for _, e := range entries {
		if e.transfer != nil {
			t := e.transfer
			next := state.CashBalance.Add(t.CashDelta())
			if next.IsNegative() {
				return nil, fmt.Errorf("%w: transfer %s drives balance to %s", ErrReplay, t.ID, next)
			}
			state.CashBalance = next
			state.Transfers++
			continue
		}

		t := e.trade
		if want := money.Total(t.Quantity, t.PricePerUnit); !t.Total.Equal(want) {
			return nil, fmt.Errorf("%w: trade %s total %s, expected %s", ErrReplay, t.ID, t.Total, want)
		}
		var current *model.Holding
		if h, ok := state.Holdings[t.InstrumentID]; ok {
			current = &h
		}
		next, err := applyTrade(current, *t)
		if err != nil {
			return nil, fmt.Errorf("%w: trade %s: %w", ErrReplay, t.ID, err)
		}
		balance := state.CashBalance.Add(t.CashDelta())
		if balance.IsNegative() {
			return nil, fmt.Errorf("%w: trade %s drives balance to %s", ErrReplay, t.ID, balance)
		}
		next.UpdatedAt = t.ExecutedAt
		state.Holdings[t.InstrumentID] = next
		state.CashBalance = balance
		state.Trades++
	}
	return state, nil
}

// Mismatch is one denormalized field that disagrees with the logs.
type Mismatch struct {
	Field        string `json:"field"`
	InstrumentID string `json:"instrument_id,omitempty"`
	Stored       string `json:"stored"`
	Replayed     string `json:"replayed"`
}

// Reconciliation compares stored account state with a replay of its logs.
type Reconciliation struct {
	UserID          string          `json:"user_id"`
	Consistent      bool            `json:"consistent"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	Trades          int             `json:"trades"`
	Transfers       int             `json:"transfers"`
	Mismatches      []Mismatch      `json:"mismatches"`
}

// Reconcile replays a user's logs and compares the result with the stored
// balance and holdings. The account row is locked while the logs are read,
// so no operation for this user can commit in between, and holdings are read
// through the transaction rather than any cache in front of the store.
func (e *Engine) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	start := e.now()
	rec, err := e.reconcile(ctx, userID)
	e.finish(OpReconcile, start, err, "user", userID)
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		e.logger.Error("ledger inconsistent with log",
			"user", userID,
			"mismatches", len(rec.Mismatches),
		)
	}
	return rec, nil
}

func (e *Engine) reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	if userID == "" {
		return nil, with(ErrUserNotFound, nil, "user_id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	account, err := tx.LockAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, with(ErrUserNotFound, err, "user %s does not exist", userID)
		}
		return nil, storageError(err)
	}

	trades, err := e.ledger.TradeLog(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	transfers, err := e.ledger.TransferLog(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}
	holdings, err := tx.Holdings(ctx, userID)
	if err != nil {
		return nil, storageError(err)
	}

	rec := &Reconciliation{
		UserID:      userID,
		CashBalance: account.CashBalance,
		Trades:      len(trades),
		Transfers:   len(transfers),
		Mismatches:  []Mismatch{},
	}

	state, err := Replay(trades, transfers)
	if err != nil {
		rec.Mismatches = append(rec.Mismatches, Mismatch{Field: "log", Stored: "", Replayed: err.Error()})
		return rec, nil
	}
	rec.ReplayedBalance = state.CashBalance
	rec.Mismatches = compareState(account, holdings, state)
	rec.Consistent = len(rec.Mismatches) == 0
	return rec, nil
}

func compareState(account *model.Account, holdings []model.Holding, state *ReplayState) []Mismatch {
	out := []Mismatch{}
	if !account.CashBalance.Equal(state.CashBalance) {
		out = append(out, Mismatch{
			Field:    "cash_balance",
			Stored:   account.CashBalance.String(),
			Replayed: state.CashBalance.String(),
		})
	}

	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		seen[h.InstrumentID] = true
		r, ok := state.Holdings[h.InstrumentID]
		if !ok {
			out = append(out, Mismatch{Field: "holding", InstrumentID: h.InstrumentID, Stored: h.Quantity.String(), Replayed: "absent"})
			continue
		}
		if !h.Quantity.Equal(r.Quantity) {
			out = append(out, Mismatch{Field: "quantity", InstrumentID: h.InstrumentID, Stored: h.Quantity.String(), Replayed: r.Quantity.String()})
		}
		if !h.AveragePrice.Equal(r.AveragePrice) {
			out = append(out, Mismatch{Field: "average_price", InstrumentID: h.InstrumentID, Stored: h.AveragePrice.String(), Replayed: r.AveragePrice.String()})
		}
		if !h.RealizedPnL.Equal(r.RealizedPnL) {
			out = append(out, Mismatch{Field: "realized_pnl", InstrumentID: h.InstrumentID, Stored: h.RealizedPnL.String(), Replayed: r.RealizedPnL.String()})
		}
	}
	for id, r := range state.Holdings {
		if !seen[id] {
			out = append(out, Mismatch{Field: "holding", InstrumentID: id, Stored: "absent", Replayed: r.Quantity.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstrumentID != out[j].InstrumentID {
			return out[i].InstrumentID < out[j].InstrumentID
		}
		return out[i].Field < out[j].Field
	})
	return out
}
