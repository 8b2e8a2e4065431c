package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
)

// MemoryStore implements Ledger with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Row locks are emulated per account and per holding: a Tx that locks a row
// blocks every other Tx locking the same row until it commits or rolls back,
// and lock waits honor the context deadline the way lock_timeout does in
// PostgreSQL. Writes made through a Tx are buffered and become visible to
// readers only on Commit.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	instruments map[string]*model.Instrument
	holdings    map[holdingKey]*model.Holding
	trades      []model.TradeRecord
	transfers   []model.TransferRecord
	seq         int64

	locks *lockTable
	now   func() time.Time
}

type holdingKey struct {
	userID       string
	instrumentID string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		instruments: make(map[string]*model.Instrument),
		holdings:    make(map[holdingKey]*model.Holding),
		locks:       &lockTable{rows: make(map[string]chan struct{})},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for record timestamps.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetBalance overwrites an account balance outside the ledger. It exists so
// tests can seed state; production code must go through the ledger engine.
func (s *MemoryStore) SetBalance(userID string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	a.CashBalance = balance
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.UserID]; exists {
		return fmt.Errorf("account %s already exists: %w", a.UserID, ErrIntegrity)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.CashBalance = decimal.Zero

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

// --- Reference data ---

func (s *MemoryStore) CreateInstrument(_ context.Context, in *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if _, exists := s.instruments[in.ID]; exists {
		return fmt.Errorf("instrument %s already exists: %w", in.ID, ErrIntegrity)
	}
	for _, existing := range s.instruments {
		if strings.EqualFold(existing.Symbol, in.Symbol) {
			return fmt.Errorf("instrument symbol %s already exists: %w", in.Symbol, ErrIntegrity)
		}
	}
	copy := *in
	s.instruments[in.ID] = &copy
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	copy := *in
	return &copy, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context, f InstrumentFilter) ([]model.Instrument, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(f.Query))
	var matched []model.Instrument
	for _, in := range s.instruments {
		if f.Type != "" && in.Type != f.Type {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(in.Symbol), q) &&
			!strings.Contains(strings.ToLower(in.Name), q) {
			continue
		}
		matched = append(matched, *in)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Symbol < matched[j].Symbol })
	return paginate(matched, f.Page), len(matched), nil
}

// --- Holdings ---

func (s *MemoryStore) GetHolding(_ context.Context, userID, instrumentID string) (*model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.holdings[holdingKey{userID, instrumentID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", userID, instrumentID, ErrNotFound)
	}
	copy := *h
	return &copy, nil
}

func (s *MemoryStore) ListHoldings(_ context.Context, f HoldingFilter) ([]model.Holding, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Holding
	for k, h := range s.holdings {
		if k.userID != f.UserID {
			continue
		}
		if f.InstrumentID != "" && k.instrumentID != f.InstrumentID {
			continue
		}
		if f.OpenOnly && !h.Quantity.IsPositive() {
			continue
		}
		matched = append(matched, *h)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].InstrumentID < matched[j].InstrumentID })
	return paginate(matched, f.Page), len(matched), nil
}

// --- Immutable logs ---

func (s *MemoryStore) GetTrade(_ context.Context, userID, tradeID string) (*model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		if t.ID == tradeID && t.UserID == userID {
			copy := t
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.TradeRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.TradeRecord
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.UserID != f.UserID {
			continue
		}
		if f.InstrumentID != "" && t.InstrumentID != f.InstrumentID {
			continue
		}
		if f.Side != "" && t.Side != f.Side {
			continue
		}
		matched = append(matched, t)
	}
	return paginate(matched, f.Page), len(matched), nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, userID, transferID string) (*model.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.transfers {
		if t.ID == transferID && t.UserID == userID {
			copy := t
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
}

func (s *MemoryStore) ListTransfers(_ context.Context, f TransferFilter) ([]model.TransferRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.TransferRecord
	for i := len(s.transfers) - 1; i >= 0; i-- {
		t := s.transfers[i]
		if t.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		matched = append(matched, t)
	}
	return paginate(matched, f.Page), len(matched), nil
}

func (s *MemoryStore) TradeLog(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TransferLog(_ context.Context, userID string) ([]model.TransferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TransferRecord
	for _, t := range s.transfers {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func paginate[T any](rows []T, p Page) []T {
	p = p.Normalize()
	start := p.Offset()
	if start >= len(rows) {
		return []T{}
	}
	end := start + p.Size
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// --- Transactions ---

// Begin opens a buffered transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin: %w", waitError(err))
	}
	return &memTx{
		s:        s,
		held:     make(map[string]bool),
		deltas:   make(map[string]decimal.Decimal),
		holdings: make(map[holdingKey]model.Holding),
	}, nil
}

type memTx struct {
	s    *MemoryStore
	held map[string]bool
	done bool

	deltas    map[string]decimal.Decimal
	holdings  map[holdingKey]model.Holding
	trades    []model.TradeRecord
	transfers []model.TransferRecord
}

func accountLockKey(userID string) string { return "account:" + userID }

func holdingLockKey(userID, instrumentID string) string {
	return "holding:" + userID + ":" + instrumentID
}

// lock acquires key unless this Tx already holds it.
func (tx *memTx) lock(ctx context.Context, key string) error {
	if tx.held[key] {
		return nil
	}
	if err := tx.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	tx.held[key] = true
	return nil
}

func (tx *memTx) LockAccount(ctx context.Context, userID string) (*model.Account, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := tx.lock(ctx, accountLockKey(userID)); err != nil {
		return nil, err
	}

	a, err := tx.s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	a.CashBalance = a.CashBalance.Add(tx.deltas[userID])
	return a, nil
}

func (tx *memTx) LockHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if err := tx.lock(ctx, holdingLockKey(userID, instrumentID)); err != nil {
		return nil, err
	}

	if h, ok := tx.holdings[holdingKey{userID, instrumentID}]; ok {
		return &h, nil
	}
	return tx.s.GetHolding(ctx, userID, instrumentID)
}

func (tx *memTx) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	tx.s.mu.RLock()
	merged := make(map[string]model.Holding)
	for k, h := range tx.s.holdings {
		if k.userID == userID {
			merged[k.instrumentID] = *h
		}
	}
	tx.s.mu.RUnlock()
	for k, h := range tx.holdings {
		if k.userID == userID {
			merged[k.instrumentID] = h
		}
	}

	out := make([]model.Holding, 0, len(merged))
	for _, h := range merged {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (tx *memTx) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	if tx.done {
		return ErrTxDone
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.ExecutedAt, t.Seq = tx.s.stamp()
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) InsertTransfer(ctx context.Context, t *model.TransferRecord) error {
	if tx.done {
		return ErrTxDone
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.TransferredAt, t.Seq = tx.s.stamp()
	tx.transfers = append(tx.transfers, *t)
	return nil
}

func (tx *memTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	if tx.done {
		return decimal.Zero, ErrTxDone
	}
	// An UPDATE takes the row lock implicitly.
	a, err := tx.LockAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	next := a.CashBalance.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("account %s balance %s: %w", userID, next, ErrIntegrity)
	}
	tx.deltas[userID] = tx.deltas[userID].Add(delta)
	return next, nil
}

func (tx *memTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	if tx.done {
		return ErrTxDone
	}
	if err := tx.lock(ctx, holdingLockKey(h.UserID, h.InstrumentID)); err != nil {
		return err
	}
	key := holdingKey{h.UserID, h.InstrumentID}
	if _, ok := tx.holdings[key]; ok {
		return fmt.Errorf("holding %s/%s already exists: %w", h.UserID, h.InstrumentID, ErrIntegrity)
	}
	if _, err := tx.s.GetHolding(ctx, h.UserID, h.InstrumentID); err == nil {
		return fmt.Errorf("holding %s/%s already exists: %w", h.UserID, h.InstrumentID, ErrIntegrity)
	}
	if h.Quantity.IsNegative() {
		return fmt.Errorf("holding %s/%s quantity %s: %w", h.UserID, h.InstrumentID, h.Quantity, ErrIntegrity)
	}
	h.UpdatedAt = tx.s.clock()
	tx.holdings[key] = *h
	return nil
}

func (tx *memTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	if tx.done {
		return ErrTxDone
	}
	if _, err := tx.LockHolding(ctx, h.UserID, h.InstrumentID); err != nil {
		return err
	}
	if h.Quantity.IsNegative() {
		return fmt.Errorf("holding %s/%s quantity %s: %w", h.UserID, h.InstrumentID, h.Quantity, ErrIntegrity)
	}
	h.UpdatedAt = tx.s.clock()
	tx.holdings[holdingKey{h.UserID, h.InstrumentID}] = *h
	return nil
}

// Commit applies every buffered write atomically and releases all locks.
func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	defer tx.release()

	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for userID := range tx.deltas {
		if _, ok := s.accounts[userID]; !ok {
			return fmt.Errorf("commit: account %s: %w", userID, ErrNotFound)
		}
	}
	for userID, delta := range tx.deltas {
		a := s.accounts[userID]
		a.CashBalance = a.CashBalance.Add(delta)
	}
	for key, h := range tx.holdings {
		copy := h
		s.holdings[key] = &copy
	}
	s.trades = append(s.trades, tx.trades...)
	s.transfers = append(s.transfers, tx.transfers...)
	return nil
}

// Rollback discards buffered writes and releases all locks. It is a no-op
// on a finished Tx.
func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.release()
	return nil
}

func (tx *memTx) release() {
	tx.done = true
	for key := range tx.held {
		tx.s.locks.release(key)
	}
	tx.held = nil
}

func (s *MemoryStore) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// stamp returns the current time and the next log sequence number.
func (s *MemoryStore) stamp() (time.Time, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.now(), s.seq
}

// lockTable hands out one exclusive lock per row key. Waiters are served
// in arrival order.
type lockTable struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func (l *lockTable) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	return ch
}

func (l *lockTable) acquire(ctx context.Context, key string) error {
	select {
	case l.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, waitError(ctx.Err()))
	}
}

// waitError reports an expired deadline as ErrLockTimeout, the way
// lock_timeout surfaces in PostgreSQL. A canceled context stays canceled.
func waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}

func (l *lockTable) release(key string) {
	<-l.slot(key)
}
