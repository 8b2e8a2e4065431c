package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/folio/ledger-service/internal/model"
)

// CachedStore wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache for the reporting side. Ledger transactions always go to the
// primary; a Tx begun through CachedStore invalidates the cached account and
// holdings of every user it touched once it commits.
//
// Each user's entries are versioned by a generation counter. Invalidation
// bumps it, and a cache fill is written only while the generation it read
// before going to the primary is still current, so a slow reader cannot
// put back a page that a commit already invalidated. Reads through the
// cache may still lag a commit until its invalidation lands; Tx.Holdings
// always reads the primary.
type CachedStore struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, populate or invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.UserID))
	return nil
}

func (s *CachedStore) CreateInstrument(ctx context.Context, in *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, in); err != nil {
		return err
	}
	s.setJSON(ctx, instrumentKey(in.ID), in)
	return nil
}

// Begin opens a primary transaction that invalidates cache entries on commit.
func (s *CachedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.primary.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTx{Tx: tx, cache: s, users: make(map[string]bool)}, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.getJSON(ctx, accountKey(userID), &a) {
		return &a, nil
	}

	gen, ok := s.generation(ctx, userID)
	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		if data, err := json.Marshal(acct); err == nil {
			s.fill(ctx, userID, gen, func(p redis.Pipeliner) {
				p.Set(ctx, accountKey(userID), data, s.ttl)
			})
		}
	}
	return acct, nil
}

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var in model.Instrument
	if s.getJSON(ctx, instrumentKey(id), &in) {
		return &in, nil
	}

	inst, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, instrumentKey(id), inst)
	return inst, nil
}

// cachedHoldings is the cached form of one ListHoldings page.
type cachedHoldings struct {
	Holdings []model.Holding `json:"holdings"`
	Total    int             `json:"total"`
}

// ListHoldings caches each filter variant as a field of one per-user hash,
// so a single DEL invalidates all of them.
func (s *CachedStore) ListHoldings(ctx context.Context, f HoldingFilter) ([]model.Holding, int, error) {
	key := holdingsKey(f.UserID)
	field := holdingsField(f)

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var c cachedHoldings
		if json.Unmarshal(data, &c) == nil {
			return c.Holdings, c.Total, nil
		}
	}

	gen, ok := s.generation(ctx, f.UserID)
	holdings, total, err := s.primary.ListHoldings(ctx, f)
	if err != nil {
		return nil, 0, err
	}

	if !ok {
		return holdings, total, nil
	}
	if data, err := json.Marshal(cachedHoldings{Holdings: holdings, Total: total}); err == nil {
		s.fill(ctx, f.UserID, gen, func(p redis.Pipeliner) {
			p.HSet(ctx, key, field, data)
			p.Expire(ctx, key, s.ttl)
		})
	}
	return holdings, total, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListInstruments(ctx context.Context, f InstrumentFilter) ([]model.Instrument, int, error) {
	return s.primary.ListInstruments(ctx, f)
}

func (s *CachedStore) GetHolding(ctx context.Context, userID, instrumentID string) (*model.Holding, error) {
	return s.primary.GetHolding(ctx, userID, instrumentID)
}

func (s *CachedStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.TradeRecord, error) {
	return s.primary.GetTrade(ctx, userID, tradeID)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.TradeRecord, int, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) GetTransfer(ctx context.Context, userID, transferID string) (*model.TransferRecord, error) {
	return s.primary.GetTransfer(ctx, userID, transferID)
}

func (s *CachedStore) ListTransfers(ctx context.Context, f TransferFilter) ([]model.TransferRecord, int, error) {
	return s.primary.ListTransfers(ctx, f)
}

func (s *CachedStore) TradeLog(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.primary.TradeLog(ctx, userID)
}

func (s *CachedStore) TransferLog(ctx context.Context, userID string) ([]model.TransferRecord, error) {
	return s.primary.TransferLog(ctx, userID)
}

// --- Transactions ---

// cachedTx records which users a transaction wrote to.
type cachedTx struct {
	Tx
	cache *CachedStore
	users map[string]bool
}

func (t *cachedTx) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	t.users[userID] = true
	return t.Tx.AdjustBalance(ctx, userID, delta)
}

func (t *cachedTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	t.users[h.UserID] = true
	return t.Tx.InsertHolding(ctx, h)
}

func (t *cachedTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	t.users[h.UserID] = true
	return t.Tx.UpdateHolding(ctx, h)
}

func (t *cachedTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	for userID := range t.users {
		t.cache.invalidateUser(ctx, userID)
	}
	return nil
}

// --- Cache helpers ---

// generationTTL outlives any in-flight fill by a wide margin.
const generationTTL = 24 * time.Hour

var errStaleFill = errors.New("cache: generation moved")

func (s *CachedStore) invalidateUser(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, generationKey(userID))
		p.Expire(ctx, generationKey(userID), generationTTL)
		p.Del(ctx, accountKey(userID), holdingsKey(userID))
		return nil
	})
	if err != nil {
		// Stale entries expire after ttl.
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

// generation reads a user's cache generation. ok is false when Redis is
// unavailable, and the caller then skips filling.
func (s *CachedStore) generation(ctx context.Context, userID string) (gen string, ok bool) {
	gen, err := s.rdb.Get(ctx, generationKey(userID)).Result()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return "0", true
	default:
		return "", false
	}
}

// fill applies write in a MULTI guarded by WATCH on the user's generation.
// Nothing is written when the generation no longer equals gen.
func (s *CachedStore) fill(ctx context.Context, userID, gen string, write func(p redis.Pipeliner)) {
	key := generationKey(userID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			cur, err = "0", nil
		}
		if err != nil {
			return err
		}
		if cur != gen {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			write(p)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, errStaleFill) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill failed", "user", userID, "err", err)
	}
}

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(uid string) string    { return fmt.Sprintf("account:%s", uid) }
func instrumentKey(id string) string  { return fmt.Sprintf("instrument:%s", id) }
func holdingsKey(uid string) string   { return fmt.Sprintf("holdings:%s", uid) }
func generationKey(uid string) string { return fmt.Sprintf("gen:%s", uid) }

func holdingsField(f HoldingFilter) string {
	p := f.Page.Normalize()
	return fmt.Sprintf("%s|%t|%d|%d", f.InstrumentID, f.OpenOnly, p.Number, p.Size)
}
