package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/predict-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market records and order books. Writes always go to the primary
// inside Update. Cached keys carry a per-market generation that is bumped
// after every commit touching the market, so a read that raced a commit can
// only fill a key no later reader will look up. Reads inside View check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     cacheClient
	ttl     time.Duration
}

// cacheClient is the part of the Redis client the cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	var dirty map[string]struct{}
	err := s.primary.Update(ctx, func(tx Tx) error {
		dirty = make(map[string]struct{})
		return fn(&invalidatingTx{Tx: tx, dirty: dirty})
	})
	if err != nil {
		return err
	}
	for id := range dirty {
		if err := s.rdb.Incr(ctx, genKey(id)).Err(); err != nil {
			slog.Warn("cache invalidation failed", "market", id, "err", err)
		}
	}
	return nil
}

func (s *CachedStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.View(ctx, func(tx Tx) error {
		return fn(&cachingTx{Tx: tx, s: s})
	})
}

// --- Write path: record markets to invalidate ---

type invalidatingTx struct {
	Tx
	dirty map[string]struct{}
}

func (t *invalidatingTx) InsertMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.InsertMarket(ctx, m); err != nil {
		return err
	}
	t.dirty[m.ID] = struct{}{}
	return nil
}

func (t *invalidatingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.UpdateMarket(ctx, m); err != nil {
		return err
	}
	t.dirty[m.ID] = struct{}{}
	return nil
}

func (t *invalidatingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := t.Tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	t.dirty[o.MarketID] = struct{}{}
	return nil
}

func (t *invalidatingTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	if err := t.Tx.UpdateOrder(ctx, o); err != nil {
		return err
	}
	t.dirty[o.MarketID] = struct{}{}
	return nil
}

// --- Read path: read-through ---

type cachingTx struct {
	Tx
	s *CachedStore
}

func (t *cachingTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	gen, ok := t.s.generation(ctx, id)
	if !ok {
		return t.Tx.GetMarket(ctx, id)
	}
	key := marketKey(id, gen)

	var m model.Market
	if t.s.get(ctx, key, &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	mp, err := t.Tx.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	t.s.set(ctx, key, mp)
	return mp, nil
}

func (t *cachingTx) RestingOrders(ctx context.Context, marketID string, side model.Side) ([]model.Order, error) {
	gen, ok := t.s.generation(ctx, marketID)
	if !ok {
		return t.Tx.RestingOrders(ctx, marketID, side)
	}
	key := bookKey(marketID, side, gen)

	var orders []model.Order
	if t.s.get(ctx, key, &orders) {
		return orders, nil
	}

	orders, err := t.Tx.RestingOrders(ctx, marketID, side)
	if err != nil {
		return nil, err
	}
	t.s.set(ctx, key, orders)
	return orders, nil
}

// --- Cache helpers ---

// generation returns the market's current cache generation. It reports
// false when Redis cannot be read, in which case the cache is bypassed.
func (s *CachedStore) generation(ctx context.Context, marketID string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, genKey(marketID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func genKey(id string) string { return fmt.Sprintf("gen:%s", id) }

func marketKey(id string, gen int64) string { return fmt.Sprintf("market:%s:%d", id, gen) }

func bookKey(id string, side model.Side, gen int64) string {
	if side == "" {
		return fmt.Sprintf("book:%s:all:%d", id, gen)
	}
	return fmt.Sprintf("book:%s:%s:%d", id, side, gen)
}
