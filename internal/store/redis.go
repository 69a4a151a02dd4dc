package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-markets/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveMarket(ctx context.Context, snap model.Snapshot) error {
	if err := s.primary.SaveMarket(ctx, snap); err != nil {
		return err
	}
	// The primary may have kept a newer snapshot, so drop rather than
	// overwrite the cached copy.
	s.rdb.Del(ctx, marketKey(snap.ID))
	return nil
}

func (s *CachedStore) AppendEvents(ctx context.Context, events []model.Event) error {
	if err := s.primary.AppendEvents(ctx, events); err != nil {
		return err
	}
	// Invalidate history caches; next read will re-populate.
	seen := make(map[string]bool)
	for _, e := range events {
		if !seen[e.MarketID] {
			seen[e.MarketID] = true
			s.rdb.Del(ctx, eventsKey(e.MarketID))
		}
	}
	return nil
}

func (s *CachedStore) RecordPayout(ctx context.Context, p model.Payout) error {
	if err := s.primary.RecordPayout(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, payoutsKey(p.MarketID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (model.Snapshot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}

	s.cacheMarket(ctx, snap)
	return snap, nil
}

func (s *CachedStore) GetEvents(ctx context.Context, marketID string) ([]model.Event, error) {
	var events []model.Event
	if s.readCache(ctx, eventsKey(marketID), &events) {
		return events, nil
	}
	events, err := s.primary.GetEvents(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, eventsKey(marketID), events)
	return events, nil
}

func (s *CachedStore) GetPayouts(ctx context.Context, marketID string) ([]model.Payout, error) {
	var payouts []model.Payout
	if s.readCache(ctx, payoutsKey(marketID), &payouts) {
		return payouts, nil
	}
	payouts, err := s.primary.GetPayouts(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, payoutsKey(marketID), payouts)
	return payouts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Snapshot, error) {
	return s.primary.ListMarkets(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, snap model.Snapshot) {
	s.writeCache(ctx, marketKey(snap.ID), snap)
}

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
func eventsKey(id string) string  { return fmt.Sprintf("market:%s:events", id) }
func payoutsKey(id string) string { return fmt.Sprintf("market:%s:payouts", id) }
