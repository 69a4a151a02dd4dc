package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/pool-markets/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]model.Snapshot
	order    []string
	events   map[string][]model.Event
	eventIDs map[string]struct{}
	payouts  map[string][]model.Payout
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]model.Snapshot),
		events:   make(map[string][]model.Event),
		eventIDs: make(map[string]struct{}),
		payouts:  make(map[string][]model.Payout),
	}
}

func (s *MemoryStore) SaveMarket(_ context.Context, snap model.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("store: save market: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.markets[snap.ID]
	if !ok {
		s.order = append(s.order, snap.ID)
	} else if snap.EventSeq < existing.EventSeq {
		// Older than what is stored; a later save already landed.
		return nil
	}
	// Store a copy to avoid external mutation.
	s.markets[snap.ID] = snap.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.markets[id]
	if !ok {
		return model.Snapshot{}, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.markets[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, dup := s.eventIDs[e.ID]; dup {
			continue
		}
		s.eventIDs[e.ID] = struct{}{}
		s.events[e.MarketID] = append(s.events[e.MarketID], e)
	}
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, marketID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]model.Event(nil), s.events[marketID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) RecordPayout(_ context.Context, p model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payouts[p.MarketID] {
		if existing.ID == p.ID {
			return fmt.Errorf("store: payout %s already recorded", p.ID)
		}
	}
	s.payouts[p.MarketID] = append(s.payouts[p.MarketID], p)
	return nil
}

func (s *MemoryStore) GetPayouts(_ context.Context, marketID string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Payout(nil), s.payouts[marketID]...), nil
}
