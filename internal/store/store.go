// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/pool-markets/internal/model"
)

// ErrNotFound is returned when a market does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market state ---

	// SaveMarket inserts or replaces the full state of a market. A snapshot
	// with an older EventSeq than the stored one is ignored.
	SaveMarket(ctx context.Context, snap model.Snapshot) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (model.Snapshot, error)

	// ListMarkets returns all markets in creation order.
	ListMarkets(ctx context.Context) ([]model.Snapshot, error)

	// --- Immutable event log ---

	// AppendEvents appends committed events. Re-appending an event with a
	// known ID is a no-op.
	AppendEvents(ctx context.Context, events []model.Event) error

	// GetEvents returns a market's events in sequence order.
	GetEvents(ctx context.Context, marketID string) ([]model.Event, error)

	// --- Payouts ---

	// RecordPayout stores a completed claim.
	RecordPayout(ctx context.Context, p model.Payout) error

	// GetPayouts returns a market's payouts in the order recorded.
	GetPayouts(ctx context.Context, marketID string) ([]model.Payout, error)
}

// EventSink adapts a Store to the market event sink interface.
type EventSink struct{ Store Store }

func (s EventSink) Publish(ctx context.Context, events []model.Event) error {
	return s.Store.AppendEvents(ctx, events)
}

// PayoutLedger settles claims by recording them in the store's payout
// ledger. It satisfies the market payer interface.
type PayoutLedger struct{ Store Store }

func (l PayoutLedger) Pay(ctx context.Context, p model.Payout) error {
	return l.Store.RecordPayout(ctx, p)
}
