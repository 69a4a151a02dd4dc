package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType names an observable market event.
type EventType string

const (
	EventInitialized EventType = "market_initialized"
	EventStaked      EventType = "stake_placed"
	EventResolved    EventType = "market_resolved"
	EventCancelled   EventType = "market_cancelled"
	EventClaimed     EventType = "payout_claimed"
)

// Event is an immutable record of one state change. Seq is strictly
// increasing per market so indexers can detect gaps.
type Event struct {
	ID          string          `json:"id"`
	MarketID    string          `json:"market_id"`
	Seq         uint64          `json:"seq"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	Participant *common.Address `json:"participant,omitempty"`
	Side        Side            `json:"side,omitempty"`
	Amount      *uint256.Int    `json:"amount,omitempty"`
	Shares      *uint256.Int    `json:"shares,omitempty"`
	Price       *uint64         `json:"price,omitempty"` // YES percent after the stake
	Outcome     Side            `json:"outcome,omitempty"`
	Refund      bool            `json:"refund,omitempty"`
	Question    string          `json:"question,omitempty"`
	EndTime     *time.Time      `json:"end_time,omitempty"`
}
