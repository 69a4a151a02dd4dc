// Package model defines the core domain types shared across the market engine.
// All value amounts use holiman/uint256 with floor division, never float64.
// Display-only probabilities use shopspring/decimal.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side is one of the two outcomes of a binary market.
type Side uint8

const (
	SideYes Side = iota + 1
	SideNo
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	}
	return "UNKNOWN"
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// ParseSide accepts "YES"/"NO" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return SideYes, nil
	case "NO":
		return SideNo, nil
	}
	return 0, fmt.Errorf("model: unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// State is the lifecycle state of a market. Active is the only
// non-terminal state.
type State uint8

const (
	StateActive State = iota
	StateResolved
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateResolved || s == StateCancelled }

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "resolved":
		return StateResolved, nil
	case "cancelled":
		return StateCancelled, nil
	}
	return 0, fmt.Errorf("model: unknown state %q", s)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Config is the immutable per-market configuration fixed at initialization.
type Config struct {
	Question    string         `json:"question"`
	Description string         `json:"description"`
	EndTime     time.Time      `json:"end_time"`
	Authority   common.Address `json:"authority"` // resolution authority
	MinStake    *uint256.Int   `json:"min_stake"`
	MaxStake    *uint256.Int   `json:"max_stake"`
}

// Validate checks the configuration against the creation time now.
func (c Config) Validate(now time.Time) error {
	switch {
	case strings.TrimSpace(c.Question) == "":
		return fmt.Errorf("%w: question is required", ErrInvalidConfig)
	case c.Authority == (common.Address{}):
		return fmt.Errorf("%w: resolution authority is required", ErrInvalidConfig)
	case !c.EndTime.After(now):
		return fmt.Errorf("%w: end time must be in the future", ErrInvalidConfig)
	case c.MinStake == nil || c.MaxStake == nil:
		return fmt.Errorf("%w: stake bounds are required", ErrInvalidConfig)
	case c.MinStake.IsZero():
		return fmt.Errorf("%w: minimum stake must be positive", ErrInvalidConfig)
	case c.MinStake.Gt(c.MaxStake):
		return fmt.Errorf("%w: minimum stake exceeds maximum", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.MinStake = cloneInt(c.MinStake)
	out.MaxStake = cloneInt(c.MaxStake)
	return out
}

// Pools is a snapshot of the two outcome pools.
type Pools struct {
	Yes *uint256.Int `json:"yes"`
	No  *uint256.Int `json:"no"`
}

// NewPools returns empty pools.
func NewPools() Pools {
	return Pools{Yes: new(uint256.Int), No: new(uint256.Int)}
}

// Total returns yes + no.
func (p Pools) Total() *uint256.Int {
	return new(uint256.Int).Add(p.Yes, p.No)
}

// Side returns the pool backing the given side.
func (p Pools) Side(s Side) *uint256.Int {
	if s == SideYes {
		return p.Yes
	}
	return p.No
}

// Clone returns a deep copy.
func (p Pools) Clone() Pools {
	return Pools{Yes: cloneInt(p.Yes), No: cloneInt(p.No)}
}

// Position is one participant's holdings in one market.
type Position struct {
	Participant common.Address `json:"participant"`
	YesShares   *uint256.Int   `json:"yes_shares"`
	NoShares    *uint256.Int   `json:"no_shares"`
	Claimed     bool           `json:"claimed"`
}

// NewPosition returns an empty position for participant.
func NewPosition(participant common.Address) Position {
	return Position{
		Participant: participant,
		YesShares:   new(uint256.Int),
		NoShares:    new(uint256.Int),
	}
}

// Shares returns the shares held on side s.
func (p Position) Shares(s Side) *uint256.Int {
	if s == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// TotalShares returns yes + no shares.
func (p Position) TotalShares() *uint256.Int {
	return new(uint256.Int).Add(p.YesShares, p.NoShares)
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	out := p
	out.YesShares = cloneInt(p.YesShares)
	out.NoShares = cloneInt(p.NoShares)
	return out
}

// Stats holds the aggregate counters of one market.
type Stats struct {
	TotalVolume    *uint256.Int `json:"total_volume"`
	StakeCount     uint64       `json:"stake_count"`
	Participants   int          `json:"participants"`
	YesOutstanding *uint256.Int `json:"yes_shares_outstanding"`
	NoOutstanding  *uint256.Int `json:"no_shares_outstanding"`
}

// SettlementBasis is recorded when a market reaches a terminal state; every
// claim is computed from it rather than from live pools.
type SettlementBasis struct {
	TotalPool      *uint256.Int `json:"total_pool"`
	YesOutstanding *uint256.Int `json:"yes_shares_outstanding"`
	NoOutstanding  *uint256.Int `json:"no_shares_outstanding"`
}

// Clone returns a deep copy.
func (b SettlementBasis) Clone() SettlementBasis {
	return SettlementBasis{
		TotalPool:      cloneInt(b.TotalPool),
		YesOutstanding: cloneInt(b.YesOutstanding),
		NoOutstanding:  cloneInt(b.NoOutstanding),
	}
}

// Snapshot is the full persisted state of one market.
type Snapshot struct {
	ID          string           `json:"id"`
	Factory     common.Address   `json:"factory"`
	Initialized bool             `json:"initialized"`
	Config      Config           `json:"config"`
	State       State            `json:"state"`
	Outcome     Side             `json:"outcome,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Pools       Pools            `json:"pools"`
	TotalVolume *uint256.Int     `json:"total_volume"`
	StakeCount  uint64           `json:"stake_count"`
	Positions   []Position       `json:"positions"` // in first-stake order
	Basis       *SettlementBasis `json:"settlement_basis,omitempty"`
	EventSeq    uint64           `json:"event_seq"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Config = s.Config.Clone()
	out.Pools = s.Pools.Clone()
	out.TotalVolume = cloneInt(s.TotalVolume)
	out.Positions = make([]Position, len(s.Positions))
	for i, p := range s.Positions {
		out.Positions[i] = p.Clone()
	}
	if s.Basis != nil {
		b := s.Basis.Clone()
		out.Basis = &b
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		out.CancelledAt = &t
	}
	return out
}

// Payout is the record of one successful claim leaving the market.
type Payout struct {
	ID          string         `json:"id"`
	MarketID    string         `json:"market_id"`
	Participant common.Address `json:"participant"`
	Amount      *uint256.Int   `json:"amount"`
	Refund      bool           `json:"refund"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MarshalJSON keeps Side's zero value out of Snapshot encodings of
// unresolved markets.
func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return []byte(`""`), nil
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == "" {
		*s = 0
		return nil
	}
	return s.UnmarshalText([]byte(str))
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
