// Package ledger keeps the per-market accounting: the two outcome pools,
// every participant's share balances, running totals of shares outstanding
// per side and the aggregate stake counters.
//
// Pools and share balances only ever grow. Settlement never debits them; it
// only flips a participant's claimed flag.
package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/model"
)

// Ledger is not safe for concurrent use; the owning market serializes
// access.
type Ledger struct {
	pools          model.Pools
	yesOutstanding *uint256.Int
	noOutstanding  *uint256.Int
	volume         *uint256.Int
	stakeCount     uint64

	positions map[common.Address]*model.Position
	order     []common.Address // distinct participants in first-stake order
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		pools:          model.NewPools(),
		yesOutstanding: new(uint256.Int),
		noOutstanding:  new(uint256.Int),
		volume:         new(uint256.Int),
		positions:      make(map[common.Address]*model.Position),
	}
}

// Pools returns a copy of the current pools.
func (l *Ledger) Pools() model.Pools { return l.pools.Clone() }

// Outstanding returns the total shares held on side across all participants.
func (l *Ledger) Outstanding(side model.Side) *uint256.Int {
	if side == model.SideYes {
		return l.yesOutstanding.Clone()
	}
	return l.noOutstanding.Clone()
}

// TotalOutstanding returns yes + no shares outstanding.
func (l *Ledger) TotalOutstanding() *uint256.Int {
	return new(uint256.Int).Add(l.yesOutstanding, l.noOutstanding)
}

// Position returns a copy of participant's position. Participants that never
// staked get an empty position and ok == false.
func (l *Ledger) Position(participant common.Address) (model.Position, bool) {
	p, ok := l.positions[participant]
	if !ok {
		return model.NewPosition(participant), false
	}
	return p.Clone(), true
}

// Positions returns copies of every position in first-stake order.
func (l *Ledger) Positions() []model.Position {
	out := make([]model.Position, 0, len(l.order))
	for _, addr := range l.order {
		out = append(out, l.positions[addr].Clone())
	}
	return out
}

// Stats returns the aggregate counters.
func (l *Ledger) Stats() model.Stats {
	return model.Stats{
		TotalVolume:    l.volume.Clone(),
		StakeCount:     l.stakeCount,
		Participants:   len(l.order),
		YesOutstanding: l.yesOutstanding.Clone(),
		NoOutstanding:  l.noOutstanding.Clone(),
	}
}

// Volume returns the cumulative stake volume.
func (l *Ledger) Volume() *uint256.Int { return l.volume.Clone() }

// StakeCount returns the number of stakes applied.
func (l *Ledger) StakeCount() uint64 { return l.stakeCount }

// CanApply reports whether ApplyStake would overflow any accumulator. The
// market checks this before mutating so a stake either fully applies or
// leaves the ledger untouched.
func (l *Ledger) CanApply(side model.Side, amount, shares *uint256.Int) bool {
	if _, o := new(uint256.Int).AddOverflow(l.pools.Side(side), amount); o {
		return false
	}
	if _, o := new(uint256.Int).AddOverflow(l.volume, amount); o {
		return false
	}
	outstanding := l.yesOutstanding
	if side == model.SideNo {
		outstanding = l.noOutstanding
	}
	if _, o := new(uint256.Int).AddOverflow(outstanding, shares); o {
		return false
	}
	// A position's side balance never exceeds that side's outstanding total,
	// so it cannot overflow once the total does not.
	return true
}

// ApplyStake records a stake: the chosen pool grows by amount, the
// participant's side balance and the outstanding total grow by shares, and
// the counters advance. Callers must check CanApply first.
func (l *Ledger) ApplyStake(participant common.Address, side model.Side, amount, shares *uint256.Int) model.Position {
	p, ok := l.positions[participant]
	if !ok {
		np := model.NewPosition(participant)
		p = &np
		l.positions[participant] = p
		l.order = append(l.order, participant)
	}

	if side == model.SideYes {
		l.pools.Yes.Add(l.pools.Yes, amount)
		p.YesShares.Add(p.YesShares, shares)
		l.yesOutstanding.Add(l.yesOutstanding, shares)
	} else {
		l.pools.No.Add(l.pools.No, amount)
		p.NoShares.Add(p.NoShares, shares)
		l.noOutstanding.Add(l.noOutstanding, shares)
	}
	l.volume.Add(l.volume, amount)
	l.stakeCount++
	return p.Clone()
}

// MarkClaimed sets participant's claimed flag. It reports false if the
// participant has no position or has already claimed.
func (l *Ledger) MarkClaimed(participant common.Address) bool {
	p, ok := l.positions[participant]
	if !ok || p.Claimed {
		return false
	}
	p.Claimed = true
	return true
}

// UnmarkClaimed reverts MarkClaimed after a failed outward transfer.
func (l *Ledger) UnmarkClaimed(participant common.Address) {
	if p, ok := l.positions[participant]; ok {
		p.Claimed = false
	}
}

// Basis captures the settlement basis from the current balances.
func (l *Ledger) Basis() model.SettlementBasis {
	return model.SettlementBasis{
		TotalPool:      l.pools.Total(),
		YesOutstanding: l.yesOutstanding.Clone(),
		NoOutstanding:  l.noOutstanding.Clone(),
	}
}

// Restore rebuilds a ledger from persisted state. Outstanding totals are
// recomputed from the positions.
func Restore(pools model.Pools, volume *uint256.Int, stakeCount uint64, positions []model.Position) *Ledger {
	l := New()
	l.pools = pools.Clone()
	if volume != nil {
		l.volume = volume.Clone()
	}
	l.stakeCount = stakeCount
	for _, pos := range positions {
		p := pos.Clone()
		if _, dup := l.positions[p.Participant]; dup {
			continue
		}
		l.positions[p.Participant] = &p
		l.order = append(l.order, p.Participant)
		l.yesOutstanding.Add(l.yesOutstanding, p.YesShares)
		l.noOutstanding.Add(l.noOutstanding, p.NoShares)
	}
	return l
}
