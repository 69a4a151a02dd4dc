// Package settlement computes what a participant may withdraw once a market
// is terminal.
//
//	Cancelled: refund = totalPool × (yes + no shares) / all shares outstanding
//	Resolved:  payout = totalPool × winning shares / winning shares outstanding
//
// Refunds track share ownership, not historical stake. Losing shares are
// worth nothing. If nobody holds a winning share the pool is stranded and
// every claim is empty. Results are floored per participant, so the sum of
// all claims never exceeds the pool.
package settlement

import (
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/model"
)

// Terminal describes the settled state a claim is computed against.
type Terminal struct {
	State   model.State
	Outcome model.Side // meaningful when State is Resolved
	Basis   model.SettlementBasis
}

// Claim is a computed entitlement.
type Claim struct {
	Amount *uint256.Int
	Refund bool // true for a cancelled market
}

// Claimable computes pos's entitlement. It does not look at pos.Claimed;
// the caller enforces single use. Errors: ErrNotSettleable for a
// non-terminal state, ErrNothingToClaim for a zero result.
func Claimable(t Terminal, pos model.Position) (Claim, error) {
	var held, outstanding *uint256.Int

	switch t.State {
	case model.StateCancelled:
		held = pos.TotalShares()
		outstanding = new(uint256.Int).Add(t.Basis.YesOutstanding, t.Basis.NoOutstanding)
	case model.StateResolved:
		if !t.Outcome.Valid() {
			return Claim{}, model.ErrNotSettleable
		}
		held = pos.Shares(t.Outcome)
		if t.Outcome == model.SideYes {
			outstanding = t.Basis.YesOutstanding
		} else {
			outstanding = t.Basis.NoOutstanding
		}
	default:
		return Claim{}, model.ErrNotSettleable
	}

	amount := proRata(t.Basis.TotalPool, held, outstanding)
	if amount.IsZero() {
		return Claim{}, model.ErrNothingToClaim
	}
	return Claim{Amount: amount, Refund: t.State == model.StateCancelled}, nil
}

// proRata returns floor(total × part / whole), or zero when whole is zero.
// The product is computed in 512 bits; part <= whole keeps the quotient
// within total.
func proRata(total, part, whole *uint256.Int) *uint256.Int {
	if whole == nil || whole.IsZero() || part == nil || part.IsZero() || total == nil {
		return new(uint256.Int)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(total, part, whole)
	if overflow {
		// Only reachable when part > whole, which the ledger never produces.
		return new(uint256.Int)
	}
	return z
}
