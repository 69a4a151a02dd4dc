// Package amm implements the constant-product automated market maker that
// prices shares for binary prediction markets.
//
// For a stake of a on one side, with pools (chosen, other) and
// k = chosen × other before the trade:
//
//	newChosen = chosen + a
//	newOther  = floor(k / newChosen)
//	shares    = other − newOther
//
// A stake onto a side whose opposite pool is empty (including the very
// first stake in a market) is priced 1:1, since the formula would issue
// nothing. All division is integer floor division.
// Like the LMSR maker it replaced, the engine is stateless: pools are passed
// as arguments, never stored.
package amm

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-markets/internal/model"
)

var (
	// ErrOverflow is returned when a pool would exceed 256 bits.
	ErrOverflow = model.NewError(model.KindArithmetic, "Overflow", "amm: pool size overflow")

	// DefaultPrice is the YES percentage reported for an empty market.
	DefaultPrice uint64 = 50

	// ProbabilityScale is the number of decimal places for display
	// probabilities.
	ProbabilityScale int32 = 8

	hundred = uint256.NewInt(100)
)

// Quote is the result of pricing one stake.
type Quote struct {
	Shares *uint256.Int
	After  model.Pools // pools once the stake is added
	Price  uint64      // YES percent after the stake
}

// SharesOut returns the number of shares issued on side for a stake of
// amount against pools. It fails with model.ErrZeroShares when floor
// rounding leaves nothing to issue.
func SharesOut(pools model.Pools, side model.Side, amount *uint256.Int) (*uint256.Int, error) {
	if !side.Valid() {
		return nil, model.ErrInvalidSide
	}
	if amount == nil || amount.IsZero() {
		return nil, model.ErrZeroShares
	}

	chosen := pools.Side(side)
	other := pools.Side(side.Opposite())

	newChosen, overflow := new(uint256.Int).AddOverflow(chosen, amount)
	if overflow {
		return nil, ErrOverflow
	}

	// Nothing on the other side to price against: issue 1:1. An empty chosen
	// side goes through the formula and receives the whole other pool.
	if other.IsZero() {
		return amount.Clone(), nil
	}

	// newOther <= other because newChosen > chosen, so the quotient fits.
	newOther, _ := new(uint256.Int).MulDivOverflow(chosen, other, newChosen)
	shares := new(uint256.Int).Sub(other, newOther)
	if shares.IsZero() {
		return nil, model.ErrZeroShares
	}
	return shares, nil
}

// Execute prices a stake and returns the shares together with the pools
// and price after the stake is added. pools is not modified.
func Execute(pools model.Pools, side model.Side, amount *uint256.Int) (Quote, error) {
	shares, err := SharesOut(pools, side, amount)
	if err != nil {
		return Quote{}, err
	}
	after := pools.Clone()
	if side == model.SideYes {
		after.Yes.Add(after.Yes, amount)
	} else {
		after.No.Add(after.No, amount)
	}
	return Quote{Shares: shares, After: after, Price: Price(after)}, nil
}

// Price returns the diagnostic YES price as an integer percentage:
//
//	yes × 100 / (yes + no)
//
// It returns DefaultPrice for an empty market. It is not used for
// settlement.
func Price(pools model.Pools) uint64 {
	total, overflow := new(uint256.Int).AddOverflow(pools.Yes, pools.No)
	if overflow {
		// Scale both pools down; the ratio is what matters here.
		y := new(uint256.Int).Rsh(pools.Yes, 1)
		n := new(uint256.Int).Rsh(pools.No, 1)
		return Price(model.Pools{Yes: y, No: n})
	}
	if total.IsZero() {
		return DefaultPrice
	}
	p, _ := new(uint256.Int).MulDivOverflow(pools.Yes, hundred, total)
	return p.Uint64()
}

// ImpliedYes returns the YES probability in [0, 1] for display, rounded to
// ProbabilityScale places. Empty markets report 0.5.
func ImpliedYes(pools model.Pools) decimal.Decimal {
	yes := decimal.NewFromBigInt(pools.Yes.ToBig(), 0)
	total := yes.Add(decimal.NewFromBigInt(pools.No.ToBig(), 0))
	if total.IsZero() {
		return decimal.New(5, -1)
	}
	return yes.DivRound(total, ProbabilityScale)
}

// ImpliedNo returns 1 − ImpliedYes.
func ImpliedNo(pools model.Pools) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(ImpliedYes(pools))
}
