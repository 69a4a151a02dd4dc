package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/pool-markets/internal/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestApplyStake_GrowsPoolsAndPosition(t *testing.T) {
	l := New()

	pos := l.ApplyStake(alice, model.SideYes, u(100), u(100))
	if !pos.YesShares.Eq(u(100)) || !pos.NoShares.IsZero() {
		t.Errorf("unexpected position: yes=%s no=%s", pos.YesShares.Dec(), pos.NoShares.Dec())
	}

	l.ApplyStake(bob, model.SideNo, u(40), u(40))
	l.ApplyStake(alice, model.SideNo, u(10), u(8))

	pools := l.Pools()
	if !pools.Yes.Eq(u(100)) || !pools.No.Eq(u(50)) {
		t.Errorf("expected pools (100, 50), got (%s, %s)", pools.Yes.Dec(), pools.No.Dec())
	}

	stats := l.Stats()
	if !stats.TotalVolume.Eq(u(150)) {
		t.Errorf("expected volume 150, got %s", stats.TotalVolume.Dec())
	}
	if stats.StakeCount != 3 {
		t.Errorf("expected 3 stakes, got %d", stats.StakeCount)
	}
	if stats.Participants != 2 {
		t.Errorf("expected 2 participants, got %d", stats.Participants)
	}
	if !stats.YesOutstanding.Eq(u(100)) || !stats.NoOutstanding.Eq(u(48)) {
		t.Errorf("unexpected outstanding: yes=%s no=%s", stats.YesOutstanding.Dec(), stats.NoOutstanding.Dec())
	}
	if !l.TotalOutstanding().Eq(u(148)) {
		t.Errorf("expected 148 total shares, got %s", l.TotalOutstanding().Dec())
	}

	got, ok := l.Position(alice)
	if !ok {
		t.Fatal("alice should have a position")
	}
	if !got.YesShares.Eq(u(100)) || !got.NoShares.Eq(u(8)) {
		t.Errorf("unexpected alice position: yes=%s no=%s", got.YesShares.Dec(), got.NoShares.Dec())
	}
}

func TestPosition_UnknownParticipant(t *testing.T) {
	l := New()
	pos, ok := l.Position(bob)
	if ok {
		t.Error("expected no position for bob")
	}
	if !pos.TotalShares().IsZero() || pos.Participant != bob {
		t.Errorf("expected empty position for bob, got %+v", pos)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	l := New()
	l.ApplyStake(alice, model.SideYes, u(10), u(10))

	pools := l.Pools()
	pools.Yes.SetUint64(999)
	pos, _ := l.Position(alice)
	pos.YesShares.SetUint64(999)

	if !l.Pools().Yes.Eq(u(10)) {
		t.Error("mutating returned pools changed the ledger")
	}
	if p, _ := l.Position(alice); !p.YesShares.Eq(u(10)) {
		t.Error("mutating returned position changed the ledger")
	}
}

func TestPositions_FirstStakeOrder(t *testing.T) {
	l := New()
	l.ApplyStake(bob, model.SideNo, u(1), u(1))
	l.ApplyStake(alice, model.SideYes, u(1), u(1))
	l.ApplyStake(bob, model.SideYes, u(1), u(1))

	ps := l.Positions()
	if len(ps) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(ps))
	}
	if ps[0].Participant != bob || ps[1].Participant != alice {
		t.Errorf("unexpected order: %s, %s", ps[0].Participant.Hex(), ps[1].Participant.Hex())
	}
}

func TestMarkClaimed(t *testing.T) {
	l := New()
	if l.MarkClaimed(alice) {
		t.Error("claim should fail without a position")
	}

	l.ApplyStake(alice, model.SideYes, u(5), u(5))
	if !l.MarkClaimed(alice) {
		t.Fatal("first claim should succeed")
	}
	if l.MarkClaimed(alice) {
		t.Error("second claim should fail")
	}

	l.UnmarkClaimed(alice)
	if p, _ := l.Position(alice); p.Claimed {
		t.Error("UnmarkClaimed should reset the flag")
	}
	// Share balances are untouched by claiming.
	if p, _ := l.Position(alice); !p.YesShares.Eq(u(5)) {
		t.Errorf("claiming changed shares: %s", p.YesShares.Dec())
	}
}

func TestCanApply_Overflow(t *testing.T) {
	l := New()
	max := new(uint256.Int).SetAllOne()
	l.ApplyStake(alice, model.SideYes, max, u(1))

	if l.CanApply(model.SideYes, u(1), u(1)) {
		t.Error("expected overflow on YES pool")
	}
	if l.CanApply(model.SideNo, u(1), u(1)) {
		t.Error("expected overflow on volume")
	}
}

func TestBasis(t *testing.T) {
	l := New()
	l.ApplyStake(alice, model.SideYes, u(300), u(60))
	l.ApplyStake(bob, model.SideNo, u(200), u(40))

	b := l.Basis()
	if !b.TotalPool.Eq(u(500)) {
		t.Errorf("expected pool 500, got %s", b.TotalPool.Dec())
	}
	if !b.YesOutstanding.Eq(u(60)) || !b.NoOutstanding.Eq(u(40)) {
		t.Errorf("unexpected outstanding %s/%s", b.YesOutstanding.Dec(), b.NoOutstanding.Dec())
	}
}

func TestRestore(t *testing.T) {
	orig := New()
	orig.ApplyStake(alice, model.SideYes, u(100), u(100))
	orig.ApplyStake(bob, model.SideNo, u(50), u(34))
	orig.MarkClaimed(bob)

	l := Restore(orig.Pools(), orig.Volume(), orig.StakeCount(), orig.Positions())

	if got, want := l.Stats(), orig.Stats(); !got.YesOutstanding.Eq(want.YesOutstanding) ||
		!got.NoOutstanding.Eq(want.NoOutstanding) || !got.TotalVolume.Eq(want.TotalVolume) ||
		got.StakeCount != want.StakeCount || got.Participants != want.Participants {
		t.Errorf("restored stats differ: %+v vs %+v", got, want)
	}
	if p, _ := l.Position(bob); !p.Claimed {
		t.Error("claimed flag lost on restore")
	}
	if ps := l.Positions(); ps[0].Participant != alice {
		t.Error("participant order lost on restore")
	}
}
