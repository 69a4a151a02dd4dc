// Package lifecycle implements the market state machine:
//
//	Active ──Resolve(outcome)──▶ Resolved
//	   └─────Cancel()──────────▶ Cancelled
//
// Resolved and Cancelled are terminal. Transitions are checked in the
// order authority, state, timing.
package lifecycle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/pool-markets/internal/model"
)

// Machine holds the authoritative state tag of one market.
type Machine struct {
	authority common.Address
	endTime   time.Time

	state       model.State
	outcome     model.Side
	resolvedAt  time.Time
	cancelledAt time.Time
}

// New returns a machine in the Active state.
func New(authority common.Address, endTime time.Time) *Machine {
	return &Machine{authority: authority, endTime: endTime, state: model.StateActive}
}

// Restore rebuilds a machine from persisted state.
func Restore(authority common.Address, endTime time.Time, state model.State, outcome model.Side, resolvedAt, cancelledAt *time.Time) *Machine {
	m := New(authority, endTime)
	m.state = state
	m.outcome = outcome
	if resolvedAt != nil {
		m.resolvedAt = *resolvedAt
	}
	if cancelledAt != nil {
		m.cancelledAt = *cancelledAt
	}
	return m
}

// State returns the current state.
func (m *Machine) State() model.State { return m.state }

// Outcome returns the recorded outcome and whether the market is resolved.
func (m *Machine) Outcome() (model.Side, bool) {
	return m.outcome, m.state == model.StateResolved
}

// ResolvedAt returns the resolution time, zero unless resolved.
func (m *Machine) ResolvedAt() time.Time { return m.resolvedAt }

// CancelledAt returns the cancellation time, zero unless cancelled.
func (m *Machine) CancelledAt() time.Time { return m.cancelledAt }

// EndTime returns the configured end of trading.
func (m *Machine) EndTime() time.Time { return m.endTime }

// CheckStake reports whether a stake is legal at now: the market must be
// Active and now strictly before the end time.
func (m *Machine) CheckStake(now time.Time) error {
	if m.state != model.StateActive {
		return model.ErrNotActive
	}
	if !now.Before(m.endTime) {
		return model.ErrMarketEnded
	}
	return nil
}

// CheckResolve validates a resolution without applying it.
func (m *Machine) CheckResolve(caller common.Address, outcome model.Side, now time.Time) error {
	if caller != m.authority {
		return model.ErrUnauthorized
	}
	if m.state != model.StateActive {
		return model.ErrNotActive
	}
	if now.Before(m.endTime) {
		return model.ErrTooEarly
	}
	if !outcome.Valid() {
		return model.ErrInvalidSide
	}
	return nil
}

// Resolve moves Active → Resolved, recording outcome and now.
func (m *Machine) Resolve(caller common.Address, outcome model.Side, now time.Time) error {
	if err := m.CheckResolve(caller, outcome, now); err != nil {
		return err
	}
	m.state = model.StateResolved
	m.outcome = outcome
	m.resolvedAt = now
	return nil
}

// CheckCancel validates a cancellation without applying it. Cancellation
// has no timing requirement.
func (m *Machine) CheckCancel(caller common.Address) error {
	if caller != m.authority {
		return model.ErrUnauthorized
	}
	if m.state != model.StateActive {
		return model.ErrNotActive
	}
	return nil
}

// Cancel moves Active → Cancelled.
func (m *Machine) Cancel(caller common.Address, now time.Time) error {
	if err := m.CheckCancel(caller); err != nil {
		return err
	}
	m.state = model.StateCancelled
	m.cancelledAt = now
	return nil
}

// CheckSettleable fails unless the market is in a terminal state.
func (m *Machine) CheckSettleable() error {
	if !m.state.Terminal() {
		return model.ErrNotSettleable
	}
	return nil
}
