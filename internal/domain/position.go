package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionState tracks where a position is in its lifecycle.
type PositionState string

const (
	StateArmed    PositionState = "armed"
	StateEntering PositionState = "entering"
	StateActive   PositionState = "active"
	StateExiting  PositionState = "exiting"
	StateClosed   PositionState = "closed"
	StateError    PositionState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// transitions is the full legal transition graph. Any non-terminal state may
// additionally move to StateError on unrecoverable failure.
var transitions = map[PositionState][]PositionState{
	StateArmed:    {StateEntering, StateClosed},
	StateEntering: {StateActive, StateExiting},
	StateActive:   {StateExiting},
	StateExiting:  {StateClosed},
}

// CanTransition reports whether moving from one state to another is legal.
// This table is the single authority on legality; no other layer decides.
func CanTransition(from, to PositionState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Position is the aggregate root for a managed trade. It is created by an arm
// command and mutated only by applying events produced by the engine.
type Position struct {
	ID      string
	Account string
	Symbol  string
	Side    Side
	State   PositionState

	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	StopGain   *decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int

	// Palma is the structural risk distance |entry - stop|, fixed when the
	// position is sized; trailing-stop steps move by exactly this amount.
	Palma decimal.Decimal

	CapitalAllocated decimal.Decimal
	RiskPercent      decimal.Decimal
	RealizedPnL      decimal.Decimal

	// ExchangePositionID is the exchange's native identifier for the open
	// position, recorded on entry fill for forensic reconciliation.
	ExchangePositionID string

	ErrorReason string

	ArmedAt   time.Time
	EnteredAt *time.Time
	ClosedAt  *time.Time
}

// Transition moves the position to the given state, enforcing graph legality.
func (p *Position) Transition(to PositionState) error {
	if !CanTransition(p.State, to) {
		return NewValidationError("illegal transition %s -> %s for position %s", p.State, to, p.ID)
	}
	p.State = to
	return nil
}

// PnL returns the realized profit from closing qty at exitPrice.
func (p Position) PnL(exitPrice, qty decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}
