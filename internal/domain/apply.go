package domain

import (
	"encoding/json"
	"fmt"
)

// ApplyEvent folds a single event into the position aggregate. The same
// function runs on the write path (to update the projection row in the append
// transaction) and on replay, so a rebuilt projection is bit-identical to the
// live one.
//
// The zero Position is the pre-genesis state; the first event of a stream
// must be EventPositionArmed.
func ApplyEvent(p Position, ev Event) (Position, error) {
	switch ev.Type {
	case EventPositionArmed:
		var pl ArmedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		return Position{
			ID:               pl.PositionID,
			Account:          pl.Account,
			Symbol:           pl.Symbol,
			Side:             pl.Side,
			State:            StateArmed,
			CapitalAllocated: pl.CapitalAllocated,
			RiskPercent:      pl.RiskPercent,
			Leverage:         pl.Leverage,
			StopGain:         pl.StopGain,
			ArmedAt:          pl.ArmedAt,
		}, nil

	case EventEntryPlaced:
		var pl EntryPlacedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if err := p.Transition(StateEntering); err != nil {
			return p, err
		}
		p.EntryPrice = pl.EntryPrice
		p.StopLoss = pl.StopLoss
		p.StopGain = pl.StopGain
		p.Palma = pl.Palma
		p.Quantity = pl.Quantity
		return p, nil

	case EventEntryFilled:
		var pl FilledPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if err := p.Transition(StateActive); err != nil {
			return p, err
		}
		p.EntryPrice = pl.Price
		if pl.ExchangePositionID != "" {
			p.ExchangePositionID = pl.ExchangePositionID
		}
		at := pl.FilledAt
		p.EnteredAt = &at
		return p, nil

	case EventStopAdjusted:
		var pl StopAdjustedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if p.State != StateActive {
			return p, NewValidationError("stop adjustment outside active state for position %s", p.ID)
		}
		p.StopLoss = pl.NewStop
		return p, nil

	case EventExitPlaced:
		var pl ExitPlacedPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if err := p.Transition(StateExiting); err != nil {
			return p, err
		}
		return p, nil

	case EventExitFilled:
		var pl FilledPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if err := p.Transition(StateClosed); err != nil {
			return p, err
		}
		p.RealizedPnL = p.PnL(pl.Price, pl.Quantity).Sub(pl.Fee)
		at := pl.FilledAt
		p.ClosedAt = &at
		return p, nil

	case EventPositionDisarmed:
		if err := p.Transition(StateClosed); err != nil {
			return p, err
		}
		at := ev.OccurredAt
		p.ClosedAt = &at
		return p, nil

	case EventPositionErrored:
		var pl ErroredPayload
		if err := json.Unmarshal(ev.Payload, &pl); err != nil {
			return p, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		if err := p.Transition(StateError); err != nil {
			return p, err
		}
		p.ErrorReason = pl.Reason
		return p, nil

	default:
		return p, NewValidationError("unknown event type %q", ev.Type)
	}
}

// ReplayEvents folds a contiguous slice of events on top of a starting state
// (the zero Position for genesis replay, or a snapshot).
func ReplayEvents(start Position, events []Event) (Position, error) {
	p := start
	for _, ev := range events {
		next, err := ApplyEvent(p, ev)
		if err != nil {
			return p, fmt.Errorf("replay %s seq %d: %w", ev.StreamKey, ev.Seq, err)
		}
		p = next
	}
	return p, nil
}
