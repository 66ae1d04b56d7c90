// Package engine holds the pure decision function that maps (position state,
// input) to actions and new state. It performs no I/O and keeps no hidden
// state: the same input always yields the same output, which is what makes
// replay and table testing possible.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// Input is one of the stimuli the engine reacts to.
type Input interface{ isInput() }

// SignalInput carries an entry signal from the external detector.
type SignalInput struct {
	Signal domain.EntrySignal
}

// TickInput carries one market tick.
type TickInput struct {
	Tick domain.MarketTick
}

// FillInput reports a confirmed fill for one of the position's own orders.
type FillInput struct {
	IntentID string
	Fill     domain.Fill
	// NativePositionID is the exchange's position identifier, when known.
	NativePositionID string
}

// DisarmInput cancels an armed position before entry.
type DisarmInput struct {
	Reason string
}

// PanicInput forces an immediate market exit regardless of trigger levels.
type PanicInput struct{}

// ReconcileExitInput closes out a position whose exchange-side state no
// longer matches the replayed aggregate. Price is the last known reference
// price.
type ReconcileExitInput struct {
	Price decimal.Decimal
}

func (SignalInput) isInput()        {}
func (TickInput) isInput()          {}
func (FillInput) isInput()          {}
func (DisarmInput) isInput()        {}
func (PanicInput) isInput()         {}
func (ReconcileExitInput) isInput() {}

// Decline reason codes.
const (
	DeclineNotArmed       = "not_armed"
	DeclineSideMismatch   = "signal_side_mismatch"
	DeclineSymbolMismatch = "symbol_mismatch"
	DeclineStopWrongSide  = "stop_wrong_side"
	DeclineSizing         = "sizing_rejected"
	DeclineNoOp           = "no_op"
	DeclineTerminal       = "terminal_state"
	DeclineAlreadyExiting = "already_exiting"
	DeclineUnexpectedFill = "unexpected_fill"
)

// Exit reasons recorded in exit.placed payloads.
const (
	ExitReasonStopLoss  = "stop_loss"
	ExitReasonStopGain  = "stop_gain"
	ExitReasonPanic     = "panic"
	ExitReasonReconcile = "reconcile"
)

// ActionKind classifies an external side effect requested by the engine.
type ActionKind string

const (
	ActionPlaceOrder  ActionKind = "place_order"
	ActionCancelOrder ActionKind = "cancel_order"
)

// Action is a side effect for the execution layer. IntentID is derived
// deterministically from the position id, so a replayed decision requests the
// same intent and the journal absorbs the duplicate.
type Action struct {
	Kind     ActionKind
	IntentID string
	Order    domain.OrderRequest
	Reason   string
}

// EventDraft is a fact to be appended to the position's stream. The runner
// assigns ids, sequence numbers and timestamps.
type EventDraft struct {
	Type    domain.EventType
	Payload any
}

// Decision is the full output of Decide. When Declined is set, nothing
// changed and Reason carries the code; errors are expressed this way, never
// as panics or escaping error values.
type Decision struct {
	Actions  []Action
	Events   []EventDraft
	Next     domain.Position
	Declined bool
	Reason   string
}

// EntryIntentID returns the deterministic intent id for a position's entry
// order. Stable across retries and replays.
func EntryIntentID(positionID string) string { return positionID + "-entry" }

// ExitIntentID returns the deterministic intent id for a position's exit
// order.
func ExitIntentID(positionID string) string { return positionID + "-exit" }

// CancelIntentID returns the deterministic intent id for cancelling a
// position's entry order.
func CancelIntentID(positionID string) string { return positionID + "-cancel" }

func declined(pos domain.Position, reason string) Decision {
	return Decision{Next: pos, Declined: true, Reason: reason}
}

// Decide maps the current position state and one input to a decision. It is
// total: any input in any state yields either events/actions or a decline.
func Decide(pos domain.Position, in Input) Decision {
	switch v := in.(type) {
	case SignalInput:
		return decideSignal(pos, v.Signal)
	case TickInput:
		return decideTick(pos, v.Tick)
	case FillInput:
		return decideFill(pos, v)
	case DisarmInput:
		return decideDisarm(pos, v.Reason)
	case PanicInput:
		return decidePanic(pos)
	case ReconcileExitInput:
		return decideReconcileExit(pos, v.Price)
	default:
		return declined(pos, DeclineNoOp)
	}
}

func decideSignal(pos domain.Position, sig domain.EntrySignal) Decision {
	if pos.State != domain.StateArmed {
		return declined(pos, DeclineNotArmed)
	}
	if sig.Symbol != pos.Symbol {
		return declined(pos, DeclineSymbolMismatch)
	}
	if sig.Side != pos.Side {
		return declined(pos, DeclineSideMismatch)
	}
	if !domain.ValidStop(pos.Side, sig.EntryPrice, sig.StopPrice) {
		return declined(pos, DeclineStopWrongSide)
	}

	palma := domain.Palma(sig.EntryPrice, sig.StopPrice)
	qty, err := domain.GoldenRuleQuantity(pos.CapitalAllocated, pos.RiskPercent, palma)
	if err != nil {
		return declined(pos, DeclineSizing)
	}

	intentID := EntryIntentID(pos.ID)
	drafts := []EventDraft{{
		Type: domain.EventEntryPlaced,
		Payload: domain.EntryPlacedPayload{
			IntentID:   intentID,
			EntryPrice: sig.EntryPrice,
			StopLoss:   sig.StopPrice,
			StopGain:   pos.StopGain,
			Palma:      palma,
			Quantity:   qty,
		},
	}}
	next, err := fold(pos, drafts)
	if err != nil {
		return declined(pos, DeclineNoOp)
	}
	return Decision{
		Actions: []Action{{
			Kind:     ActionPlaceOrder,
			IntentID: intentID,
			Order: domain.OrderRequest{
				Symbol:        pos.Symbol,
				Side:          domain.EntryOrderSide(pos.Side),
				Type:          domain.OrderTypeLimit,
				Quantity:      qty,
				Price:         sig.EntryPrice,
				Leverage:      pos.Leverage,
				ClientOrderID: intentID,
			},
		}},
		Events: drafts,
		Next:   next,
	}
}

func decideTick(pos domain.Position, tick domain.MarketTick) Decision {
	if tick.Symbol != pos.Symbol {
		return declined(pos, DeclineSymbolMismatch)
	}
	if pos.State != domain.StateActive {
		return declined(pos, DeclineNoOp)
	}

	if domain.StopBreached(pos.Side, pos.StopLoss, tick.Price) {
		return exitDecision(pos, ExitReasonStopLoss, tick.Price)
	}
	if domain.GainReached(pos.Side, pos.StopGain, tick.Price) {
		return exitDecision(pos, ExitReasonStopGain, tick.Price)
	}

	// Favorable move of a full palma trails the stop behind price.
	trailed := domain.TrailedStop(pos.Side, pos.StopLoss, tick.Price, pos.Palma)
	if !trailed.Equal(pos.StopLoss) {
		drafts := []EventDraft{{
			Type: domain.EventStopAdjusted,
			Payload: domain.StopAdjustedPayload{
				OldStop: pos.StopLoss,
				NewStop: trailed,
				Price:   tick.Price,
			},
		}}
		next, err := fold(pos, drafts)
		if err != nil {
			return declined(pos, DeclineNoOp)
		}
		return Decision{Events: drafts, Next: next}
	}

	return declined(pos, DeclineNoOp)
}

func decideFill(pos domain.Position, in FillInput) Decision {
	switch {
	case pos.State == domain.StateEntering && in.IntentID == EntryIntentID(pos.ID):
		drafts := []EventDraft{{
			Type: domain.EventEntryFilled,
			Payload: domain.FilledPayload{
				IntentID:           in.IntentID,
				Price:              in.Fill.Price,
				Quantity:           in.Fill.Quantity,
				Fee:                in.Fill.Fee,
				ExchangeOrderID:    in.Fill.ExchangeOrderID,
				ExchangePositionID: in.NativePositionID,
				FilledAt:           in.Fill.TradeTime,
			},
		}}
		next, err := fold(pos, drafts)
		if err != nil {
			return declined(pos, DeclineNoOp)
		}
		return Decision{Events: drafts, Next: next}

	case pos.State == domain.StateExiting && in.IntentID == ExitIntentID(pos.ID):
		drafts := []EventDraft{{
			Type: domain.EventExitFilled,
			Payload: domain.FilledPayload{
				IntentID:        in.IntentID,
				Price:           in.Fill.Price,
				Quantity:        in.Fill.Quantity,
				Fee:             in.Fill.Fee,
				ExchangeOrderID: in.Fill.ExchangeOrderID,
				FilledAt:        in.Fill.TradeTime,
			},
		}}
		next, err := fold(pos, drafts)
		if err != nil {
			return declined(pos, DeclineNoOp)
		}
		return Decision{Events: drafts, Next: next}

	default:
		return declined(pos, DeclineUnexpectedFill)
	}
}

func decideDisarm(pos domain.Position, reason string) Decision {
	if pos.State != domain.StateArmed {
		return declined(pos, DeclineNotArmed)
	}
	if reason == "" {
		reason = "disarm"
	}
	drafts := []EventDraft{{
		Type:    domain.EventPositionDisarmed,
		Payload: domain.DisarmedPayload{Reason: reason},
	}}
	next, err := fold(pos, drafts)
	if err != nil {
		return declined(pos, DeclineNoOp)
	}
	return Decision{Events: drafts, Next: next}
}

func decidePanic(pos domain.Position) Decision {
	switch pos.State {
	case domain.StateArmed:
		return decideDisarm(pos, ExitReasonPanic)

	case domain.StateEntering:
		dec := exitDecision(pos, ExitReasonPanic, pos.EntryPrice)
		if dec.Declined {
			return dec
		}
		// Cancel the resting entry order first; the exit order is reduce-only
		// so it is harmless if the entry never filled.
		cancel := Action{
			Kind:     ActionCancelOrder,
			IntentID: CancelIntentID(pos.ID),
			Order: domain.OrderRequest{
				Symbol:        pos.Symbol,
				ClientOrderID: EntryIntentID(pos.ID),
			},
			Reason: ExitReasonPanic,
		}
		dec.Actions = append([]Action{cancel}, dec.Actions...)
		return dec

	case domain.StateActive:
		return exitDecision(pos, ExitReasonPanic, pos.StopLoss)

	case domain.StateExiting:
		return declined(pos, DeclineAlreadyExiting)

	default:
		return declined(pos, DeclineTerminal)
	}
}

func decideReconcileExit(pos domain.Position, price decimal.Decimal) Decision {
	switch pos.State {
	case domain.StateEntering:
		ref := price
		if ref.IsZero() {
			ref = pos.EntryPrice
		}
		dec := exitDecision(pos, ExitReasonReconcile, ref)
		if dec.Declined {
			return dec
		}
		cancel := Action{
			Kind:     ActionCancelOrder,
			IntentID: CancelIntentID(pos.ID),
			Order: domain.OrderRequest{
				Symbol:        pos.Symbol,
				ClientOrderID: EntryIntentID(pos.ID),
			},
			Reason: ExitReasonReconcile,
		}
		dec.Actions = append([]Action{cancel}, dec.Actions...)
		return dec

	case domain.StateActive:
		ref := price
		if ref.IsZero() {
			ref = pos.StopLoss
		}
		return exitDecision(pos, ExitReasonReconcile, ref)

	case domain.StateExiting:
		return declined(pos, DeclineAlreadyExiting)

	default:
		return declined(pos, DeclineTerminal)
	}
}

// exitDecision drafts the exit.placed event and the reduce-only market order
// that realizes it. price is the reference price that triggered the exit.
func exitDecision(pos domain.Position, reason string, price decimal.Decimal) Decision {
	intentID := ExitIntentID(pos.ID)
	drafts := []EventDraft{{
		Type: domain.EventExitPlaced,
		Payload: domain.ExitPlacedPayload{
			IntentID: intentID,
			Reason:   reason,
			Price:    price,
		},
	}}
	next, err := fold(pos, drafts)
	if err != nil {
		return declined(pos, DeclineNoOp)
	}
	return Decision{
		Actions: []Action{{
			Kind:     ActionPlaceOrder,
			IntentID: intentID,
			Order: domain.OrderRequest{
				Symbol:        pos.Symbol,
				Side:          domain.ExitOrderSide(pos.Side),
				Type:          domain.OrderTypeMarket,
				Quantity:      pos.Quantity,
				ReduceOnly:    true,
				ClientOrderID: intentID,
			},
			Reason: reason,
		}},
		Events: drafts,
		Next:   next,
	}
}

// Materialize converts event drafts into store-ready events carrying the
// account and the originating command id. The store assigns ids, sequence
// numbers and timestamps on append.
func Materialize(account, positionID, commandID string, drafts []EventDraft) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(drafts))
	for _, d := range drafts {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return nil, fmt.Errorf("engine: marshal %s: %w", d.Type, err)
		}
		events = append(events, domain.Event{
			Account:   account,
			StreamKey: domain.PositionStream(positionID),
			Type:      d.Type,
			Payload:   payload,
			CommandID: commandID,
		})
	}
	return events, nil
}

// fold serializes drafts and applies them through the same projection logic
// used by the store, so Decision.Next always equals what replay will produce.
func fold(pos domain.Position, drafts []EventDraft) (domain.Position, error) {
	next := pos
	for _, d := range drafts {
		payload, err := json.Marshal(d.Payload)
		if err != nil {
			return pos, fmt.Errorf("engine: marshal %s: %w", d.Type, err)
		}
		next, err = domain.ApplyEvent(next, domain.Event{
			StreamKey: domain.PositionStream(pos.ID),
			Type:      d.Type,
			Payload:   payload,
		})
		if err != nil {
			return pos, err
		}
	}
	return next, nil
}
