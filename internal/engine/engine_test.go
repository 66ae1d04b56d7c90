package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func armedPosition() domain.Position {
	return domain.Position{
		ID:               "p1",
		Account:          "acct",
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		State:            domain.StateArmed,
		CapitalAllocated: d("1000"),
		RiskPercent:      d("0.01"),
		Leverage:         3,
		ArmedAt:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func activePosition() domain.Position {
	p := armedPosition()
	p.State = domain.StateActive
	p.EntryPrice = d("95000")
	p.StopLoss = d("93000")
	p.Palma = d("2000")
	p.Quantity = d("0.005")
	return p
}

func signal() domain.EntrySignal {
	return domain.EntrySignal{
		Symbol:     "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: d("95000"),
		StopPrice:  d("93000"),
	}
}

func TestDecideEntrySignalSizesAndEnters(t *testing.T) {
	dec := Decide(armedPosition(), SignalInput{Signal: signal()})

	require.False(t, dec.Declined, "reason=%s", dec.Reason)
	require.Len(t, dec.Actions, 1)
	act := dec.Actions[0]
	assert.Equal(t, ActionPlaceOrder, act.Kind)
	assert.Equal(t, "p1-entry", act.IntentID)
	assert.Equal(t, domain.OrderSideBuy, act.Order.Side)
	assert.Equal(t, domain.OrderTypeLimit, act.Order.Type)
	assert.True(t, act.Order.Quantity.Equal(d("0.005")), "got %s", act.Order.Quantity)
	assert.Equal(t, act.IntentID, act.Order.ClientOrderID)

	assert.Equal(t, domain.StateEntering, dec.Next.State)
	assert.True(t, dec.Next.Palma.Equal(d("2000")))
}

func TestDecideEntrySignalIsDeterministic(t *testing.T) {
	a := Decide(armedPosition(), SignalInput{Signal: signal()})
	b := Decide(armedPosition(), SignalInput{Signal: signal()})
	assert.Equal(t, a, b)
}

func TestDecideRejectsStopOnWrongSide(t *testing.T) {
	sig := signal()
	sig.StopPrice = d("96000") // above entry for a long

	dec := Decide(armedPosition(), SignalInput{Signal: sig})
	assert.True(t, dec.Declined)
	assert.Equal(t, DeclineStopWrongSide, dec.Reason)
	assert.Equal(t, domain.StateArmed, dec.Next.State)
}

func TestDecideRejectsSignalWhenNotArmed(t *testing.T) {
	dec := Decide(activePosition(), SignalInput{Signal: signal()})
	assert.True(t, dec.Declined)
	assert.Equal(t, DeclineNotArmed, dec.Reason)
}

func TestDecideTickStopLossBreachExits(t *testing.T) {
	dec := Decide(activePosition(), TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("92999"), At: time.Now().UTC(),
	}})

	require.False(t, dec.Declined)
	require.Len(t, dec.Actions, 1)
	act := dec.Actions[0]
	assert.Equal(t, "p1-exit", act.IntentID)
	assert.Equal(t, domain.OrderSideSell, act.Order.Side)
	assert.Equal(t, domain.OrderTypeMarket, act.Order.Type)
	assert.True(t, act.Order.ReduceOnly)
	assert.Equal(t, ExitReasonStopLoss, act.Reason)
	assert.Equal(t, domain.StateExiting, dec.Next.State)
}

func TestDecideTickStopGainExits(t *testing.T) {
	pos := activePosition()
	gain := d("99000")
	pos.StopGain = &gain

	dec := Decide(pos, TickInput{Tick: domain.MarketTick{Symbol: "BTCUSDT", Price: d("99000")}})
	require.False(t, dec.Declined)
	assert.Equal(t, ExitReasonStopGain, dec.Actions[0].Reason)
	assert.Equal(t, domain.StateExiting, dec.Next.State)
}

func TestDecideTickTrailsStopWithoutAction(t *testing.T) {
	dec := Decide(activePosition(), TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("97500"),
	}})

	require.False(t, dec.Declined)
	assert.Empty(t, dec.Actions, "trailing is an event, not an order")
	require.Len(t, dec.Events, 1)
	assert.Equal(t, domain.EventStopAdjusted, dec.Events[0].Type)
	assert.True(t, dec.Next.StopLoss.Equal(d("95500")), "got %s", dec.Next.StopLoss)
}

func TestDecideTickInsideBandIsNoOp(t *testing.T) {
	dec := Decide(activePosition(), TickInput{Tick: domain.MarketTick{
		Symbol: "BTCUSDT", Price: d("94500"),
	}})
	assert.True(t, dec.Declined)
	assert.Equal(t, DeclineNoOp, dec.Reason)
}

func TestDecideTickIgnoresForeignSymbol(t *testing.T) {
	dec := Decide(activePosition(), TickInput{Tick: domain.MarketTick{
		Symbol: "ETHUSDT", Price: d("1"),
	}})
	assert.True(t, dec.Declined)
	assert.Equal(t, DeclineSymbolMismatch, dec.Reason)
}

func TestDecideEntryFillActivates(t *testing.T) {
	pos := armedPosition()
	dec := Decide(pos, SignalInput{Signal: signal()})
	require.False(t, dec.Declined)

	fill := Decide(dec.Next, FillInput{
		IntentID:         "p1-entry",
		Fill:             domain.Fill{Price: d("95010"), Quantity: d("0.005"), TradeTime: time.Now().UTC()},
		NativePositionID: "native-42",
	})
	require.False(t, fill.Declined)
	assert.Equal(t, domain.StateActive, fill.Next.State)
	assert.Equal(t, "native-42", fill.Next.ExchangePositionID)
	assert.Empty(t, fill.Actions)
}

func TestDecideExitFillCloses(t *testing.T) {
	pos := activePosition()
	exit := Decide(pos, TickInput{Tick: domain.MarketTick{Symbol: "BTCUSDT", Price: d("92000")}})
	require.False(t, exit.Declined)

	fill := Decide(exit.Next, FillInput{
		IntentID: "p1-exit",
		Fill:     domain.Fill{Price: d("92990"), Quantity: d("0.005"), TradeTime: time.Now().UTC()},
	})
	require.False(t, fill.Declined)
	assert.Equal(t, domain.StateClosed, fill.Next.State)
	// (92990-95000)*0.005 = -10.05
	assert.True(t, fill.Next.RealizedPnL.Equal(d("-10.05")), "got %s", fill.Next.RealizedPnL)
}

func TestDecideUnexpectedFillDeclined(t *testing.T) {
	dec := Decide(activePosition(), FillInput{IntentID: "p1-entry", Fill: domain.Fill{}})
	assert.True(t, dec.Declined)
	assert.Equal(t, DeclineUnexpectedFill, dec.Reason)
}

func TestDecideDisarm(t *testing.T) {
	dec := Decide(armedPosition(), DisarmInput{})
	require.False(t, dec.Declined)
	assert.Equal(t, domain.StateClosed, dec.Next.State)
	assert.Empty(t, dec.Actions)

	late := Decide(activePosition(), DisarmInput{})
	assert.True(t, late.Declined)
}

func TestDecidePanicFromEveryNonTerminalState(t *testing.T) {
	armed := Decide(armedPosition(), PanicInput{})
	require.False(t, armed.Declined)
	assert.Equal(t, domain.StateClosed, armed.Next.State)

	entering := armedPosition()
	entering = Decide(entering, SignalInput{Signal: signal()}).Next
	fromEntering := Decide(entering, PanicInput{})
	require.False(t, fromEntering.Declined)
	require.Len(t, fromEntering.Actions, 2)
	assert.Equal(t, ActionCancelOrder, fromEntering.Actions[0].Kind)
	assert.Equal(t, ActionPlaceOrder, fromEntering.Actions[1].Kind)
	assert.Equal(t, domain.StateExiting, fromEntering.Next.State)

	fromActive := Decide(activePosition(), PanicInput{})
	require.False(t, fromActive.Declined)
	require.Len(t, fromActive.Actions, 1)
	assert.Equal(t, domain.OrderTypeMarket, fromActive.Actions[0].Order.Type)
	assert.Equal(t, ExitReasonPanic, fromActive.Actions[0].Reason)

	exiting := fromActive.Next
	again := Decide(exiting, PanicInput{})
	assert.True(t, again.Declined)
	assert.Equal(t, DeclineAlreadyExiting, again.Reason)

	closed := domain.Position{ID: "p1", State: domain.StateClosed}
	assert.Equal(t, DeclineTerminal, Decide(closed, PanicInput{}).Reason)
}
