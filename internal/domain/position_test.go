package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to PositionState }{
		{StateArmed, StateEntering},
		{StateArmed, StateClosed},
		{StateEntering, StateActive},
		{StateEntering, StateExiting},
		{StateActive, StateExiting},
		{StateExiting, StateClosed},
		{StateArmed, StateError},
		{StateEntering, StateError},
		{StateActive, StateError},
		{StateExiting, StateError},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to PositionState }{
		{StateArmed, StateActive},
		{StateArmed, StateExiting},
		{StateEntering, StateClosed},
		{StateActive, StateClosed},
		{StateActive, StateArmed},
		{StateExiting, StateActive},
		{StateClosed, StateArmed},
		{StateClosed, StateError},
		{StateError, StateClosed},
		{StateError, StateError},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	p := Position{ID: "p1", State: StateArmed}
	err := p.Transition(StateActive)
	assert.True(t, IsValidation(err))
	assert.Equal(t, StateArmed, p.State, "state must not change on rejection")
}

func TestPnL(t *testing.T) {
	long := Position{Side: SideLong, EntryPrice: d("95000")}
	assert.True(t, long.PnL(d("97000"), d("0.005")).Equal(d("10")))
	assert.True(t, long.PnL(d("93000"), d("0.005")).Equal(d("-10")))

	short := Position{Side: SideShort, EntryPrice: d("95000")}
	assert.True(t, short.PnL(d("93000"), d("0.005")).Equal(d("10")))
}
