package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to State
	}{
		{StateStarted, StateReservingStock},
		{StateStarted, StateFailed},
		{StateReservingStock, StateAuthorizingPayment},
		{StateReservingStock, StateCompensating},
		{StateAuthorizingPayment, StateConfirmingOrder},
		{StateAuthorizingPayment, StateCompensating},
		{StateConfirmingOrder, StateCompleted},
		{StateConfirmingOrder, StateCompensating},
		{StateCompensating, StateCompensated},
		{StateCompensating, StateFailed},
	}
	for _, tt := range allowed {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s should be allowed", tt.from, tt.to)
	}

	forbidden := []struct {
		from, to State
	}{
		{StateStarted, StateAuthorizingPayment},
		{StateStarted, StateCompleted},
		{StateReservingStock, StateCompleted},
		{StateAuthorizingPayment, StateReservingStock},
		{StateCompleted, StateCompensating},
		{StateCompensated, StateCompensating},
		{StateFailed, StateStarted},
		{StateCompensating, StateReservingStock},
		{StateCompleted, StateFailed},
	}
	for _, tt := range forbidden {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s should be rejected", tt.from, tt.to)
	}
}

func TestState_IsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateCompensated.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())

	assert.False(t, StateStarted.IsTerminal())
	assert.False(t, StateReservingStock.IsTerminal())
	assert.False(t, StateAuthorizingPayment.IsTerminal())
	assert.False(t, StateConfirmingOrder.IsTerminal())
	assert.False(t, StateCompensating.IsTerminal())
}
