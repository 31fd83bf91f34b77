package saga

// State is the position of an order saga in its state machine.
type State string

const (
	StateStarted            State = "STARTED"
	StateReservingStock     State = "RESERVING_STOCK"
	StateAuthorizingPayment State = "AUTHORIZING_PAYMENT"
	StateConfirmingOrder    State = "CONFIRMING_ORDER"
	StateCompleted          State = "COMPLETED"
	StateCompensating       State = "COMPENSATING"
	StateCompensated        State = "COMPENSATED"
	StateFailed             State = "FAILED"
)

// Result is the overall outcome of a saga.
type Result string

const (
	ResultInProgress  Result = "IN_PROGRESS"
	ResultSuccess     Result = "SUCCESS"
	ResultCompensated Result = "COMPENSATED"
	ResultFailed      Result = "FAILED"
)

// legalTransitions is the transition graph. A transition absent from this
// table is rejected regardless of what the caller observed.
var legalTransitions = map[State][]State{
	StateStarted:            {StateReservingStock, StateFailed},
	StateReservingStock:     {StateAuthorizingPayment, StateCompensating, StateFailed},
	StateAuthorizingPayment: {StateConfirmingOrder, StateCompensating, StateFailed},
	StateConfirmingOrder:    {StateCompleted, StateCompensating, StateFailed},
	StateCompensating:       {StateCompensated, StateFailed},
}

// CanTransition reports whether the state machine allows moving from one
// state to another.
func CanTransition(from, to State) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s State) IsTerminal() bool {
	return len(legalTransitions[s]) == 0
}
