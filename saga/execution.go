package saga

import (
	"fmt"
	"time"
)

// SagaType identifies the one business process this orchestrator drives.
const SagaType = "order-checkout"

// CompensationOutcome records how one compensating action ended.
type CompensationOutcome string

const (
	CompensationNotRun  CompensationOutcome = ""
	CompensationOK      CompensationOutcome = "ok"
	CompensationFailed  CompensationOutcome = "failed"
	CompensationSkipped CompensationOutcome = "skipped"
)

// Context is the typed cross-step data bag of one saga execution: one field
// per possible datum, set once, so a duplicate delivery of the same result
// cannot corrupt it.
type Context struct {
	CustomerID     string      `json:"customerId,omitempty"`
	Items          []OrderItem `json:"items,omitempty"`
	Amount         int64       `json:"amount,omitempty"`
	PaymentMethod  string      `json:"paymentMethod,omitempty"`
	ReservationIDs []string    `json:"reservationIds,omitempty"`
	PaymentID      string      `json:"paymentId,omitempty"`
	AuthCode       string      `json:"authCode,omitempty"`
	FailureReason  string      `json:"failureReason,omitempty"`
	FailureKind    string      `json:"failureKind,omitempty"`

	VoidPaymentOutcome  CompensationOutcome `json:"voidPaymentOutcome,omitempty"`
	ReleaseStockOutcome CompensationOutcome `json:"releaseStockOutcome,omitempty"`
	CancelOrderOutcome  CompensationOutcome `json:"cancelOrderOutcome,omitempty"`
}

// Failure kinds carried in Context.FailureKind, distinguished for
// observability only.
const (
	FailureKindBusiness = "business"
	FailureKindTimeout  = "timeout"
)

// SetReservationIDs records the reservation ids once. Re-applying the same
// value is a no-op; a different value is rejected.
func (c *Context) SetReservationIDs(ids []string) error {
	if len(c.ReservationIDs) > 0 {
		if equalStrings(c.ReservationIDs, ids) {
			return nil
		}
		return fmt.Errorf("reservation ids already set")
	}
	c.ReservationIDs = append([]string(nil), ids...)
	return nil
}

// SetPayment records the payment reference and authorization code once.
func (c *Context) SetPayment(paymentID, authCode string) error {
	if c.PaymentID != "" {
		if c.PaymentID == paymentID && c.AuthCode == authCode {
			return nil
		}
		return fmt.Errorf("payment reference already set")
	}
	c.PaymentID = paymentID
	c.AuthCode = authCode
	return nil
}

// SetFailure records the failure that triggered compensation once.
func (c *Context) SetFailure(kind, reason string) {
	if c.FailureReason != "" {
		return
	}
	c.FailureKind = kind
	c.FailureReason = reason
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Execution is one running instance of the order saga.
type Execution struct {
	ID             string
	SagaType       string
	OrderID        string
	State          State
	Context        Context
	RetryCount     int
	Version        int64
	DeadlineAt     *time.Time
	DeadlineState  State
	StartedAt      time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time
	Result         Result
}

// NewExecution creates a fresh execution in the STARTED state.
func NewExecution(id, orderID string, now time.Time) *Execution {
	return &Execution{
		ID:             id,
		SagaType:       SagaType,
		OrderID:        orderID,
		State:          StateStarted,
		StartedAt:      now,
		LastActivityAt: now,
		Result:         ResultInProgress,
	}
}

// Reconstitute rebuilds an execution from persisted fields. Persistence must
// use this rather than assembling the struct from partial data.
func Reconstitute(
	id, sagaType, orderID string,
	state State,
	sagaCtx Context,
	retryCount int,
	version int64,
	deadlineAt *time.Time,
	deadlineState State,
	startedAt, lastActivityAt time.Time,
	completedAt *time.Time,
	result Result,
) *Execution {
	return &Execution{
		ID:             id,
		SagaType:       sagaType,
		OrderID:        orderID,
		State:          state,
		Context:        sagaCtx,
		RetryCount:     retryCount,
		Version:        version,
		DeadlineAt:     deadlineAt,
		DeadlineState:  deadlineState,
		StartedAt:      startedAt,
		LastActivityAt: lastActivityAt,
		CompletedAt:    completedAt,
		Result:         result,
	}
}

// TransitionTo moves the execution to the given state if the transition
// graph allows it.
func (e *Execution) TransitionTo(to State, now time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("illegal saga transition %s -> %s", e.State, to)
	}
	e.State = to
	e.LastActivityAt = now
	return nil
}

// ArmDeadline guards the given state with a deadline: if the execution is
// still in that state when the deadline fires, the step has timed out.
func (e *Execution) ArmDeadline(guarded State, at time.Time) {
	e.DeadlineAt = &at
	e.DeadlineState = guarded
}

// DisarmDeadline clears any armed deadline.
func (e *Execution) DisarmDeadline() {
	e.DeadlineAt = nil
	e.DeadlineState = ""
}

// Finish stamps a terminal result.
func (e *Execution) Finish(result Result, now time.Time) {
	e.Result = result
	e.CompletedAt = &now
	e.LastActivityAt = now
	e.DisarmDeadline()
}

// CompensationFailed reports whether any compensating action could not be
// completed.
func (e *Execution) CompensationFailed() bool {
	return e.Context.VoidPaymentOutcome == CompensationFailed ||
		e.Context.ReleaseStockOutcome == CompensationFailed ||
		e.Context.CancelOrderOutcome == CompensationFailed
}
