package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox"
	outboxstorage "github.com/overtonx/sagaflow/outbox/storage"
	"github.com/overtonx/sagaflow/saga/storage"
)

type handlerFunc func(ctx context.Context, env outbox.Envelope) error

// Orchestrator drives an order through reservation, payment authorization
// and confirmation, or backs it out through the reverse compensation chain.
//
// It never blocks waiting on a collaborator: every step persists the
// awaiting state and a deadline, appends the outgoing command to the outbox
// in the same transaction, and resumes when the result event arrives.
type Orchestrator struct {
	store       storage.Store
	outboxStore outboxstorage.Store
	trManager   trm.Manager
	logger      *zap.Logger
	metrics     sagaflow.MetricsCollector
	clock       clockwork.Clock

	stepTimeout        time.Duration
	reservationTTL     time.Duration
	deadlineBatchSize  int
	maxConflictRetries int

	handlers map[string]handlerFunc
}

// NewOrchestrator creates an orchestrator over the given stores. All saga
// writes and the commands they produce go through trManager so they commit
// atomically.
func NewOrchestrator(
	store storage.Store,
	outboxStore outboxstorage.Store,
	trManager trm.Manager,
	logger *zap.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	options := &orchestratorOptions{
		stepTimeout:        defaultStepTimeout,
		reservationTTL:     defaultReservationTTL,
		deadlineBatchSize:  defaultDeadlineBatchSize,
		maxConflictRetries: defaultMaxConflictRetries,
		metrics:            sagaflow.NewNopMetricsCollector(),
		clock:              clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:              store,
		outboxStore:        outboxStore,
		trManager:          trManager,
		logger:             logger,
		metrics:            options.metrics,
		clock:              options.clock,
		stepTimeout:        options.stepTimeout,
		reservationTTL:     options.reservationTTL,
		deadlineBatchSize:  options.deadlineBatchSize,
		maxConflictRetries: options.maxConflictRetries,
	}

	// Explicit dispatch table: one entry per result event type.
	o.handlers = map[string]handlerFunc{
		EventTypeStockReserved:      o.onStockReserved,
		EventTypeStockRejected:      o.onStockRejected,
		EventTypePaymentAuthorized:  o.onPaymentAuthorized,
		EventTypePaymentDeclined:    o.onPaymentDeclined,
		EventTypeOrderConfirmed:     o.onOrderConfirmed,
		EventTypeOrderConfirmFailed: o.onOrderConfirmFailed,
		EventTypePaymentVoided:      o.onPaymentVoided,
		EventTypePaymentVoidFailed:  o.onPaymentVoidFailed,
		EventTypeStockReleased:      o.onStockReleased,
		EventTypeStockReleaseFailed: o.onStockReleaseFailed,
		EventTypeOrderCancelled:     o.onOrderCancelled,
		EventTypeOrderCancelFailed:  o.onOrderCancelFailed,
	}

	return o
}

// Start begins a checkout saga: the execution row and the ReserveStock
// command are written in one transaction. Starting the same order twice
// returns the existing execution.
func (o *Orchestrator) Start(ctx context.Context, cmd StartOrderCommand) (*Execution, error) {
	if err := cmd.Validate(); err != nil {
		return nil, sagaflow.NewValidationError(err)
	}
	if err := ValidateItems(cmd.Items); err != nil {
		return nil, sagaflow.NewValidationError(err)
	}

	now := o.clock.Now().UTC()
	exec := NewExecution(uuid.NewString(), cmd.OrderID, now)
	exec.Context.CustomerID = cmd.CustomerID
	exec.Context.Items = append([]OrderItem(nil), cmd.Items...)
	exec.Context.Amount = cmd.Amount
	exec.Context.PaymentMethod = cmd.PaymentMethod

	if err := exec.TransitionTo(StateReservingStock, now); err != nil {
		return nil, err
	}
	exec.ArmDeadline(StateReservingStock, now.Add(o.stepTimeout))

	err := o.trManager.Do(ctx, func(ctx context.Context) error {
		record, err := toRecord(exec)
		if err != nil {
			return err
		}
		if err := o.store.CreateExecution(ctx, record); err != nil {
			return err
		}
		return o.appendCommand(ctx, exec, "", CommandTypeReserveStock, AggregateTypeInventory, ReserveStockCommand{
			OrderID:    cmd.OrderID,
			Items:      cmd.Items,
			TTLSeconds: int64(o.reservationTTL.Seconds()),
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateExecution) {
			o.metrics.IncrementCounter("saga.duplicate_start", nil)
			return o.loadExecution(ctx, cmd.OrderID)
		}
		return nil, fmt.Errorf("start saga for order %s: %w", cmd.OrderID, err)
	}

	o.metrics.IncrementCounter("saga.started", nil)
	o.logger.Info("Saga started",
		zap.String("saga_id", exec.ID),
		zap.String("order_id", cmd.OrderID))
	return exec, nil
}

// HandleEvent routes a result event from the bus to its handler. Unknown
// event types are skipped: the orchestrator shares topics with consumers
// that have their own routing.
func (o *Orchestrator) HandleEvent(ctx context.Context, env outbox.Envelope) error {
	handler, ok := o.handlers[env.EventType]
	if !ok {
		o.logger.Debug("No handler for event type", zap.String("event_type", env.EventType))
		return nil
	}
	return handler(ctx, env)
}

//
// Forward path
//

func (o *Orchestrator) onStockReserved(ctx context.Context, env outbox.Envelope) error {
	var event StockReservedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal stock reserved: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateReservingStock, func(ctx context.Context, exec *Execution) error {
		if err := exec.Context.SetReservationIDs(event.ReservationIDs); err != nil {
			return err
		}
		now := o.clock.Now().UTC()
		if err := exec.TransitionTo(StateAuthorizingPayment, now); err != nil {
			return err
		}
		exec.ArmDeadline(StateAuthorizingPayment, now.Add(o.stepTimeout))
		return o.appendCommand(ctx, exec, env.EventID, CommandTypeAuthorizePayment, AggregateTypePayment, AuthorizePaymentCommand{
			OrderID:    exec.OrderID,
			CustomerID: exec.Context.CustomerID,
			Amount:     exec.Context.Amount,
			Method:     exec.Context.PaymentMethod,
		})
	})
}

func (o *Orchestrator) onStockRejected(ctx context.Context, env outbox.Envelope) error {
	var event StockRejectedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal stock rejected: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateReservingStock, func(ctx context.Context, exec *Execution) error {
		return o.startCompensation(ctx, exec, env.EventID, FailureKindBusiness, event.Reason)
	})
}

func (o *Orchestrator) onPaymentAuthorized(ctx context.Context, env outbox.Envelope) error {
	var event PaymentAuthorizedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal payment authorized: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateAuthorizingPayment, func(ctx context.Context, exec *Execution) error {
		if err := exec.Context.SetPayment(event.PaymentID, event.AuthCode); err != nil {
			return err
		}
		now := o.clock.Now().UTC()
		if err := exec.TransitionTo(StateConfirmingOrder, now); err != nil {
			return err
		}
		exec.ArmDeadline(StateConfirmingOrder, now.Add(o.stepTimeout))
		return o.appendCommand(ctx, exec, env.EventID, CommandTypeConfirmOrder, AggregateTypeOrder, ConfirmOrderCommand{
			OrderID:        exec.OrderID,
			PaymentID:      exec.Context.PaymentID,
			ReservationIDs: exec.Context.ReservationIDs,
		})
	})
}

func (o *Orchestrator) onPaymentDeclined(ctx context.Context, env outbox.Envelope) error {
	var event PaymentDeclinedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal payment declined: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateAuthorizingPayment, func(ctx context.Context, exec *Execution) error {
		return o.startCompensation(ctx, exec, env.EventID, FailureKindBusiness, event.Reason)
	})
}

func (o *Orchestrator) onOrderConfirmed(ctx context.Context, env outbox.Envelope) error {
	var event OrderConfirmedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal order confirmed: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateConfirmingOrder, func(ctx context.Context, exec *Execution) error {
		now := o.clock.Now().UTC()
		if err := exec.TransitionTo(StateCompleted, now); err != nil {
			return err
		}
		exec.Finish(ResultSuccess, now)
		o.metrics.IncrementCounter("saga.completed", nil)
		o.logger.Info("Saga completed",
			zap.String("saga_id", exec.ID),
			zap.String("order_id", exec.OrderID))
		return nil
	})
}

func (o *Orchestrator) onOrderConfirmFailed(ctx context.Context, env outbox.Envelope) error {
	var event OrderConfirmFailedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal order confirm failed: %w", err))
	}

	return o.applyResult(ctx, event.OrderID, StateConfirmingOrder, func(ctx context.Context, exec *Execution) error {
		return o.startCompensation(ctx, exec, env.EventID, FailureKindBusiness, event.Reason)
	})
}

//
// Compensation path. The reverse chain is void payment, release stock,
// cancel order; every action is attempted even when an earlier one failed,
// to maximise partial cleanup.
//

func (o *Orchestrator) onPaymentVoided(ctx context.Context, env outbox.Envelope) error {
	var event PaymentVoidedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal payment voided: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.VoidPaymentOutcome != CompensationNotRun {
			return false
		}
		exec.Context.VoidPaymentOutcome = CompensationOK
		return true
	})
}

func (o *Orchestrator) onPaymentVoidFailed(ctx context.Context, env outbox.Envelope) error {
	var event PaymentVoidFailedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal payment void failed: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.VoidPaymentOutcome != CompensationNotRun {
			return false
		}
		exec.Context.VoidPaymentOutcome = CompensationFailed
		return true
	})
}

func (o *Orchestrator) onStockReleased(ctx context.Context, env outbox.Envelope) error {
	var event StockReleasedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal stock released: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.ReleaseStockOutcome != CompensationNotRun {
			return false
		}
		exec.Context.ReleaseStockOutcome = CompensationOK
		return true
	})
}

func (o *Orchestrator) onStockReleaseFailed(ctx context.Context, env outbox.Envelope) error {
	var event StockReleaseFailedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal stock release failed: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.ReleaseStockOutcome != CompensationNotRun {
			return false
		}
		exec.Context.ReleaseStockOutcome = CompensationFailed
		return true
	})
}

func (o *Orchestrator) onOrderCancelled(ctx context.Context, env outbox.Envelope) error {
	var event OrderCancelledEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal order cancelled: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.CancelOrderOutcome != CompensationNotRun {
			return false
		}
		exec.Context.CancelOrderOutcome = CompensationOK
		return true
	})
}

func (o *Orchestrator) onOrderCancelFailed(ctx context.Context, env outbox.Envelope) error {
	var event OrderCancelFailedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal order cancel failed: %w", err))
	}
	return o.applyCompensationResult(ctx, event.OrderID, env.EventID, func(exec *Execution) bool {
		if exec.Context.CancelOrderOutcome != CompensationNotRun {
			return false
		}
		exec.Context.CancelOrderOutcome = CompensationFailed
		return true
	})
}

// startCompensation flips the saga into COMPENSATING, marks compensations
// for steps that never completed as skipped, and issues the first pending
// compensating command.
func (o *Orchestrator) startCompensation(ctx context.Context, exec *Execution, causationID, kind, reason string) error {
	now := o.clock.Now().UTC()
	exec.Context.SetFailure(kind, reason)
	if exec.Context.PaymentID == "" {
		exec.Context.VoidPaymentOutcome = CompensationSkipped
	}
	if len(exec.Context.ReservationIDs) == 0 {
		exec.Context.ReleaseStockOutcome = CompensationSkipped
	}

	if err := exec.TransitionTo(StateCompensating, now); err != nil {
		return err
	}

	o.metrics.IncrementCounter("saga.compensation_started", map[string]string{"kind": kind})
	o.logger.Warn("Saga entering compensation",
		zap.String("saga_id", exec.ID),
		zap.String("order_id", exec.OrderID),
		zap.String("kind", kind),
		zap.String("reason", reason))

	return o.advanceCompensation(ctx, exec, causationID)
}

// advanceCompensation issues the next pending compensating command, or
// finishes the saga when the reverse chain is exhausted. Each issued command
// re-arms the deadline, so a lost compensation result eventually fires a
// reissue instead of stranding the saga in COMPENSATING.
func (o *Orchestrator) advanceCompensation(ctx context.Context, exec *Execution, causationID string) error {
	reason := exec.Context.FailureReason
	now := o.clock.Now().UTC()

	switch {
	case exec.Context.VoidPaymentOutcome == CompensationNotRun:
		exec.ArmDeadline(StateCompensating, now.Add(o.stepTimeout))
		return o.appendCommand(ctx, exec, causationID, CommandTypeVoidPayment, AggregateTypePayment, VoidPaymentCommand{
			OrderID:   exec.OrderID,
			PaymentID: exec.Context.PaymentID,
			Reason:    reason,
		})
	case exec.Context.ReleaseStockOutcome == CompensationNotRun:
		exec.ArmDeadline(StateCompensating, now.Add(o.stepTimeout))
		return o.appendCommand(ctx, exec, causationID, CommandTypeReleaseStock, AggregateTypeInventory, ReleaseStockCommand{
			OrderID:        exec.OrderID,
			ReservationIDs: exec.Context.ReservationIDs,
			Reason:         reason,
		})
	case exec.Context.CancelOrderOutcome == CompensationNotRun:
		exec.ArmDeadline(StateCompensating, now.Add(o.stepTimeout))
		return o.appendCommand(ctx, exec, causationID, CommandTypeCancelOrder, AggregateTypeOrder, CancelOrderCommand{
			OrderID: exec.OrderID,
			Reason:  reason,
		})
	}

	return o.finishCompensation(exec)
}

func (o *Orchestrator) finishCompensation(exec *Execution) error {
	now := o.clock.Now().UTC()
	if exec.CompensationFailed() {
		if err := exec.TransitionTo(StateFailed, now); err != nil {
			return err
		}
		exec.Finish(ResultFailed, now)
		o.metrics.IncrementCounter("saga.failed", nil)
		o.logger.Error("Saga failed, manual reconciliation required",
			zap.String("saga_id", exec.ID),
			zap.String("order_id", exec.OrderID),
			zap.String("reason", exec.Context.FailureReason))
		return nil
	}

	if err := exec.TransitionTo(StateCompensated, now); err != nil {
		return err
	}
	exec.Finish(ResultCompensated, now)
	o.metrics.IncrementCounter("saga.compensated", nil)
	o.logger.Info("Saga compensated",
		zap.String("saga_id", exec.ID),
		zap.String("order_id", exec.OrderID))
	return nil
}

//
// Deadlines
//

// CheckDeadlines is the work function of the deadline worker. A fired
// deadline whose execution already moved on is discarded as a no-op.
func (o *Orchestrator) CheckDeadlines(ctx context.Context) error {
	now := o.clock.Now().UTC()
	records, err := o.store.FetchExpiredDeadlines(ctx, now, o.deadlineBatchSize)
	if err != nil {
		return fmt.Errorf("fetch expired deadlines: %w", err)
	}

	for _, record := range records {
		exec, err := fromRecord(&record)
		if err != nil {
			o.logger.Error("Failed to reconstitute saga for deadline",
				zap.String("saga_id", record.ID), zap.Error(err))
			continue
		}
		if err := o.fireDeadline(ctx, exec.OrderID); err != nil {
			o.logger.Error("Failed to handle saga deadline",
				zap.String("saga_id", exec.ID),
				zap.String("order_id", exec.OrderID),
				zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) fireDeadline(ctx context.Context, orderID string) error {
	return o.withConflictRetry(ctx, func(ctx context.Context) error {
		return o.trManager.Do(ctx, func(ctx context.Context) error {
			exec, err := o.loadExecution(ctx, orderID)
			if err != nil {
				return err
			}
			// Re-check against current persisted state: the result may have
			// arrived between the fetch and now.
			if exec.DeadlineAt == nil || exec.State != exec.DeadlineState || exec.DeadlineAt.After(o.clock.Now().UTC()) {
				return nil
			}

			// A compensation result went missing; reissue the outstanding
			// command (idempotent on the collaborator side) and wait again.
			if exec.State == StateCompensating {
				o.metrics.IncrementCounter("saga.compensation_reissued", nil)
				o.logger.Warn("Compensation step timed out, reissuing command",
					zap.String("saga_id", exec.ID),
					zap.String("order_id", exec.OrderID))
				if err := o.advanceCompensation(ctx, exec, ""); err != nil {
					return err
				}
				return o.saveExecution(ctx, exec)
			}

			timeoutErr := &sagaflow.TimeoutError{Step: string(exec.State)}
			o.metrics.IncrementCounter("saga.step_timeout", map[string]string{"state": string(exec.State)})
			if err := o.startCompensation(ctx, exec, "", FailureKindTimeout, timeoutErr.Error()); err != nil {
				return err
			}
			return o.saveExecution(ctx, exec)
		})
	})
}

//
// Plumbing
//

// applyResult is the idempotency gate for forward-step results: the
// mutation only runs when the execution is still in the state that expected
// this result, so duplicate deliveries fall through without effect.
func (o *Orchestrator) applyResult(ctx context.Context, orderID string, expected State, apply func(ctx context.Context, exec *Execution) error) error {
	return o.withConflictRetry(ctx, func(ctx context.Context) error {
		return o.trManager.Do(ctx, func(ctx context.Context) error {
			exec, err := o.loadExecution(ctx, orderID)
			if err != nil {
				return err
			}
			if exec.State != expected {
				o.metrics.IncrementCounter("saga.duplicate_result", nil)
				o.logger.Debug("Ignoring result for advanced saga",
					zap.String("order_id", orderID),
					zap.String("state", string(exec.State)),
					zap.String("expected", string(expected)))
				return nil
			}
			if err := apply(ctx, exec); err != nil {
				return err
			}
			return o.saveExecution(ctx, exec)
		})
	})
}

// applyCompensationResult applies one compensation outcome and advances the
// reverse chain. mark returns false when the outcome is already recorded, in
// which case the delivery is a duplicate and nothing is written.
func (o *Orchestrator) applyCompensationResult(ctx context.Context, orderID, causationID string, mark func(exec *Execution) bool) error {
	return o.withConflictRetry(ctx, func(ctx context.Context) error {
		return o.trManager.Do(ctx, func(ctx context.Context) error {
			exec, err := o.loadExecution(ctx, orderID)
			if err != nil {
				return err
			}
			if exec.State != StateCompensating {
				o.metrics.IncrementCounter("saga.duplicate_result", nil)
				return nil
			}
			if !mark(exec) {
				o.metrics.IncrementCounter("saga.duplicate_result", nil)
				return nil
			}
			exec.LastActivityAt = o.clock.Now().UTC()
			if err := o.advanceCompensation(ctx, exec, causationID); err != nil {
				return err
			}
			return o.saveExecution(ctx, exec)
		})
	})
}

func (o *Orchestrator) loadExecution(ctx context.Context, orderID string) (*Execution, error) {
	record, err := o.store.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return fromRecord(record)
}

func (o *Orchestrator) saveExecution(ctx context.Context, exec *Execution) error {
	record, err := toRecord(exec)
	if err != nil {
		return err
	}
	if err := o.store.UpdateExecution(ctx, record); err != nil {
		return err
	}
	exec.Version = record.Version
	return nil
}

// appendCommand writes an outgoing command through the outbox inside the
// ambient transaction.
func (o *Orchestrator) appendCommand(ctx context.Context, exec *Execution, causationID, commandType, aggregateType string, payload interface{}) error {
	event := outbox.NewEvent(uuid.NewString(), commandType, aggregateType, exec.OrderID, payload)
	event.CorrelationID = exec.OrderID
	event.CausationID = causationID
	return outbox.Append(ctx, o.outboxStore, event)
}

// withConflictRetry reruns fn while it fails on an optimistic version
// conflict, up to the configured bound.
func (o *Orchestrator) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= o.maxConflictRetries; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, sagaflow.ErrVersionConflict) {
			return err
		}
		o.metrics.IncrementCounter("saga.conflict_retry", nil)
	}
	return err
}
