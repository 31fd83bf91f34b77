package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox"
	"github.com/overtonx/sagaflow/saga"
)

// CommandHandler executes stock commands against the ledger and publishes
// the result events the orchestrator waits for. Results are appended in the
// same transaction as the ledger mutation, so a command either fully
// applies and answers, or does neither.
type CommandHandler struct {
	ledger *Ledger
	logger *zap.Logger
}

// NewCommandHandler creates a handler over the given ledger.
func NewCommandHandler(ledger *Ledger, logger *zap.Logger) *CommandHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandHandler{ledger: ledger, logger: logger}
}

// HandleEvent routes one consumed envelope. Unknown event types are ignored
// so the handler can share a topic subscription with other consumers.
// Returning an error signals the consumer to redeliver.
func (h *CommandHandler) HandleEvent(ctx context.Context, env outbox.Envelope) error {
	switch env.EventType {
	case saga.CommandTypeReserveStock:
		return h.handleReserveStock(ctx, env)
	case saga.CommandTypeReleaseStock:
		return h.handleReleaseStock(ctx, env)
	case saga.EventTypeOrderConfirmed:
		return h.handleOrderConfirmed(ctx, env)
	default:
		return nil
	}
}

func (h *CommandHandler) handleReserveStock(ctx context.Context, env outbox.Envelope) error {
	var cmd saga.ReserveStockCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal reserve stock command: %w", err))
	}
	ttl := timeSecondsToDuration(cmd.TTLSeconds)

	var reservationIDs []string
	err := h.ledger.withConflictRetry(ctx, func(ctx context.Context) error {
		return h.ledger.trManager.Do(ctx, func(ctx context.Context) error {
			reservationIDs = reservationIDs[:0]
			for _, item := range cmd.Items {
				reservation, err := h.ledger.reserveOne(ctx, item.ProductID, item.Quantity, cmd.OrderID, ttl)
				if err != nil {
					return err
				}
				reservationIDs = append(reservationIDs, reservation.ID)
			}
			return h.appendResult(ctx, env, saga.EventTypeStockReserved, saga.StockReservedEvent{
				OrderID:        cmd.OrderID,
				ReservationIDs: reservationIDs,
			})
		})
	})
	if err == nil {
		return nil
	}

	var failure *sagaflow.BusinessFailure
	if errors.As(err, &failure) {
		h.logger.Info("Stock reservation rejected",
			zap.String("order_id", cmd.OrderID),
			zap.String("reason", failure.Reason))
		return h.appendResult(ctx, env, saga.EventTypeStockRejected, saga.StockRejectedEvent{
			OrderID: cmd.OrderID,
			Reason:  failure.Reason,
		})
	}
	return err
}

func (h *CommandHandler) handleReleaseStock(ctx context.Context, env outbox.Envelope) error {
	var cmd saga.ReleaseStockCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal release stock command: %w", err))
	}

	err := h.ledger.withConflictRetry(ctx, func(ctx context.Context) error {
		return h.ledger.trManager.Do(ctx, func(ctx context.Context) error {
			for _, id := range cmd.ReservationIDs {
				err := h.ledger.releaseOne(ctx, id, ReservationCancelled, EventTypeReservationCancelled, cmd.Reason)
				if err != nil {
					return err
				}
			}
			return h.appendResult(ctx, env, saga.EventTypeStockReleased, saga.StockReleasedEvent{
				OrderID: cmd.OrderID,
			})
		})
	})
	if err == nil {
		return nil
	}

	if sagaflow.IsPermanent(err) || sagaflow.IsBusinessFailure(err) {
		h.logger.Error("Stock release failed",
			zap.String("order_id", cmd.OrderID), zap.Error(err))
		return h.appendResult(ctx, env, saga.EventTypeStockReleaseFailed, saga.StockReleaseFailedEvent{
			OrderID: cmd.OrderID,
			Reason:  err.Error(),
		})
	}
	return err
}

// handleOrderConfirmed consumes the hold: once the order is confirmed the
// reserved quantity permanently leaves the stock.
func (h *CommandHandler) handleOrderConfirmed(ctx context.Context, env outbox.Envelope) error {
	var event saga.OrderConfirmedEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return sagaflow.Permanent(fmt.Errorf("unmarshal order confirmed event: %w", err))
	}

	records, err := h.ledger.store.FindByOrder(ctx, event.OrderID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if ReservationStatus(record.Status) != ReservationActive {
			continue
		}
		if err := h.ledger.Confirm(ctx, record.ID); err != nil {
			// An expired hold cannot be consumed anymore; redelivery would
			// never change that. The expiry sweep returns its quantity.
			if sagaflow.IsBusinessFailure(err) {
				h.logger.Warn("Reservation not confirmable, leaving it to the expiry sweep",
					zap.String("reservation_id", record.ID),
					zap.String("order_id", event.OrderID),
					zap.Error(err))
				continue
			}
			return fmt.Errorf("confirm reservation %s: %w", record.ID, err)
		}
	}
	return nil
}

func (h *CommandHandler) appendResult(ctx context.Context, cause outbox.Envelope, eventType string, payload any) error {
	event := outbox.NewEvent(uuid.NewString(), eventType, saga.AggregateTypeInventory, cause.CorrelationID, payload)
	event.CorrelationID = cause.CorrelationID
	event.CausationID = cause.EventID
	return outbox.Append(ctx, h.ledger.outboxStore, event)
}

func timeSecondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}
