package inventory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/inventory/storage"
	"github.com/overtonx/sagaflow/outbox"
	"github.com/overtonx/sagaflow/saga"
)

func newHandlerFixture(t *testing.T) (*CommandHandler, *ledgerFixture) {
	t.Helper()
	f := newLedgerFixture(t)
	return NewCommandHandler(f.ledger, zap.NewNop()), f
}

func commandEnvelope(t *testing.T, eventType, orderID string, payload any) outbox.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return outbox.Envelope{
		EventID:       uuid.NewString(),
		AggregateType: saga.AggregateTypeSaga,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       raw,
		CorrelationID: orderID,
	}
}

func decodePayload[T any](t *testing.T, record []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(record, &out))
	return out
}

func TestCommandHandler_ReserveStock(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)
	f.seed(t, "sku-2", 5)

	env := commandEnvelope(t, saga.CommandTypeReserveStock, "order-1", saga.ReserveStockCommand{
		OrderID: "order-1",
		Items: []saga.OrderItem{
			{ProductID: "sku-1", Quantity: 2},
			{ProductID: "sku-2", Quantity: 1},
		},
		TTLSeconds: 300,
	})

	require.NoError(t, handler.HandleEvent(context.Background(), env))

	assert.Equal(t, 8, f.product(t, "sku-1").Available)
	assert.Equal(t, 4, f.product(t, "sku-2").Available)
	f.checkInvariant(t, "sku-1")
	f.checkInvariant(t, "sku-2")

	results := f.eventsOfType(saga.EventTypeStockReserved)
	require.Len(t, results, 1)
	assert.Equal(t, saga.AggregateTypeInventory, results[0].AggregateType)
	assert.Equal(t, "order-1", results[0].CorrelationID)
	assert.Equal(t, env.EventID, results[0].CausationID)

	reserved := decodePayload[saga.StockReservedEvent](t, results[0].Payload)
	assert.Equal(t, "order-1", reserved.OrderID)
	assert.Len(t, reserved.ReservationIDs, 2)
}

func TestCommandHandler_ReserveStock_InsufficientRejectsWholeOrder(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)
	f.seed(t, "sku-2", 1)

	env := commandEnvelope(t, saga.CommandTypeReserveStock, "order-1", saga.ReserveStockCommand{
		OrderID: "order-1",
		Items: []saga.OrderItem{
			{ProductID: "sku-1", Quantity: 2},
			{ProductID: "sku-2", Quantity: 5},
		},
		TTLSeconds: 300,
	})

	require.NoError(t, handler.HandleEvent(context.Background(), env))

	assert.Equal(t, 10, f.product(t, "sku-1").Available,
		"a partial reservation must not survive a rejected order")
	assert.Equal(t, 1, f.product(t, "sku-2").Available)
	assert.Empty(t, f.eventsOfType(saga.EventTypeStockReserved))

	rejected := f.eventsOfType(saga.EventTypeStockRejected)
	require.Len(t, rejected, 1)
	payload := decodePayload[saga.StockRejectedEvent](t, rejected[0].Payload)
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Contains(t, payload.Reason, "sku-2")
}

func TestCommandHandler_ReserveStock_Redelivery(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)

	env := commandEnvelope(t, saga.CommandTypeReserveStock, "order-1", saga.ReserveStockCommand{
		OrderID:    "order-1",
		Items:      []saga.OrderItem{{ProductID: "sku-1", Quantity: 3}},
		TTLSeconds: 300,
	})

	require.NoError(t, handler.HandleEvent(context.Background(), env))
	require.NoError(t, handler.HandleEvent(context.Background(), env))

	assert.Equal(t, 7, f.product(t, "sku-1").Available,
		"redelivered command must not draw down stock twice")

	results := f.eventsOfType(saga.EventTypeStockReserved)
	require.Len(t, results, 2, "each delivery answers, the answer is the same")
	first := decodePayload[saga.StockReservedEvent](t, results[0].Payload)
	second := decodePayload[saga.StockReservedEvent](t, results[1].Payload)
	assert.Equal(t, first.ReservationIDs, second.ReservationIDs)
}

func TestCommandHandler_ReserveStock_BadPayload(t *testing.T) {
	handler, _ := newHandlerFixture(t)

	err := handler.HandleEvent(context.Background(), outbox.Envelope{
		EventType: saga.CommandTypeReserveStock,
		Payload:   json.RawMessage(`{broken`),
	})

	assert.True(t, sagaflow.IsPermanent(err), "a broken payload never succeeds on redelivery")
}

func TestCommandHandler_ReleaseStock(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)

	reservation, err := f.ledger.Reserve(context.Background(), "sku-1", 3, "order-1", time.Hour)
	require.NoError(t, err)

	env := commandEnvelope(t, saga.CommandTypeReleaseStock, "order-1", saga.ReleaseStockCommand{
		OrderID:        "order-1",
		ReservationIDs: []string{reservation.ID},
		Reason:         "payment declined",
	})

	require.NoError(t, handler.HandleEvent(context.Background(), env))

	assert.Equal(t, 10, f.product(t, "sku-1").Available)
	record, err := f.store.GetReservation(context.Background(), reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ReservationCancelled), record.Status)

	released := f.eventsOfType(saga.EventTypeStockReleased)
	require.Len(t, released, 1)
	assert.Equal(t, env.EventID, released[0].CausationID)
}

func TestCommandHandler_ReleaseStock_UnknownReservationRedelivered(t *testing.T) {
	handler, f := newHandlerFixture(t)

	env := commandEnvelope(t, saga.CommandTypeReleaseStock, "order-1", saga.ReleaseStockCommand{
		OrderID:        "order-1",
		ReservationIDs: []string{"no-such-id"},
	})

	err := handler.HandleEvent(context.Background(), env)

	assert.ErrorIs(t, err, storage.ErrReservationNotFound)
	assert.Empty(t, f.eventsOfType(saga.EventTypeStockReleased))
	assert.Empty(t, f.eventsOfType(saga.EventTypeStockReleaseFailed))
}

func TestCommandHandler_OrderConfirmed(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)
	f.seed(t, "sku-2", 5)

	_, err := f.ledger.Reserve(context.Background(), "sku-1", 2, "order-1", time.Hour)
	require.NoError(t, err)
	_, err = f.ledger.Reserve(context.Background(), "sku-2", 1, "order-1", time.Hour)
	require.NoError(t, err)

	env := commandEnvelope(t, saga.EventTypeOrderConfirmed, "order-1", saga.OrderConfirmedEvent{
		OrderID: "order-1",
	})
	require.NoError(t, handler.HandleEvent(context.Background(), env))

	assert.Equal(t, 8, f.product(t, "sku-1").Total, "confirmed quantity leaves the stock")
	assert.Equal(t, 4, f.product(t, "sku-2").Total)
	assert.Equal(t, 0, f.product(t, "sku-1").Reserved)
	f.checkInvariant(t, "sku-1")
	f.checkInvariant(t, "sku-2")

	// Redelivery finds no active reservations and changes nothing
	require.NoError(t, handler.HandleEvent(context.Background(), env))
	assert.Equal(t, 8, f.product(t, "sku-1").Total)
}

func TestCommandHandler_OrderConfirmed_ExpiredReservationSkipped(t *testing.T) {
	handler, f := newHandlerFixture(t)
	f.seed(t, "sku-1", 10)

	reservation, err := f.ledger.Reserve(context.Background(), "sku-1", 3, "order-1", time.Minute)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)

	env := commandEnvelope(t, saga.EventTypeOrderConfirmed, "order-1", saga.OrderConfirmedEvent{
		OrderID: "order-1",
	})
	require.NoError(t, handler.HandleEvent(context.Background(), env),
		"an expired hold must not trigger endless redelivery")

	record, err := f.store.GetReservation(context.Background(), reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, string(ReservationActive), record.Status)
	assert.Equal(t, 10, f.product(t, "sku-1").Total, "nothing was consumed")

	// The sweep returns the quantity the confirmation could not consume
	require.NoError(t, f.ledger.ExpireReservations(context.Background()))
	assert.Equal(t, 10, f.product(t, "sku-1").Available)
	f.checkInvariant(t, "sku-1")
}

func TestCommandHandler_UnknownEventIgnored(t *testing.T) {
	handler, f := newHandlerFixture(t)

	err := handler.HandleEvent(context.Background(), outbox.Envelope{
		EventType: "payment.authorized",
		Payload:   json.RawMessage(`{}`),
	})

	assert.NoError(t, err)
	assert.Empty(t, f.appended)
}
