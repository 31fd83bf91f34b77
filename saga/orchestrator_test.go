package saga

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox"
	outboxstorage "github.com/overtonx/sagaflow/outbox/storage"
	"github.com/overtonx/sagaflow/saga/storage"
)

// passthroughManager satisfies trm.Manager without a database. The
// orchestrator's transactional writes run directly against the in-memory
// store.
type passthroughManager struct{}

func (passthroughManager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (passthroughManager) DoWithSettings(ctx context.Context, _ trm.Settings, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memoryStore is an in-memory storage.Store with real optimistic version
// semantics.
type memoryStore struct {
	mu       sync.Mutex
	byOrder  map[string]*storage.ExecutionRecord
	// conflicts injects this many version conflicts into UpdateExecution.
	conflicts int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{byOrder: make(map[string]*storage.ExecutionRecord)}
}

func copyRecord(r *storage.ExecutionRecord) *storage.ExecutionRecord {
	c := *r
	c.Context = append([]byte(nil), r.Context...)
	if r.DeadlineAt != nil {
		at := *r.DeadlineAt
		c.DeadlineAt = &at
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *memoryStore) CreateExecution(_ context.Context, record *storage.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[record.OrderID]; ok {
		return storage.ErrDuplicateExecution
	}
	s.byOrder[record.OrderID] = copyRecord(record)
	return nil
}

func (s *memoryStore) GetByOrderID(_ context.Context, orderID string) (*storage.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byOrder[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(stored), nil
}

func (s *memoryStore) UpdateExecution(_ context.Context, record *storage.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return sagaflow.ErrVersionConflict
	}
	stored, ok := s.byOrder[record.OrderID]
	if !ok || stored.Version != record.Version {
		return sagaflow.ErrVersionConflict
	}
	record.Version++
	s.byOrder[record.OrderID] = copyRecord(record)
	return nil
}

func (s *memoryStore) FetchExpiredDeadlines(_ context.Context, now time.Time, batchSize int) ([]storage.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []storage.ExecutionRecord
	for _, record := range s.byOrder {
		if len(expired) >= batchSize {
			break
		}
		if record.DeadlineAt != nil && !record.DeadlineAt.After(now) && record.State == record.DeadlineState {
			expired = append(expired, *copyRecord(record))
		}
	}
	return expired, nil
}

func (s *memoryStore) EnsureTables(context.Context) error { return nil }

type fixture struct {
	store    *memoryStore
	outbox   *outboxstorage.MockStore
	clock    *clockwork.FakeClock
	orch     *Orchestrator
	mu       sync.Mutex
	appended []*outboxstorage.EventRecord
}

func newFixture(t *testing.T, opts ...OrchestratorOption) *fixture {
	t.Helper()

	f := &fixture{
		store:  newMemoryStore(),
		outbox: new(outboxstorage.MockStore),
		clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)),
	}
	f.outbox.On("CreateEvent", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.appended = append(f.appended, args.Get(1).(*outboxstorage.EventRecord))
	}).Return(nil)

	opts = append([]OrchestratorOption{WithClock(f.clock)}, opts...)
	f.orch = NewOrchestrator(f.store, f.outbox, passthroughManager{}, zap.NewNop(), opts...)
	return f
}

func (f *fixture) commands(eventType string) []*outboxstorage.EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*outboxstorage.EventRecord
	for _, record := range f.appended {
		if record.EventType == eventType {
			out = append(out, record)
		}
	}
	return out
}

func (f *fixture) deliver(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	err = f.orch.HandleEvent(context.Background(), outbox.Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   data,
	})
	require.NoError(t, err)
}

func (f *fixture) execution(t *testing.T, orderID string) *Execution {
	t.Helper()
	record, err := f.store.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	exec, err := fromRecord(record)
	require.NoError(t, err)
	return exec
}

func startOrder(t *testing.T, f *fixture, orderID string) *Execution {
	t.Helper()
	exec, err := f.orch.Start(context.Background(), StartOrderCommand{
		OrderID:       orderID,
		CustomerID:    "customer-1",
		Items:         []OrderItem{{ProductID: "sku-1", Quantity: 2}},
		Amount:        4200,
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	return exec
}

func TestOrchestrator_Start(t *testing.T) {
	f := newFixture(t, WithReservationTTL(30*time.Minute), WithStepTimeout(5*time.Minute))

	exec := startOrder(t, f, "order-1")

	assert.Equal(t, StateReservingStock, exec.State)
	assert.Equal(t, SagaType, exec.SagaType)
	require.NotNil(t, exec.DeadlineAt)
	assert.Equal(t, StateReservingStock, exec.DeadlineState)
	assert.Equal(t, f.clock.Now().UTC().Add(5*time.Minute), *exec.DeadlineAt)

	reserves := f.commands(CommandTypeReserveStock)
	require.Len(t, reserves, 1)
	assert.Equal(t, AggregateTypeInventory, reserves[0].AggregateType)
	assert.Equal(t, "order-1", reserves[0].AggregateID)
	assert.Equal(t, "order-1", reserves[0].CorrelationID)

	var cmd ReserveStockCommand
	require.NoError(t, json.Unmarshal(reserves[0].Payload, &cmd))
	assert.Equal(t, int64(1800), cmd.TTLSeconds)
	assert.Equal(t, []OrderItem{{ProductID: "sku-1", Quantity: 2}}, cmd.Items)
}

func TestOrchestrator_Start_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Start(context.Background(), StartOrderCommand{OrderID: "order-1"})
	assert.True(t, sagaflow.IsValidation(err))

	_, err = f.orch.Start(context.Background(), StartOrderCommand{
		OrderID:       "order-1",
		CustomerID:    "customer-1",
		Items:         []OrderItem{{ProductID: "sku-1", Quantity: 0}},
		Amount:        100,
		PaymentMethod: "card",
	})
	assert.True(t, sagaflow.IsValidation(err), "zero quantity line must be rejected")

	assert.Empty(t, f.commands(CommandTypeReserveStock))
}

func TestOrchestrator_Start_DuplicateOrder(t *testing.T) {
	f := newFixture(t)

	first := startOrder(t, f, "order-1")
	second := startOrder(t, f, "order-1")

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.commands(CommandTypeReserveStock), 1, "duplicate start must not issue a second command")
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateAuthorizingPayment, exec.State)
	assert.Equal(t, []string{"r1"}, exec.Context.ReservationIDs)
	require.Len(t, f.commands(CommandTypeAuthorizePayment), 1)

	var authorize AuthorizePaymentCommand
	require.NoError(t, json.Unmarshal(f.commands(CommandTypeAuthorizePayment)[0].Payload, &authorize))
	assert.Equal(t, int64(4200), authorize.Amount)
	assert.Equal(t, "card", authorize.Method)

	f.deliver(t, EventTypePaymentAuthorized, PaymentAuthorizedEvent{OrderID: "order-1", PaymentID: "pay-1", AuthCode: "AUTH"})

	exec = f.execution(t, "order-1")
	assert.Equal(t, StateConfirmingOrder, exec.State)
	assert.Equal(t, "pay-1", exec.Context.PaymentID)
	require.Len(t, f.commands(CommandTypeConfirmOrder), 1)

	var confirm ConfirmOrderCommand
	require.NoError(t, json.Unmarshal(f.commands(CommandTypeConfirmOrder)[0].Payload, &confirm))
	assert.Equal(t, "pay-1", confirm.PaymentID)
	assert.Equal(t, []string{"r1"}, confirm.ReservationIDs)

	f.deliver(t, EventTypeOrderConfirmed, OrderConfirmedEvent{OrderID: "order-1"})

	exec = f.execution(t, "order-1")
	assert.Equal(t, StateCompleted, exec.State)
	assert.Equal(t, ResultSuccess, exec.Result)
	assert.Nil(t, exec.DeadlineAt)
	require.NotNil(t, exec.CompletedAt)
}

func TestOrchestrator_DuplicateResultDelivery(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	event := StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}}
	f.deliver(t, EventTypeStockReserved, event)
	f.deliver(t, EventTypeStockReserved, event)

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateAuthorizingPayment, exec.State)
	assert.Len(t, f.commands(CommandTypeAuthorizePayment), 1, "duplicate delivery must not issue a second command")
}

func TestOrchestrator_UnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	err := f.orch.HandleEvent(context.Background(), outbox.Envelope{
		EventID:   uuid.NewString(),
		EventType: "inventory.reservation_created",
		Payload:   []byte(`{}`),
	})
	assert.NoError(t, err)
	assert.Equal(t, StateReservingStock, f.execution(t, "order-1").State)
}

func TestOrchestrator_PaymentDeclined_Compensates(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})
	f.deliver(t, EventTypePaymentDeclined, PaymentDeclinedEvent{OrderID: "order-1", Reason: "card declined"})

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateCompensating, exec.State)
	assert.Equal(t, FailureKindBusiness, exec.Context.FailureKind)
	assert.Equal(t, "card declined", exec.Context.FailureReason)
	assert.Equal(t, CompensationSkipped, exec.Context.VoidPaymentOutcome, "no payment was captured, nothing to void")
	require.NotNil(t, exec.DeadlineAt, "the outstanding compensation step is guarded by a deadline")
	assert.Equal(t, StateCompensating, exec.DeadlineState)

	// First compensating command is the stock release, void was skipped
	assert.Empty(t, f.commands(CommandTypeVoidPayment))
	releases := f.commands(CommandTypeReleaseStock)
	require.Len(t, releases, 1)
	var release ReleaseStockCommand
	require.NoError(t, json.Unmarshal(releases[0].Payload, &release))
	assert.Equal(t, []string{"r1"}, release.ReservationIDs)
	assert.Equal(t, "card declined", release.Reason)

	f.deliver(t, EventTypeStockReleased, StockReleasedEvent{OrderID: "order-1"})
	require.Len(t, f.commands(CommandTypeCancelOrder), 1)

	f.deliver(t, EventTypeOrderCancelled, OrderCancelledEvent{OrderID: "order-1"})

	exec = f.execution(t, "order-1")
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, ResultCompensated, exec.Result)
	assert.Equal(t, CompensationOK, exec.Context.ReleaseStockOutcome)
	assert.Equal(t, CompensationOK, exec.Context.CancelOrderOutcome)
}

func TestOrchestrator_StockRejected_Compensates(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	f.deliver(t, EventTypeStockRejected, StockRejectedEvent{OrderID: "order-1", Reason: "insufficient stock"})

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateCompensating, exec.State)
	assert.Equal(t, CompensationSkipped, exec.Context.VoidPaymentOutcome)
	assert.Equal(t, CompensationSkipped, exec.Context.ReleaseStockOutcome)

	// Nothing to void or release, the cancel goes out immediately
	assert.Empty(t, f.commands(CommandTypeVoidPayment))
	assert.Empty(t, f.commands(CommandTypeReleaseStock))
	require.Len(t, f.commands(CommandTypeCancelOrder), 1)

	f.deliver(t, EventTypeOrderCancelled, OrderCancelledEvent{OrderID: "order-1"})

	exec = f.execution(t, "order-1")
	assert.Equal(t, StateCompensated, exec.State)
	assert.Equal(t, ResultCompensated, exec.Result)
}

func TestOrchestrator_CompensationActionFails_SagaFails(t *testing.T) {
	f := newFixture(t)
	startOrder(t, f, "order-1")

	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})
	f.deliver(t, EventTypePaymentAuthorized, PaymentAuthorizedEvent{OrderID: "order-1", PaymentID: "pay-1", AuthCode: "AUTH"})
	f.deliver(t, EventTypeOrderConfirmFailed, OrderConfirmFailedEvent{OrderID: "order-1", Reason: "order service rejected"})

	// Payment was captured, so voiding it is the first compensation
	require.Len(t, f.commands(CommandTypeVoidPayment), 1)

	// The void fails; the chain still continues through the remaining actions
	f.deliver(t, EventTypePaymentVoidFailed, PaymentVoidFailedEvent{OrderID: "order-1", Reason: "gateway error"})
	require.Len(t, f.commands(CommandTypeReleaseStock), 1)

	f.deliver(t, EventTypeStockReleased, StockReleasedEvent{OrderID: "order-1"})
	require.Len(t, f.commands(CommandTypeCancelOrder), 1)

	f.deliver(t, EventTypeOrderCancelled, OrderCancelledEvent{OrderID: "order-1"})

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateFailed, exec.State)
	assert.Equal(t, ResultFailed, exec.Result)
	assert.Equal(t, CompensationFailed, exec.Context.VoidPaymentOutcome)
	assert.Equal(t, CompensationOK, exec.Context.ReleaseStockOutcome)
	assert.Equal(t, CompensationOK, exec.Context.CancelOrderOutcome)
}

func TestOrchestrator_StepTimeout_Compensates(t *testing.T) {
	f := newFixture(t, WithStepTimeout(5*time.Minute))
	startOrder(t, f, "order-1")

	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.orch.CheckDeadlines(context.Background()))

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateCompensating, exec.State)
	assert.Equal(t, FailureKindTimeout, exec.Context.FailureKind)
	require.Len(t, f.commands(CommandTypeCancelOrder), 1)

	f.deliver(t, EventTypeOrderCancelled, OrderCancelledEvent{OrderID: "order-1"})
	assert.Equal(t, StateCompensated, f.execution(t, "order-1").State)
}

func TestOrchestrator_CompensationTimeout_ReissuesCommand(t *testing.T) {
	f := newFixture(t, WithStepTimeout(5*time.Minute))
	startOrder(t, f, "order-1")

	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})
	f.deliver(t, EventTypePaymentDeclined, PaymentDeclinedEvent{OrderID: "order-1", Reason: "card declined"})
	require.Len(t, f.commands(CommandTypeReleaseStock), 1)

	// The release result never arrives; the deadline fires and the command
	// goes out again
	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.orch.CheckDeadlines(context.Background()))

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateCompensating, exec.State, "a reissue is not a new compensation")
	releases := f.commands(CommandTypeReleaseStock)
	require.Len(t, releases, 2)

	var first, second ReleaseStockCommand
	require.NoError(t, json.Unmarshal(releases[0].Payload, &first))
	require.NoError(t, json.Unmarshal(releases[1].Payload, &second))
	assert.Equal(t, first, second, "the reissued command carries the same payload")

	// The late result still lands and the chain finishes normally
	f.deliver(t, EventTypeStockReleased, StockReleasedEvent{OrderID: "order-1"})
	require.Len(t, f.commands(CommandTypeCancelOrder), 1)
	f.deliver(t, EventTypeOrderCancelled, OrderCancelledEvent{OrderID: "order-1"})

	exec = f.execution(t, "order-1")
	assert.Equal(t, StateCompensated, exec.State)
	assert.Nil(t, exec.DeadlineAt)
}

func TestOrchestrator_DeadlineIsNoOpWhenStepCompleted(t *testing.T) {
	f := newFixture(t, WithStepTimeout(5*time.Minute))
	startOrder(t, f, "order-1")

	// The result arrives, re-arming the deadline for the next step
	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})

	require.NoError(t, f.orch.CheckDeadlines(context.Background()))

	exec := f.execution(t, "order-1")
	assert.Equal(t, StateAuthorizingPayment, exec.State, "a deadline that lost the race must not compensate")
	assert.Empty(t, f.commands(CommandTypeCancelOrder))
}

func TestOrchestrator_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t, WithMaxConflictRetries(3))
	startOrder(t, f, "order-1")

	f.store.conflicts = 2
	f.deliver(t, EventTypeStockReserved, StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})

	assert.Equal(t, StateAuthorizingPayment, f.execution(t, "order-1").State)
}

func TestOrchestrator_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t, WithMaxConflictRetries(1))
	startOrder(t, f, "order-1")

	f.store.conflicts = 10
	data, err := json.Marshal(StockReservedEvent{OrderID: "order-1", ReservationIDs: []string{"r1"}})
	require.NoError(t, err)

	err = f.orch.HandleEvent(context.Background(), outbox.Envelope{
		EventID:   uuid.NewString(),
		EventType: EventTypeStockReserved,
		Payload:   data,
	})
	assert.ErrorIs(t, err, sagaflow.ErrVersionConflict)
	assert.Equal(t, StateReservingStock, f.execution(t, "order-1").State)
}
