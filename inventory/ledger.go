package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avito-tech/go-transaction-manager/trm/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/inventory/storage"
	"github.com/overtonx/sagaflow/outbox"
	outboxstorage "github.com/overtonx/sagaflow/outbox/storage"
)

// Ledger event types appended to the outbox alongside every mutation.
const (
	EventTypeReservationCreated   = "inventory.reservation_created"
	EventTypeReservationConfirmed = "inventory.reservation_confirmed"
	EventTypeReservationCancelled = "inventory.reservation_cancelled"
	EventTypeReservationExpired   = "inventory.reservation_expired"
)

// AggregateType is the outbox aggregate for ledger events; records are
// keyed by product id so per-product event order is preserved.
const AggregateType = "inventory"

// ReservationEvent is the payload of every ledger lifecycle event.
type ReservationEvent struct {
	ReservationID string    `json:"reservationId"`
	ProductID     string    `json:"productId"`
	OrderID       string    `json:"orderId"`
	Quantity      int       `json:"quantity"`
	Reason        string    `json:"reason,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt,omitempty"`
}

// Ledger owns product stock and reservations. Every mutation runs in one
// transaction together with the outbox event describing it, under an
// optimistic version check on the product row, and preserves the invariant
// available + active reservations == total. Total only shrinks when a
// reservation is confirmed.
type Ledger struct {
	store       storage.Store
	outboxStore outboxstorage.Store
	trManager   trm.Manager
	logger      *zap.Logger
	metrics     sagaflow.MetricsCollector
	clock       clockwork.Clock

	maxConflictRetries int
	expiryBatchSize    int
}

// NewLedger creates a reservation ledger over the given stores.
func NewLedger(
	store storage.Store,
	outboxStore outboxstorage.Store,
	trManager trm.Manager,
	logger *zap.Logger,
	opts ...LedgerOption,
) *Ledger {
	options := &ledgerOptions{
		maxConflictRetries: defaultMaxConflictRetries,
		expiryBatchSize:    defaultExpiryBatchSize,
		metrics:            sagaflow.NewNopMetricsCollector(),
		clock:              clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:              store,
		outboxStore:        outboxStore,
		trManager:          trManager,
		logger:             logger,
		metrics:            options.metrics,
		clock:              options.clock,
		maxConflictRetries: options.maxConflictRetries,
		expiryBatchSize:    options.expiryBatchSize,
	}
}

// Reserve places a time-boxed hold on product stock for an order. It is
// idempotent per order and product: an existing active reservation is
// returned unchanged. Insufficient stock is a BusinessFailure, not an
// infrastructure error.
func (l *Ledger) Reserve(ctx context.Context, productID string, quantity int, orderID string, ttl time.Duration) (*Reservation, error) {
	if err := validateReserve(productID, quantity, orderID, ttl); err != nil {
		return nil, sagaflow.NewValidationError(err)
	}

	var reservation *Reservation
	err := l.withConflictRetry(ctx, func(ctx context.Context) error {
		return l.trManager.Do(ctx, func(ctx context.Context) error {
			var err error
			reservation, err = l.reserveOne(ctx, productID, quantity, orderID, ttl)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// reserveOne runs inside the ambient transaction. Callers that reserve
// several products atomically wrap a sequence of these in one transaction.
func (l *Ledger) reserveOne(ctx context.Context, productID string, quantity int, orderID string, ttl time.Duration) (*Reservation, error) {
	existing, err := l.store.FindActiveByOrderProduct(ctx, orderID, productID)
	if err == nil {
		l.metrics.IncrementCounter("ledger.reserve_duplicate", nil)
		return fromReservationRecord(existing), nil
	}
	if !errors.Is(err, storage.ErrReservationNotFound) {
		return nil, err
	}

	product, err := l.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.Available < quantity {
		l.metrics.IncrementCounter("ledger.insufficient_stock", nil)
		return nil, &sagaflow.BusinessFailure{
			Code:   CodeInsufficientStock,
			Reason: fmt.Sprintf("product %s has %d available, requested %d", productID, product.Available, quantity),
		}
	}

	product.Available -= quantity
	product.Reserved += quantity
	if err := l.store.UpdateProduct(ctx, product); err != nil {
		return nil, err
	}

	now := l.clock.Now().UTC()
	reservation := &Reservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		OrderID:   orderID,
		Quantity:  quantity,
		Status:    ReservationActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := l.store.CreateReservation(ctx, toReservationRecord(reservation)); err != nil {
		return nil, err
	}

	if err := l.appendLedgerEvent(ctx, EventTypeReservationCreated, reservation, ""); err != nil {
		return nil, err
	}

	l.metrics.IncrementCounter("ledger.reserved", nil)
	l.logger.Info("Stock reserved",
		zap.String("reservation_id", reservation.ID),
		zap.String("product_id", productID),
		zap.String("order_id", orderID),
		zap.Int("quantity", quantity))
	return reservation, nil
}

// Confirm consumes a reservation: the held quantity permanently leaves the
// stock. Confirming an already confirmed reservation is a no-op.
func (l *Ledger) Confirm(ctx context.Context, reservationID string) error {
	return l.withConflictRetry(ctx, func(ctx context.Context) error {
		return l.trManager.Do(ctx, func(ctx context.Context) error {
			return l.confirmOne(ctx, reservationID)
		})
	})
}

func (l *Ledger) confirmOne(ctx context.Context, reservationID string) error {
	record, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	reservation := fromReservationRecord(record)

	if reservation.Status == ReservationConfirmed {
		return nil
	}
	if reservation.Status != ReservationActive {
		return fmt.Errorf("reservation %s is %s, cannot confirm", reservationID, reservation.Status)
	}
	if reservation.ExpiredAt(l.clock.Now().UTC()) {
		return &sagaflow.BusinessFailure{
			Code:   "RESERVATION_EXPIRED",
			Reason: fmt.Sprintf("reservation %s expired at %s", reservationID, reservation.ExpiresAt),
		}
	}

	applied, err := l.store.UpdateReservationStatus(ctx, reservationID, string(ReservationActive), string(ReservationConfirmed))
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with another transition; re-read on retry.
		return sagaflow.ErrVersionConflict
	}

	product, err := l.store.GetProduct(ctx, reservation.ProductID)
	if err != nil {
		return err
	}
	product.Reserved -= reservation.Quantity
	product.Total -= reservation.Quantity
	if err := l.store.UpdateProduct(ctx, product); err != nil {
		return err
	}

	reservation.Status = ReservationConfirmed
	if err := l.appendLedgerEvent(ctx, EventTypeReservationConfirmed, reservation, ""); err != nil {
		return err
	}

	l.metrics.IncrementCounter("ledger.confirmed", nil)
	l.logger.Info("Reservation confirmed",
		zap.String("reservation_id", reservationID),
		zap.String("product_id", reservation.ProductID))
	return nil
}

// Cancel releases a held reservation back to available stock. Cancelling an
// already cancelled or expired reservation is a no-op.
func (l *Ledger) Cancel(ctx context.Context, reservationID, reason string) error {
	return l.withConflictRetry(ctx, func(ctx context.Context) error {
		return l.trManager.Do(ctx, func(ctx context.Context) error {
			return l.releaseOne(ctx, reservationID, ReservationCancelled, EventTypeReservationCancelled, reason)
		})
	})
}

// releaseOne returns a reservation's quantity to available stock and moves
// it to the given terminal status. Cancel and expiry share this path.
func (l *Ledger) releaseOne(ctx context.Context, reservationID string, to ReservationStatus, eventType, reason string) error {
	record, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	reservation := fromReservationRecord(record)

	if reservation.Status == ReservationCancelled || reservation.Status == ReservationExpired {
		return nil
	}
	if reservation.Status != ReservationActive {
		return fmt.Errorf("reservation %s is %s, cannot release", reservationID, reservation.Status)
	}

	applied, err := l.store.UpdateReservationStatus(ctx, reservationID, string(ReservationActive), string(to))
	if err != nil {
		return err
	}
	if !applied {
		return sagaflow.ErrVersionConflict
	}

	product, err := l.store.GetProduct(ctx, reservation.ProductID)
	if err != nil {
		return err
	}
	product.Reserved -= reservation.Quantity
	product.Available += reservation.Quantity
	if err := l.store.UpdateProduct(ctx, product); err != nil {
		return err
	}

	reservation.Status = to
	if err := l.appendLedgerEvent(ctx, eventType, reservation, reason); err != nil {
		return err
	}

	l.logger.Info("Reservation released",
		zap.String("reservation_id", reservationID),
		zap.String("product_id", reservation.ProductID),
		zap.String("status", string(to)),
		zap.String("reason", reason))
	return nil
}

// ExpireReservations is the work function of the expiry sweep worker:
// active reservations past their time box return their quantity to
// available stock, exactly as a cancel would.
func (l *Ledger) ExpireReservations(ctx context.Context) error {
	now := l.clock.Now().UTC()
	records, err := l.store.FetchExpired(ctx, now, l.expiryBatchSize)
	if err != nil {
		return fmt.Errorf("fetch expired reservations: %w", err)
	}

	expired := 0
	for _, record := range records {
		id := record.ID
		err := l.withConflictRetry(ctx, func(ctx context.Context) error {
			return l.trManager.Do(ctx, func(ctx context.Context) error {
				return l.releaseOne(ctx, id, ReservationExpired, EventTypeReservationExpired, "reservation expired")
			})
		})
		if err != nil {
			l.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", id), zap.Error(err))
			continue
		}
		expired++
	}

	if expired > 0 {
		l.metrics.RecordGauge("ledger.expired", float64(expired), nil)
		l.logger.Info("Expired reservations", zap.Int("count", expired))
	}
	return nil
}

func (l *Ledger) appendLedgerEvent(ctx context.Context, eventType string, reservation *Reservation, reason string) error {
	event := outbox.NewEvent(uuid.NewString(), eventType, AggregateType, reservation.ProductID, ReservationEvent{
		ReservationID: reservation.ID,
		ProductID:     reservation.ProductID,
		OrderID:       reservation.OrderID,
		Quantity:      reservation.Quantity,
		Reason:        reason,
		ExpiresAt:     reservation.ExpiresAt,
	})
	event.CorrelationID = reservation.OrderID
	return outbox.Append(ctx, l.outboxStore, event)
}

func (l *Ledger) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= l.maxConflictRetries; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, sagaflow.ErrVersionConflict) {
			return err
		}
		l.metrics.IncrementCounter("ledger.conflict_retry", nil)
	}
	return err
}

func validateReserve(productID string, quantity int, orderID string, ttl time.Duration) error {
	if productID == "" {
		return fmt.Errorf("product id is required")
	}
	if orderID == "" {
		return fmt.Errorf("order id is required")
	}
	if quantity < 1 {
		return fmt.Errorf("quantity must be positive")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	return nil
}

func toReservationRecord(r *Reservation) *storage.ReservationRecord {
	return &storage.ReservationRecord{
		ID:        r.ID,
		ProductID: r.ProductID,
		OrderID:   r.OrderID,
		Quantity:  r.Quantity,
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func fromReservationRecord(record *storage.ReservationRecord) *Reservation {
	return &Reservation{
		ID:        record.ID,
		ProductID: record.ProductID,
		OrderID:   record.OrderID,
		Quantity:  record.Quantity,
		Status:    ReservationStatus(record.Status),
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}
}
