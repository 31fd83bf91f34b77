package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProductNotFound is returned when no stock row exists.
	ErrProductNotFound = errors.New("product not found")
	// ErrReservationNotFound is returned when no reservation exists.
	ErrReservationNotFound = errors.New("reservation not found")
)

// ProductRecord is the database representation of product stock.
type ProductRecord struct {
	ProductID string
	Total     int
	Available int
	Reserved  int
	Version   int64
}

// ReservationRecord is the database representation of a reservation.
type ReservationRecord struct {
	ID        string
	ProductID string
	OrderID   string
	Quantity  int
	Status    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists the reservation ledger. All writes participate in the
// ambient transaction carried by the context.
//
// UpdateProduct applies an optimistic version check and returns
// sagaflow.ErrVersionConflict when it fails, so two concurrent reservations
// cannot both draw down the same stock. UpdateReservationStatus is
// conditional on the current status, which makes status transitions
// idempotent under duplicate command delivery.
type Store interface {
	CreateProduct(ctx context.Context, record *ProductRecord) error
	GetProduct(ctx context.Context, productID string) (*ProductRecord, error)
	UpdateProduct(ctx context.Context, record *ProductRecord) error

	CreateReservation(ctx context.Context, record *ReservationRecord) error
	GetReservation(ctx context.Context, id string) (*ReservationRecord, error)
	// FindActiveByOrderProduct returns the active reservation for an
	// order/product pair, or ErrReservationNotFound.
	FindActiveByOrderProduct(ctx context.Context, orderID, productID string) (*ReservationRecord, error)
	// FindByOrder returns every reservation for an order.
	FindByOrder(ctx context.Context, orderID string) ([]ReservationRecord, error)
	// UpdateReservationStatus moves a reservation from one status to
	// another; it reports false when the reservation was not in the
	// expected status.
	UpdateReservationStatus(ctx context.Context, id string, from, to string) (bool, error)
	// FetchExpired returns active reservations past their expiry.
	FetchExpired(ctx context.Context, now time.Time, batchSize int) ([]ReservationRecord, error)

	EnsureTables(ctx context.Context) error
}
