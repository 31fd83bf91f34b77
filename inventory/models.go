package inventory

import "time"

// ReservationStatus is the lifecycle state of a stock reservation. A
// reservation reaches exactly one terminal status and is never reused.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a time-boxed hold on product stock tied to an order.
type Reservation struct {
	ID        string
	ProductID string
	OrderID   string
	Quantity  int
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the reservation's time box has passed.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// BusinessFailure codes emitted by the ledger.
const (
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
)
