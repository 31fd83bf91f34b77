package saga

import (
	validation "github.com/jellydator/validation"
)

// Aggregate types used when routing saga traffic through the outbox.
const (
	AggregateTypeSaga      = "saga"
	AggregateTypeInventory = "inventory"
	AggregateTypePayment   = "payment"
	AggregateTypeOrder     = "order"
)

// Command event types issued by the orchestrator.
const (
	CommandTypeReserveStock     = "inventory.reserve_stock"
	CommandTypeAuthorizePayment = "payment.authorize"
	CommandTypeConfirmOrder     = "order.confirm"
	CommandTypeVoidPayment      = "payment.void"
	CommandTypeReleaseStock     = "inventory.release_stock"
	CommandTypeCancelOrder      = "order.cancel"
)

// Result event types the orchestrator consumes. Delivery is at-least-once;
// every handler tolerates duplicates.
const (
	EventTypeStockReserved      = "inventory.stock_reserved"
	EventTypeStockRejected      = "inventory.stock_rejected"
	EventTypeStockReleased      = "inventory.stock_released"
	EventTypeStockReleaseFailed = "inventory.stock_release_failed"
	EventTypePaymentAuthorized  = "payment.authorized"
	EventTypePaymentDeclined    = "payment.declined"
	EventTypePaymentVoided      = "payment.voided"
	EventTypePaymentVoidFailed  = "payment.void_failed"
	EventTypeOrderConfirmed     = "order.confirmed"
	EventTypeOrderConfirmFailed = "order.confirm_failed"
	EventTypeOrderCancelled     = "order.cancelled"
	EventTypeOrderCancelFailed  = "order.cancel_failed"
)

// OrderItem is one product line of an order.
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// StartOrderCommand starts a checkout saga for one order.
type StartOrderCommand struct {
	OrderID       string      `json:"orderId"`
	CustomerID    string      `json:"customerId"`
	Items         []OrderItem `json:"items"`
	Amount        int64       `json:"amount"`
	PaymentMethod string      `json:"paymentMethod"`
}

// Validate checks the command before any state is created.
func (c StartOrderCommand) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.OrderID,
			validation.Required.Error("order id is required")),
		validation.Field(&c.CustomerID,
			validation.Required.Error("customer id is required")),
		validation.Field(&c.Items,
			validation.Required.Error("at least one item is required")),
		validation.Field(&c.Amount,
			validation.Required.Error("amount is required"),
			validation.Min(int64(1)).Error("amount must be positive")),
		validation.Field(&c.PaymentMethod,
			validation.Required.Error("payment method is required")),
	)
}

// ValidateItems checks every order line.
func ValidateItems(items []OrderItem) error {
	for _, item := range items {
		if err := validation.ValidateStruct(&item,
			validation.Field(&item.ProductID,
				validation.Required.Error("product id is required")),
			validation.Field(&item.Quantity,
				validation.Required.Error("quantity is required"),
				validation.Min(1).Error("quantity must be positive")),
		); err != nil {
			return err
		}
	}
	return nil
}

//
// Command payloads. All commands are idempotent, keyed by the id they carry.
//

type ReserveStockCommand struct {
	OrderID    string      `json:"orderId"`
	Items      []OrderItem `json:"items"`
	TTLSeconds int64       `json:"ttlSeconds"`
}

type AuthorizePaymentCommand struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
	Amount     int64  `json:"amount"`
	Method     string `json:"method"`
}

type ConfirmOrderCommand struct {
	OrderID        string   `json:"orderId"`
	PaymentID      string   `json:"paymentId"`
	ReservationIDs []string `json:"reservationIds"`
}

type VoidPaymentCommand struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

type ReleaseStockCommand struct {
	OrderID        string   `json:"orderId"`
	ReservationIDs []string `json:"reservationIds"`
	Reason         string   `json:"reason"`
}

type CancelOrderCommand struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

//
// Result payloads published by collaborators.
//

type StockReservedEvent struct {
	OrderID        string   `json:"orderId"`
	ReservationIDs []string `json:"reservationIds"`
}

type StockRejectedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type StockReleasedEvent struct {
	OrderID string `json:"orderId"`
}

type StockReleaseFailedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentAuthorizedEvent struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	AuthCode  string `json:"authCode"`
}

type PaymentDeclinedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type PaymentVoidedEvent struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

type PaymentVoidFailedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type OrderConfirmedEvent struct {
	OrderID string `json:"orderId"`
}

type OrderConfirmFailedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type OrderCancelledEvent struct {
	OrderID string `json:"orderId"`
}

type OrderCancelFailedEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}
