package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeExchangeRequested  = "ORDER_EXCHANGE_REQUESTED"
	EventTypeExchangeApproved   = "ORDER_EXCHANGE_APPROVED"
	EventTypeExchangeRejected   = "ORDER_EXCHANGE_REJECTED"
	EventTypeExchangeCompleted  = "ORDER_EXCHANGE_COMPLETED"
	EventTypePaymentConfirmed   = "ORDER_PAYMENT_CONFIRMED"
	EventTypePaymentRefunded    = "ORDER_PAYMENT_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Name returns the event type, used as a message header
func (e BaseEvent) Name() string { return e.EventType }

// OrderCreatedEvent published after an order is committed
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	ShortOrderID  string          `json:"short_order_id"`
	UserID        int64           `json:"user_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Items         []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published after every committed transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID      int64       `json:"order_id"`
	ShortOrderID string      `json:"short_order_id"`
	UserID       int64       `json:"user_id"`
	From         OrderStatus `json:"from"`
	To           OrderStatus `json:"to"`
	ActorID      int64       `json:"actor_id"`
	Reason       string      `json:"reason,omitempty"`
}

// ExchangeEvent published at each exchange stage
type ExchangeEvent struct {
	BaseEvent
	OrderID         int64           `json:"order_id"`
	ExchangeOrderID *int64          `json:"exchange_order_id,omitempty"`
	Stage           ExchangeStatus  `json:"stage"`
	PriceDifference decimal.Decimal `json:"price_difference"`
}

// PaymentEvent published when money is collected or refunded
type PaymentEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	Method        PaymentMethod   `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	VariantID int64           `json:"variant_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// NotificationKind selects the message sent to a customer
type NotificationKind string

const (
	NotifyOrderConfirmation NotificationKind = "order_confirmation"
	NotifyStatusChanged     NotificationKind = "status_changed"
	NotifyRefund            NotificationKind = "refund"
)

// Notification is a post-commit message about an order
type Notification struct {
	Kind           NotificationKind
	Order          *Order
	User           *User
	PreviousStatus OrderStatus
	Reason         string
	Amount         decimal.Decimal
}
