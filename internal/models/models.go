package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending           OrderStatus = "pending"
	StatusConfirmed         OrderStatus = "confirmed"
	StatusProcessing        OrderStatus = "processing"
	StatusShipped           OrderStatus = "shipped"
	StatusDelivered         OrderStatus = "delivered"
	StatusCancelled         OrderStatus = "cancelled"
	StatusReturned          OrderStatus = "returned"
	StatusRefunded          OrderStatus = "refunded"
	StatusExchangeRequested OrderStatus = "exchange_requested"
	StatusExchangeApproved  OrderStatus = "exchange_approved"
	StatusExchanged         OrderStatus = "exchanged"
)

// AllStatuses lists every order status in lifecycle order
var AllStatuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusReturned,
	StatusRefunded,
	StatusExchangeRequested,
	StatusExchangeApproved,
	StatusExchanged,
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	for _, status := range AllStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// PaymentStatus tracks money movement for an order
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "pending"
	PaymentPaid              PaymentStatus = "paid"
	PaymentFailed            PaymentStatus = "failed"
	PaymentRefunded          PaymentStatus = "refunded"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
)

// PaymentMethod is how the customer pays
type PaymentMethod string

const (
	PaymentKhalti       PaymentMethod = "khalti"
	PaymentCOD          PaymentMethod = "cod"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentEsewa        PaymentMethod = "esewa"
)

// Valid reports whether m is a supported payment method
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentKhalti, PaymentCOD, PaymentBankTransfer, PaymentEsewa:
		return true
	}
	return false
}

// ShippingMethod selects the delivery speed
type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
	ShippingSameDay  ShippingMethod = "same_day"
)

// Valid reports whether m is a supported shipping method
func (m ShippingMethod) Valid() bool {
	switch m {
	case ShippingStandard, ShippingExpress, ShippingSameDay:
		return true
	}
	return false
}

// Order sources
const (
	SourceWeb      = "web"
	SourceExchange = "exchange"
)

// Order is the aggregate root of the order core
type Order struct {
	ID           int64  `json:"id"`
	OrderNumber  string `json:"order_number"`
	ShortOrderID string `json:"short_order_id"`
	UserID       int64  `json:"user_id"`

	Items []OrderItem `json:"items"`

	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountTotal  decimal.Decimal `json:"discount_total"`
	TaxTotal       decimal.Decimal `json:"tax_total"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	AmountRefunded decimal.Decimal `json:"amount_refunded"`

	OrderStatus   OrderStatus   `json:"order_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentMethod PaymentMethod `json:"payment_method"`

	StatusHistory []StatusHistoryEntry `json:"status_history"`

	ShippingAddress      Address `json:"shipping_address"`
	BillingAddress       Address `json:"billing_address"`
	UseShippingAsBilling bool    `json:"use_shipping_as_billing"`

	BusinessRules  BusinessRules  `json:"business_rules"`
	Shipping       ShippingInfo   `json:"shipping"`
	PaymentDetails PaymentDetails `json:"payment_details"`

	// Workflow holds at most one active post-purchase flow.
	Workflow   Workflow    `json:"workflow,omitempty"`
	CODDetails *CODDetails `json:"cod_details,omitempty"`

	CustomerNotes string `json:"customer_notes,omitempty"`
	InternalNotes string `json:"internal_notes,omitempty"`
	Source        string `json:"source"`
	ParentOrderID *int64 `json:"parent_order_id,omitempty"`

	// StockReserved is true while the order holds decremented variant stock.
	StockReserved bool `json:"stock_reserved"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ShippedAt   *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Cancellation returns the cancellation record when that flow is active
func (o *Order) Cancellation() (*Cancellation, bool) {
	c, ok := o.Workflow.(*Cancellation)
	return c, ok
}

// Return returns the return record when that flow is active
func (o *Order) Return() (*ReturnRequest, bool) {
	r, ok := o.Workflow.(*ReturnRequest)
	return r, ok
}

// Exchange returns the exchange record when that flow is active
func (o *Order) Exchange() (*Exchange, bool) {
	e, ok := o.Workflow.(*Exchange)
	return e, ok
}

// OrderItem is a priced snapshot of a variant at purchase time
type OrderItem struct {
	ID             int64               `db:"id" json:"id"`
	OrderID        int64               `db:"order_id" json:"order_id"`
	ProductID      int64               `db:"product_id" json:"product_id"`
	VariantID      int64               `db:"variant_id" json:"variant_id"`
	ProductName    string              `db:"product_name" json:"product_name"`
	SKU            string              `db:"sku" json:"sku"`
	Size           string              `db:"size" json:"size,omitempty"`
	Color          string              `db:"color" json:"color,omitempty"`
	Quantity       int                 `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal     `db:"unit_price" json:"unit_price"`
	SalePrice      decimal.NullDecimal `db:"sale_price" json:"sale_price"`
	TotalPrice     decimal.Decimal     `db:"total_price" json:"total_price"`
	DiscountAmount decimal.Decimal     `db:"discount_amount" json:"discount_amount"`
	TaxAmount      decimal.Decimal     `db:"tax_amount" json:"tax_amount"`
	OriginalStock  int                 `db:"original_stock" json:"original_stock"`
}

// StatusHistoryEntry is one row of the append-only status audit log
type StatusHistoryEntry struct {
	ID        int64       `db:"id" json:"id"`
	OrderID   int64       `db:"order_id" json:"order_id"`
	Status    OrderStatus `db:"status" json:"status"`
	Timestamp time.Time   `db:"created_at" json:"timestamp"`
	ActorID   int64       `db:"actor_id" json:"actor_id"`
	Notes     string      `db:"notes" json:"notes,omitempty"`
}

// Address is an embedded snapshot, never a reference to the user's address book
type Address struct {
	FullName      string `json:"full_name"`
	Phone         string `json:"phone"`
	StreetAddress string `json:"street_address"`
	City          string `json:"city"`
	State         string `json:"state,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country"`
	AddressType   string `json:"address_type,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// IsZero reports whether no address was supplied
func (a Address) IsZero() bool {
	return a.FullName == "" && a.StreetAddress == "" && a.City == ""
}

// BusinessRules is the per-order policy snapshot taken at creation
type BusinessRules struct {
	CODLimit           decimal.Decimal `json:"cod_limit"`
	AllowCancellation  bool            `json:"allow_cancellation"`
	AllowReturn        bool            `json:"allow_return"`
	ReturnWindowDays   int             `json:"return_window_days"`
	AllowExchange      bool            `json:"allow_exchange"`
	ExchangeWindowDays int             `json:"exchange_window_days"`
}

// ShippingInfo describes delivery for an order
type ShippingInfo struct {
	Method            ShippingMethod `json:"method"`
	EstimatedDelivery time.Time      `json:"estimated_delivery"`
	TrackingNumber    string         `json:"tracking_number,omitempty"`
	Carrier           string         `json:"carrier,omitempty"`
}

// PaymentDetails records gateway references for an order
type PaymentDetails struct {
	Gateway       string     `json:"gateway,omitempty"`
	Pidx          string     `json:"pidx,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	RefundReason  string     `json:"refund_reason,omitempty"`
}

// CODDetails is the evidence captured when a delivery agent collects cash
type CODDetails struct {
	AmountReceived    decimal.Decimal `json:"amount_received"`
	DeliveryAgentID   int64           `json:"delivery_agent_id"`
	PaymentDate       time.Time       `json:"payment_date"`
	DeliveryNotes     string          `json:"delivery_notes,omitempty"`
	AgentSignature    string          `json:"agent_signature"`
	CustomerSignature string          `json:"customer_signature"`
}

// VariantStatus is the catalog availability of a variant
type VariantStatus string

const (
	VariantActive     VariantStatus = "active"
	VariantInactive   VariantStatus = "inactive"
	VariantOutOfStock VariantStatus = "out_of_stock"
)

// Variant is a purchasable SKU owned by the catalog
type Variant struct {
	ID          int64               `db:"id" json:"id"`
	ProductID   int64               `db:"product_id" json:"product_id"`
	ProductName string              `db:"product_name" json:"product_name"`
	SKU         string              `db:"sku" json:"sku"`
	Size        string              `db:"size" json:"size,omitempty"`
	Color       string              `db:"color" json:"color,omitempty"`
	Price       decimal.Decimal     `db:"price" json:"price"`
	SalePrice   decimal.NullDecimal `db:"sale_price" json:"sale_price"`
	Stock       int                 `db:"stock" json:"stock"`
	Status      VariantStatus       `db:"status" json:"status"`
}

// CartLine is one entry in a user's cart
type CartLine struct {
	ID        int64 `db:"id" json:"id"`
	UserID    int64 `db:"user_id" json:"user_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}

// User is the subset of the user directory the order core reads
type User struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Email string `db:"email" json:"email"`
	Phone string `db:"phone" json:"phone"`
	Role  string `db:"role" json:"role"`
}

// OrderFilter narrows a user's order listing
type OrderFilter struct {
	Status OrderStatus
	Page   int
	Limit  int
}

// Window converts page/limit into SQL limit and offset, clamping bad input
func (f OrderFilter) Window() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
