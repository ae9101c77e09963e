package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WorkflowKind names the post-purchase flow an order is in
type WorkflowKind string

const (
	WorkflowCancellation WorkflowKind = "cancellation"
	WorkflowReturn       WorkflowKind = "return"
	WorkflowExchange     WorkflowKind = "exchange"
)

// Workflow is a closed sum type: *Cancellation, *ReturnRequest or *Exchange.
// An order carries at most one of them.
type Workflow interface {
	Kind() WorkflowKind
	isWorkflow()
}

// Cancellation records who cancelled an order and why
type Cancellation struct {
	CancelledAt time.Time `json:"cancelled_at"`
	CancelledBy int64     `json:"cancelled_by"`
	Reason      string    `json:"reason,omitempty"`
}

func (*Cancellation) Kind() WorkflowKind { return WorkflowCancellation }
func (*Cancellation) isWorkflow()        {}

// ReturnStatus is the progress of a return
type ReturnStatus string

const (
	ReturnPending   ReturnStatus = "pending"
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
	ReturnCompleted ReturnStatus = "completed"
)

// ReturnRequest is opened when a delivered order is returned
type ReturnRequest struct {
	RequestedAt time.Time    `json:"requested_at"`
	RequestedBy int64        `json:"requested_by"`
	Reason      string       `json:"reason,omitempty"`
	Status      ReturnStatus `json:"status"`
}

func (*ReturnRequest) Kind() WorkflowKind { return WorkflowReturn }
func (*ReturnRequest) isWorkflow()        {}

// ExchangeStatus is the sub-state of an exchange
type ExchangeStatus string

const (
	ExchangePending   ExchangeStatus = "pending"
	ExchangeApproved  ExchangeStatus = "approved"
	ExchangeRejected  ExchangeStatus = "rejected"
	ExchangeCompleted ExchangeStatus = "completed"
)

// ExchangeType is what the customer wants changed
type ExchangeType string

const (
	ExchangeTypeSize    ExchangeType = "size"
	ExchangeTypeColor   ExchangeType = "color"
	ExchangeTypeProduct ExchangeType = "product"
)

// ExchangeItem maps one purchased line to its replacement
type ExchangeItem struct {
	OriginalItemID    int64           `json:"original_item_id"`
	OriginalProductID int64           `json:"original_product_id"`
	OriginalVariantID int64           `json:"original_variant_id"`
	OriginalQuantity  int             `json:"original_quantity"`
	OriginalTotal     decimal.Decimal `json:"original_total"`

	NewProductID int64           `json:"new_product_id"`
	NewVariantID int64           `json:"new_variant_id"`
	NewQuantity  int             `json:"new_quantity"`
	NewUnitPrice decimal.Decimal `json:"new_unit_price"`
	NewTotal     decimal.Decimal `json:"new_total"`

	Reason string `json:"reason,omitempty"`
}

// Exchange is the exchange sub-document of an order
type Exchange struct {
	Status        ExchangeStatus `json:"status"`
	Type          ExchangeType   `json:"type"`
	Reason        string         `json:"reason"`
	CustomerNotes string         `json:"customer_notes,omitempty"`
	AdminNotes    string         `json:"admin_notes,omitempty"`
	RequestedBy   int64          `json:"requested_by"`

	Items           []ExchangeItem  `json:"items"`
	OriginalTotal   decimal.Decimal `json:"original_total"`
	NewTotal        decimal.Decimal `json:"new_total"`
	PriceDifference decimal.Decimal `json:"price_difference"`

	ExchangeOrderID *int64 `json:"exchange_order_id,omitempty"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
	Carrier         string `json:"carrier,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (*Exchange) Kind() WorkflowKind { return WorkflowExchange }
func (*Exchange) isWorkflow()        {}

type workflowEnvelope struct {
	Kind WorkflowKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON wraps the cancellation in a kind envelope
func (c Cancellation) MarshalJSON() ([]byte, error) {
	type plain Cancellation
	return marshalEnvelope(WorkflowCancellation, plain(c))
}

// MarshalJSON wraps the return in a kind envelope
func (r ReturnRequest) MarshalJSON() ([]byte, error) {
	type plain ReturnRequest
	return marshalEnvelope(WorkflowReturn, plain(r))
}

// MarshalJSON wraps the exchange in a kind envelope
func (e Exchange) MarshalJSON() ([]byte, error) {
	type plain Exchange
	return marshalEnvelope(WorkflowExchange, plain(e))
}

func marshalEnvelope(kind WorkflowKind, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(workflowEnvelope{Kind: kind, Data: data})
}

// MarshalWorkflow encodes w for storage; a nil workflow encodes as null
func MarshalWorkflow(w Workflow) ([]byte, error) {
	if w == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w)
}

// UnmarshalWorkflow decodes a value written by MarshalWorkflow
func UnmarshalWorkflow(data []byte) (Workflow, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var env workflowEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow envelope: %w", err)
	}

	var w Workflow
	switch env.Kind {
	case WorkflowCancellation:
		w = &Cancellation{}
	case WorkflowReturn:
		w = &ReturnRequest{}
	case WorkflowExchange:
		w = &Exchange{}
	default:
		return nil, fmt.Errorf("unknown workflow kind: %q", env.Kind)
	}

	if err := json.Unmarshal(env.Data, w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s workflow: %w", env.Kind, err)
	}
	return w, nil
}
