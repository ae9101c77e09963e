// Package khalti is a client for the Khalti e-payment API.
package khalti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"order-core/internal/util"

	"github.com/shopspring/decimal"
)

// StatusCompleted is the lookup status of a settled payment
const StatusCompleted = "Completed"

var ErrNotConfigured = errors.New("khalti configuration is missing")

// Config holds gateway credentials and callback URLs
type Config struct {
	BaseURL   string
	SecretKey string
	AppURL    string
	// Sandbox makes Refund return a synthetic success without calling the API.
	Sandbox bool
}

// Client calls the Khalti API
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a new Khalti client
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: httpClient, now: time.Now}
}

type CustomerInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// InitiateRequest starts a payment; Amount is in rupees
type InitiateRequest struct {
	PurchaseOrderID   string
	PurchaseOrderName string
	Amount            decimal.Decimal
	Customer          CustomerInfo
}

type InitiateResponse struct {
	Pidx       string `json:"pidx"`
	PaymentURL string `json:"payment_url"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	ExpiresIn  int    `json:"expires_in,omitempty"`
}

type LookupResponse struct {
	Pidx          string `json:"pidx"`
	TotalAmount   int64  `json:"total_amount"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Fee           int64  `json:"fee"`
	Refunded      bool   `json:"refunded"`
}

// RefundRequest refunds part or all of a payment; Amount is in rupees
type RefundRequest struct {
	Pidx   string
	Amount decimal.Decimal
	Reason string
}

type RefundResponse struct {
	RefundID string          `json:"refund_id"`
	Status   string          `json:"status"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason"`
}

// APIError is a non-2xx answer from Khalti
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("khalti returned %d: %s", e.StatusCode, e.Detail)
}

// Initiate registers a payment and returns the hosted payment URL
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	ctx, span := util.StartSpan(ctx, "Khalti.Initiate")
	defer span.End()

	payload := map[string]interface{}{
		"return_url":          c.cfg.AppURL + "/api/v1/payments/khalti/verify",
		"website_url":         c.cfg.AppURL,
		"amount":              ToPaisa(req.Amount),
		"purchase_order_id":   req.PurchaseOrderID,
		"purchase_order_name": req.PurchaseOrderName,
		"customer_info":       req.Customer,
	}

	var resp InitiateResponse
	if err := c.post(ctx, "initiate", "/epayment/initiate/", payload, &resp); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &resp, nil
}

// Lookup fetches the current state of a payment
func (c *Client) Lookup(ctx context.Context, pidx string) (*LookupResponse, error) {
	ctx, span := util.StartSpan(ctx, "Khalti.Lookup")
	defer span.End()

	var resp LookupResponse
	if err := c.post(ctx, "lookup", "/epayment/lookup/", map[string]string{"pidx": pidx}, &resp); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &resp, nil
}

// Refund returns money to the customer
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	ctx, span := util.StartSpan(ctx, "Khalti.Refund")
	defer span.End()

	if c.cfg.Sandbox {
		return &RefundResponse{
			RefundID: fmt.Sprintf("refund_%d", c.now().UnixMilli()),
			Status:   "success",
			Amount:   req.Amount,
			Reason:   req.Reason,
		}, nil
	}

	payload := map[string]interface{}{
		"pidx":   req.Pidx,
		"amount": ToPaisa(req.Amount),
		"reason": req.Reason,
	}

	var resp RefundResponse
	if err := c.post(ctx, "refund", "/epayment/refund/", payload, &resp); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if resp.Amount.IsZero() {
		resp.Amount = req.Amount
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, operation, path string, payload, out interface{}) error {
	if c.cfg.BaseURL == "" || c.cfg.SecretKey == "" {
		return ErrNotConfigured
	}

	util.PaymentAttemptsTotal.WithLabelValues(operation).Inc()
	start := time.Now()
	defer func() {
		util.PaymentGatewayLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Key "+c.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(operation).Inc()
		return fmt.Errorf("khalti %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues(operation).Inc()
		return fmt.Errorf("failed to read khalti %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.PaymentFailedTotal.WithLabelValues(operation).Inc()
		return &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode khalti %s response: %w", operation, err)
	}
	return nil
}

func errorDetail(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(raw))
}

// ToPaisa converts rupees to the integer paisa amount Khalti expects
func ToPaisa(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
