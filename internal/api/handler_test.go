package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"order-core/internal/apperror"
	"order-core/internal/models"
	"order-core/internal/service"
	"order-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	op      string
	orderID int64
	actorID int64
	isAdmin bool
}

type stubOrders struct {
	calls   []call
	err     error
	order   *models.Order
	create  *service.CreateOrderRequest
	filter  models.OrderFilter
	status  models.OrderStatus
	exReq   *service.ExchangeRequest
	codReq  *service.CODPaymentRequest
	approve *service.ApproveExchangeRequest
}

func (s *stubOrders) record(op string, orderID, actorID int64, admin bool) (*models.Order, error) {
	s.calls = append(s.calls, call{op: op, orderID: orderID, actorID: actorID, isAdmin: admin})
	if s.err != nil {
		return nil, s.err
	}
	if s.order != nil {
		return s.order, nil
	}
	return &models.Order{ID: orderID, UserID: actorID}, nil
}

func (s *stubOrders) CreateOrder(ctx context.Context, userID int64, req *service.CreateOrderRequest) (*models.Order, error) {
	s.create = req
	return s.record("create", 0, userID, false)
}

func (s *stubOrders) GetOrder(ctx context.Context, orderID, actorID int64, isAdmin bool) (*models.Order, error) {
	return s.record("get", orderID, actorID, isAdmin)
}

func (s *stubOrders) ListUserOrders(ctx context.Context, userID int64, filter models.OrderFilter) (*service.OrderPage, error) {
	s.filter = filter
	if _, err := s.record("list", 0, userID, false); err != nil {
		return nil, err
	}
	return &service.OrderPage{Orders: []*models.Order{}, Page: 1, Limit: 10}, nil
}

func (s *stubOrders) UpdateOrderStatus(ctx context.Context, orderID, actorID int64, status models.OrderStatus, reason string, isAdmin bool) (*models.Order, error) {
	s.status = status
	return s.record("status", orderID, actorID, isAdmin)
}

func (s *stubOrders) RequestExchange(ctx context.Context, orderID, userID int64, req *service.ExchangeRequest) (*models.Order, error) {
	s.exReq = req
	return s.record("exchange", orderID, userID, false)
}

func (s *stubOrders) ApproveExchange(ctx context.Context, orderID, adminID int64, req *service.ApproveExchangeRequest) (*service.ExchangeApproval, error) {
	s.approve = req
	order, err := s.record("approve", orderID, adminID, true)
	if err != nil {
		return nil, err
	}
	return &service.ExchangeApproval{OriginalOrder: order}, nil
}

func (s *stubOrders) RejectExchange(ctx context.Context, orderID, adminID int64, req *service.RejectExchangeRequest) (*models.Order, error) {
	return s.record("reject", orderID, adminID, true)
}

func (s *stubOrders) CompleteExchange(ctx context.Context, orderID, adminID int64) (*service.ExchangeCompletion, error) {
	order, err := s.record("complete", orderID, adminID, true)
	if err != nil {
		return nil, err
	}
	return &service.ExchangeCompletion{OriginalOrder: order}, nil
}

func (s *stubOrders) ConfirmCODPayment(ctx context.Context, orderID, agentID int64, req *service.CODPaymentRequest) (*models.Order, error) {
	s.codReq = req
	return s.record("cod", orderID, agentID, true)
}

func (s *stubOrders) GetOrderStatusFlow() service.StatusFlow {
	return service.BuildStatusFlow()
}

type stubPayments struct {
	err      error
	refunded decimal.Decimal
	pidx     string
}

func (s *stubPayments) InitiateKhaltiPayment(ctx context.Context, orderID, userID int64) (*service.InitiateResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &service.InitiateResult{OrderID: orderID, Pidx: "px-1", PaymentURL: "https://pay.khalti.com/px-1"}, nil
}

func (s *stubPayments) VerifyKhaltiPayment(ctx context.Context, pidx string) (*service.VerifyResult, error) {
	s.pidx = pidx
	if s.err != nil {
		return nil, s.err
	}
	return &service.VerifyResult{OrderID: 5, Status: "Completed"}, nil
}

func (s *stubPayments) RefundKhaltiPayment(ctx context.Context, orderID, adminID int64, amount decimal.Decimal, reason string) (*service.RefundResult, error) {
	s.refunded = amount
	if s.err != nil {
		return nil, s.err
	}
	return &service.RefundResult{Amount: amount, ProcessedBy: adminID}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(orders *stubOrders, payments *stubPayments, checks map[string]Pinger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	util.SetLogger(zap.NewNop())
	router := gin.New()
	NewHandler(orders, payments, checks).SetupRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var (
	asUser  = map[string]string{"X-User-ID": "7"}
	asAdmin = map[string]string{"X-User-ID": "1", "X-User-Role": "admin"}
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(&stubOrders{}, &stubPayments{}, nil)

	w := doRequest(router, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeBody(t, w)["status"])
}

func TestReadinessReportsFailedDependency(t *testing.T) {
	router := newTestRouter(&stubOrders{}, &stubPayments{}, map[string]Pinger{
		"postgres": stubPinger{},
		"redis":    stubPinger{err: errors.New("connection refused")},
	})

	w := doRequest(router, http.MethodGet, "/ready", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	failed := decodeBody(t, w)["failed"].(map[string]interface{})
	assert.Equal(t, "connection refused", failed["redis"])
	assert.NotContains(t, failed, "postgres")
}

func TestIdentityRequired(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	for _, headers := range []map[string]string{nil, {"X-User-ID": "abc"}, {"X-User-ID": "-3"}} {
		w := doRequest(router, http.MethodGet, "/api/v1/orders", "", headers)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
	assert.Empty(t, orders.calls)
}

func TestCreateOrderPassesIdempotencyKey(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)
	headers := map[string]string{"X-User-ID": "7", "Idempotency-Key": "checkout-abc"}

	w := doRequest(router, http.MethodPost, "/api/v1/orders",
		`{"payment_method":"cod","shipping_address":{"full_name":"Sita Sharma","phone":"9800000001","street_address":"Thamel","city":"Kathmandu"}}`,
		headers)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, orders.create)
	assert.Equal(t, "checkout-abc", orders.create.IdempotencyKey)
	assert.Equal(t, models.PaymentCOD, orders.create.PaymentMethod)
	assert.Equal(t, int64(7), orders.calls[0].actorID)
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/orders", `{"payment_method":`, asUser)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, orders.calls)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		msg  string
	}{
		{"not found", apperror.NotFound("order 9 not found"), http.StatusNotFound, "order 9 not found"},
		{"validation", apperror.Validation("cart is empty"), http.StatusBadRequest, "cart is empty"},
		{"conflict", apperror.Conflict("checkout in progress"), http.StatusConflict, "checkout in progress"},
		{"forbidden", apperror.Forbidden("not yours"), http.StatusForbidden, "not yours"},
		{"external", apperror.External(errors.New("timeout"), "khalti failed"), http.StatusBadGateway, "khalti failed: timeout"},
		{"internal hides cause", apperror.Internal(errors.New("pq: deadlock"), "save order"), http.StatusInternalServerError, "Internal server error"},
		{"untyped", errors.New("boom"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&stubOrders{err: tt.err}, &stubPayments{}, nil)

			w := doRequest(router, http.MethodGet, "/api/v1/orders/9", "", asUser)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.msg, decodeBody(t, w)["error"])
		})
	}
}

func TestGetOrderPassesRole(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	doRequest(router, http.MethodGet, "/api/v1/orders/12", "", asUser)
	doRequest(router, http.MethodGet, "/api/v1/orders/12", "", asAdmin)

	require.Len(t, orders.calls, 2)
	assert.Equal(t, call{op: "get", orderID: 12, actorID: 7, isAdmin: false}, orders.calls[0])
	assert.Equal(t, call{op: "get", orderID: 12, actorID: 1, isAdmin: true}, orders.calls[1])
}

func TestInvalidOrderID(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/orders/abc", "", asUser)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, orders.calls)
}

func TestListOrdersParsesQuery(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/orders?status=shipped&page=2&limit=5", "", asUser)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderFilter{Status: models.StatusShipped, Page: 2, Limit: 5}, orders.filter)
}

func TestStatusFlowRoute(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/orders/status-flow", "", asUser)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decodeBody(t, w), "transitions")
	assert.Empty(t, orders.calls)
}

func TestUpdateStatus(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPatch, "/api/v1/orders/3/status", `{"status":"cancelled","reason":"changed my mind"}`, asUser)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCancelled, orders.status)

	w = doRequest(router, http.MethodPatch, "/api/v1/orders/3/status", `{}`, asUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestExchange(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/orders/3/exchange",
		`{"exchange_type":"size","exchange_reason":"too small","exchange_items":[{"original_item_id":1,"new_product_id":10,"new_variant_id":2,"new_quantity":1}]}`,
		asUser)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, orders.exReq)
	assert.Equal(t, models.ExchangeTypeSize, orders.exReq.ExchangeType)
	require.Len(t, orders.exReq.ExchangeItems, 1)
	assert.Equal(t, int64(2), orders.exReq.ExchangeItems[0].NewVariantID)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	paths := []string{
		"/api/v1/orders/3/exchange/approve",
		"/api/v1/orders/3/exchange/reject",
		"/api/v1/orders/3/exchange/complete",
		"/api/v1/orders/3/cod/confirm",
		"/api/v1/payments/khalti/refund",
	}
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	for _, path := range paths {
		w := doRequest(router, http.MethodPost, path, `{}`, asUser)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	assert.Empty(t, orders.calls)
}

func TestApproveExchangeAcceptsEmptyBody(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/orders/3/exchange/approve", "", asAdmin)

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, orders.calls, 1)
	assert.Equal(t, int64(1), orders.calls[0].actorID)
	assert.NotNil(t, orders.approve)
}

func TestCompleteExchange(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/orders/3/exchange/complete", "", asAdmin)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "complete", orders.calls[0].op)
}

func TestConfirmCOD(t *testing.T) {
	orders := &stubOrders{}
	router := newTestRouter(orders, &stubPayments{}, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/orders/3/cod/confirm",
		`{"amount_received":"2712.00","agent_signature":"agent","customer_signature":"sita"}`, asAdmin)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, orders.codReq)
	assert.True(t, orders.codReq.AmountReceived.Equal(decimal.RequireFromString("2712")))
}

func TestKhaltiRoutes(t *testing.T) {
	payments := &stubPayments{}
	router := newTestRouter(&stubOrders{}, payments, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/payments/khalti/initiate", `{"order_id":5}`, asUser)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "px-1", decodeBody(t, w)["pidx"])

	w = doRequest(router, http.MethodGet, "/api/v1/payments/khalti/verify", "", asUser)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/payments/khalti/verify?pidx=px-1", "", asUser)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "px-1", payments.pidx)

	w = doRequest(router, http.MethodPost, "/api/v1/payments/khalti/refund", `{"order_id":5,"amount":100.5,"reason":"damaged"}`, asAdmin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, payments.refunded.Equal(decimal.RequireFromString("100.5")))
}

func TestKhaltiGatewayErrorIsBadGateway(t *testing.T) {
	payments := &stubPayments{err: apperror.External(errors.New("Invalid token."), "khalti initiate failed")}
	router := newTestRouter(&stubOrders{}, payments, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/payments/khalti/initiate", `{"order_id":5}`, asUser)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "external_service", decodeBody(t, w)["kind"])
}
