package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"order-core/internal/models"
	"order-core/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// OrderOperations is the order core as seen by the HTTP layer
type OrderOperations interface {
	CreateOrder(ctx context.Context, userID int64, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID, actorID int64, isAdmin bool) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID int64, filter models.OrderFilter) (*service.OrderPage, error)
	UpdateOrderStatus(ctx context.Context, orderID, actorID int64, status models.OrderStatus, reason string, isAdmin bool) (*models.Order, error)
	RequestExchange(ctx context.Context, orderID, userID int64, req *service.ExchangeRequest) (*models.Order, error)
	ApproveExchange(ctx context.Context, orderID, adminID int64, req *service.ApproveExchangeRequest) (*service.ExchangeApproval, error)
	RejectExchange(ctx context.Context, orderID, adminID int64, req *service.RejectExchangeRequest) (*models.Order, error)
	CompleteExchange(ctx context.Context, orderID, adminID int64) (*service.ExchangeCompletion, error)
	ConfirmCODPayment(ctx context.Context, orderID, agentID int64, req *service.CODPaymentRequest) (*models.Order, error)
	GetOrderStatusFlow() service.StatusFlow
}

// PaymentOperations settles Khalti payments
type PaymentOperations interface {
	InitiateKhaltiPayment(ctx context.Context, orderID, userID int64) (*service.InitiateResult, error)
	VerifyKhaltiPayment(ctx context.Context, pidx string) (*service.VerifyResult, error)
	RefundKhaltiPayment(ctx context.Context, orderID, adminID int64, amount decimal.Decimal, reason string) (*service.RefundResult, error)
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders   OrderOperations
	payments PaymentOperations
	checks   map[string]Pinger
}

// NewHandler creates a new HTTP handler. checks are probed by /ready.
func NewHandler(orders OrderOperations, payments PaymentOperations, checks map[string]Pinger) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		checks:   checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", identity())
	{
		orders := v1.Group("/orders")
		orders.POST("", h.createOrder)
		orders.GET("", h.listOrders)
		orders.GET("/status-flow", h.statusFlow)
		orders.GET("/:id", h.getOrder)
		orders.PATCH("/:id/status", h.updateStatus)
		orders.POST("/:id/exchange", h.requestExchange)

		admin := orders.Group("", requireAdmin())
		admin.POST("/:id/exchange/approve", h.approveExchange)
		admin.POST("/:id/exchange/reject", h.rejectExchange)
		admin.POST("/:id/exchange/complete", h.completeExchange)
		admin.POST("/:id/cod/confirm", h.confirmCOD)

		payments := v1.Group("/payments/khalti")
		payments.POST("/initiate", h.initiateKhalti)
		payments.GET("/verify", h.verifyKhalti)
		payments.POST("/refund", requireAdmin(), h.refundKhalti)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder checks out the caller's cart
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	order, err := h.orders.CreateOrder(c.Request.Context(), userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// listOrders pages through the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	filter := models.OrderFilter{
		Status: models.OrderStatus(c.Query("status")),
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
	}

	page, err := h.orders.ListUserOrders(c.Request.Context(), userID(c), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *Handler) statusFlow(c *gin.Context) {
	c.JSON(http.StatusOK, h.orders.GetOrderStatusFlow())
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), orderID, userID(c), isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
	Reason string             `json:"reason"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.orders.UpdateOrderStatus(c.Request.Context(), orderID, userID(c), req.Status, req.Reason, isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) requestExchange(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req service.ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.orders.RequestExchange(c.Request.Context(), orderID, userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (h *Handler) approveExchange(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req service.ApproveExchangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	approval, err := h.orders.ApproveExchange(c.Request.Context(), orderID, userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, approval)
}

func (h *Handler) rejectExchange(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req service.RejectExchangeRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	order, err := h.orders.RejectExchange(c.Request.Context(), orderID, userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) completeExchange(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	completion, err := h.orders.CompleteExchange(c.Request.Context(), orderID, userID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, completion)
}

func (h *Handler) confirmCOD(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}
	var req service.CODPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	order, err := h.orders.ConfirmCODPayment(c.Request.Context(), orderID, userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
			"kind":  "validation",
		})
		return 0, false
	}
	return orderID, true
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

// bindOptionalJSON accepts an empty body for requests whose fields are all optional
func bindOptionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "Invalid request body", err)
		return false
	}
	return true
}
