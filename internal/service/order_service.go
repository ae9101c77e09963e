package service

import (
	"context"
	"fmt"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"
	"order-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultCountry      = "Nepal"
	estimatedDeliveryIn = 7 * 24 * time.Hour
)

// PolicyDefaults are the business rules applied when a request leaves them unset
type PolicyDefaults struct {
	CODLimit           decimal.Decimal
	ReturnWindowDays   int
	ExchangeWindowDays int
	OrderPrefix        string
	ExchangePrefix     string
	CheckoutLockTTL    time.Duration
	IdempotencyTTL     time.Duration
}

// OrderServiceDeps wires the order service. Locker and Idempotency are optional.
type OrderServiceDeps struct {
	Orders      OrderRepository
	Catalog     Catalog
	Carts       CartStore
	Users       UserDirectory
	Counters    CounterStore
	Tx          TxRunner
	Notifier    Notifier
	Events      EventPublisher
	Locker      Locker
	Idempotency IdempotencyStore
	Pricing     PricingConfig
	Policy      PolicyDefaults
	Clock       Clock
}

// OrderService handles order business logic
type OrderService struct {
	orders      OrderRepository
	catalog     Catalog
	carts       CartStore
	users       UserDirectory
	tx          TxRunner
	notifier    Notifier
	events      EventPublisher
	locker      Locker
	idempotency IdempotencyStore
	pricing     *PricingEngine
	numbers     *OrderNumberGenerator
	machine     *StateMachine
	policy      PolicyDefaults
	now         Clock
	logger      *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(deps OrderServiceDeps) *OrderService {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	policy := deps.Policy
	if policy.OrderPrefix == "" {
		policy.OrderPrefix = "ORD"
	}
	if policy.ExchangePrefix == "" {
		policy.ExchangePrefix = "EXCH"
	}

	return &OrderService{
		orders:      deps.Orders,
		catalog:     deps.Catalog,
		carts:       deps.Carts,
		users:       deps.Users,
		tx:          deps.Tx,
		notifier:    deps.Notifier,
		events:      deps.Events,
		locker:      deps.Locker,
		idempotency: deps.Idempotency,
		pricing:     NewPricingEngine(deps.Pricing),
		numbers:     NewOrderNumberGenerator(deps.Counters, deps.Orders, now),
		machine:     NewStateMachine(deps.Catalog, now),
		policy:      policy,
		now:         now,
		logger:      util.GetLogger(),
	}
}

// BusinessRulesInput overrides the default policy for one order
type BusinessRulesInput struct {
	CODLimit           *decimal.Decimal `json:"cod_limit,omitempty"`
	AllowCancellation  *bool            `json:"allow_cancellation,omitempty"`
	AllowReturn        *bool            `json:"allow_return,omitempty"`
	ReturnWindowDays   *int             `json:"return_window_days,omitempty"`
	AllowExchange      *bool            `json:"allow_exchange,omitempty"`
	ExchangeWindowDays *int             `json:"exchange_window_days,omitempty"`
}

// CreateOrderRequest represents a checkout of the caller's cart
type CreateOrderRequest struct {
	ShippingAddress      models.Address        `json:"shipping_address"`
	BillingAddress       *models.Address       `json:"billing_address,omitempty"`
	UseShippingAsBilling *bool                 `json:"use_shipping_as_billing,omitempty"`
	PaymentMethod        models.PaymentMethod  `json:"payment_method" binding:"required"`
	ShippingMethod       models.ShippingMethod `json:"shipping_method,omitempty"`
	BusinessRules        *BusinessRulesInput   `json:"business_rules,omitempty"`
	CustomerNotes        string                `json:"customer_notes,omitempty"`
	IdempotencyKey       string                `json:"-"`
}

// CreateOrder turns the user's cart into an order, reserving stock atomically
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateCreateRequest(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(apperror.KindValidation)).Inc()
		return nil, err
	}

	idemKey := userIdempotencyKey(userID, req.IdempotencyKey)
	if idemKey != "" && s.idempotency != nil {
		orderID, found, err := s.idempotency.GetIdempotentOrder(ctx, idemKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if found {
			existing, err := s.orders.GetOrder(ctx, orderID)
			if err != nil {
				return nil, err
			}
			if existing.UserID == userID {
				s.logger.Info("Duplicate order request detected",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.Int64("order_id", orderID))
				return existing, nil
			}
			s.logger.Warn("Idempotency key points at another user's order, ignoring",
				zap.Int64("user_id", userID),
				zap.Int64("order_id", orderID))
		}
	}

	if s.locker != nil {
		lockKey := fmt.Sprintf("checkout:user:%d", userID)
		token, ok, err := s.locker.AcquireLock(ctx, lockKey, s.policy.CheckoutLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
		}
		if !ok {
			util.OrdersFailedTotal.WithLabelValues(string(apperror.KindConflict)).Inc()
			return nil, apperror.Conflict("a checkout is already in progress for this user")
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), lockKey, token); err != nil {
				s.logger.Warn("Failed to release checkout lock", zap.Int64("user_id", userID), zap.Error(err))
			}
		}()
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var order *models.Order
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.placeOrder(ctx, userID, req)
		return err
	})
	util.OrderTxLatency.WithLabelValues("create_order").Observe(time.Since(start).Seconds())
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(apperror.KindOf(err))).Inc()
		util.RecordError(span, err)
		s.logger.Warn("Order creation failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.PaymentMethod), order.Source).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("short_order_id", order.ShortOrderID),
		zap.String("total", order.TotalAmount.String()))

	if idemKey != "" && s.idempotency != nil {
		if err := s.idempotency.SaveIdempotentOrder(ctx, idemKey, order.ID, s.policy.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to store idempotency key", zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		}
	}

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	s.publish(ctx, order.ID, &models.OrderCreatedEvent{
		BaseEvent:     s.newBaseEvent(models.EventTypeOrderCreated),
		OrderID:       order.ID,
		ShortOrderID:  order.ShortOrderID,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		Items:         items,
	})
	s.notify(ctx, models.Notification{Kind: models.NotifyOrderConfirmation, Order: order, User: user})

	return order, nil
}

// userIdempotencyKey scopes a client key to its user so keys never match across accounts
func userIdempotencyKey(userID int64, key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s", userID, key)
}

// placeOrder runs inside the checkout transaction
func (s *OrderService) placeOrder(ctx context.Context, userID int64, req *CreateOrderRequest) (*models.Order, error) {
	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(cart) == 0 {
		return nil, apperror.Validation("cart is empty")
	}

	items := make([]models.OrderItem, 0, len(cart))
	for _, line := range cart {
		if line.Quantity <= 0 {
			return nil, apperror.Validation("cart line %d has invalid quantity %d", line.ID, line.Quantity)
		}
		variant, err := s.catalog.GetVariant(ctx, line.VariantID)
		if err != nil {
			return nil, err
		}
		if variant.Status != models.VariantActive {
			return nil, apperror.Validation("variant %s is not available", variant.SKU)
		}
		if variant.Stock < line.Quantity {
			return nil, apperror.Validation("insufficient stock for %s: requested %d, available %d",
				variant.SKU, line.Quantity, variant.Stock)
		}
		items = append(items, s.newOrderItem(variant, line.Quantity))
	}

	totals := s.pricing.Totals(items)
	rules := s.resolveRules(req.BusinessRules)
	if req.PaymentMethod == models.PaymentCOD && totals.TotalAmount.GreaterThan(rules.CODLimit) {
		return nil, apperror.Validation("cash on delivery is only available for orders up to %s", rules.CODLimit.StringFixed(2))
	}

	numbers, err := s.numbers.Generate(ctx, s.policy.OrderPrefix)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		OrderNumber:          numbers.OrderNumber,
		ShortOrderID:         numbers.ShortOrderID,
		UserID:               userID,
		Items:                items,
		AmountPaid:           decimal.Zero,
		AmountRefunded:       decimal.Zero,
		OrderStatus:          models.StatusPending,
		PaymentStatus:        models.PaymentPending,
		PaymentMethod:        req.PaymentMethod,
		ShippingAddress:      withDefaultCountry(req.ShippingAddress),
		UseShippingAsBilling: useShippingAsBilling(req),
		BusinessRules:        rules,
		Shipping: models.ShippingInfo{
			Method:            shippingMethodOrDefault(req.ShippingMethod),
			EstimatedDelivery: now.Add(estimatedDeliveryIn),
		},
		CustomerNotes: req.CustomerNotes,
		Source:        models.SourceWeb,
		StockReserved: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	applyTotals(order, totals)

	if order.UseShippingAsBilling {
		order.BillingAddress = order.ShippingAddress
	} else {
		order.BillingAddress = withDefaultCountry(*req.BillingAddress)
	}

	note := "Order placed"
	if req.PaymentMethod == models.PaymentCOD {
		order.OrderStatus = models.StatusConfirmed
		order.ConfirmedAt = &now
		note = "Cash on delivery order placed and confirmed"
	}
	order.StatusHistory = []models.StatusHistoryEntry{{
		Status:    order.OrderStatus,
		Timestamp: now,
		ActorID:   userID,
		Notes:     note,
	}}

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range order.Items {
		if err := s.catalog.AdjustStock(ctx, item.VariantID, -item.Quantity); err != nil {
			return nil, err
		}
		util.StockAdjustmentsTotal.WithLabelValues("reserve").Inc()
	}

	if err := s.carts.ClearCart(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to clear cart: %w", err)
	}
	return order, nil
}

func (s *OrderService) newOrderItem(variant *models.Variant, quantity int) models.OrderItem {
	p := s.pricing.PriceItem(variant, quantity)
	return models.OrderItem{
		ProductID:      variant.ProductID,
		VariantID:      variant.ID,
		ProductName:    variant.ProductName,
		SKU:            variant.SKU,
		Size:           variant.Size,
		Color:          variant.Color,
		Quantity:       quantity,
		UnitPrice:      p.UnitPrice,
		SalePrice:      p.SalePrice,
		TotalPrice:     p.TotalPrice,
		DiscountAmount: p.DiscountAmount,
		TaxAmount:      p.TaxAmount,
		OriginalStock:  variant.Stock,
	}
}

func validateCreateRequest(req *CreateOrderRequest) error {
	if req == nil {
		return apperror.Validation("request body is required")
	}
	if !req.PaymentMethod.Valid() {
		return apperror.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	if req.ShippingMethod != "" && !req.ShippingMethod.Valid() {
		return apperror.Validation("unsupported shipping method %q", req.ShippingMethod)
	}
	if err := validateAddress("shipping", req.ShippingAddress); err != nil {
		return err
	}
	if !useShippingAsBilling(req) {
		if req.BillingAddress == nil {
			return apperror.Validation("billing address is required when not using the shipping address")
		}
		if err := validateAddress("billing", *req.BillingAddress); err != nil {
			return err
		}
	}
	return nil
}

func validateAddress(kind string, a models.Address) error {
	if a.IsZero() {
		return apperror.Validation("%s address is required", kind)
	}
	switch {
	case a.FullName == "":
		return apperror.Validation("%s address: full name is required", kind)
	case a.Phone == "":
		return apperror.Validation("%s address: phone is required", kind)
	case a.StreetAddress == "":
		return apperror.Validation("%s address: street address is required", kind)
	case a.City == "":
		return apperror.Validation("%s address: city is required", kind)
	}
	return nil
}

func useShippingAsBilling(req *CreateOrderRequest) bool {
	return req.UseShippingAsBilling == nil || *req.UseShippingAsBilling
}

func withDefaultCountry(a models.Address) models.Address {
	if a.Country == "" {
		a.Country = defaultCountry
	}
	return a
}

func shippingMethodOrDefault(m models.ShippingMethod) models.ShippingMethod {
	if m == "" {
		return models.ShippingStandard
	}
	return m
}

// resolveRules snapshots policy onto the order, request values first
func (s *OrderService) resolveRules(in *BusinessRulesInput) models.BusinessRules {
	rules := models.BusinessRules{
		CODLimit:           s.policy.CODLimit,
		AllowCancellation:  true,
		AllowReturn:        true,
		ReturnWindowDays:   s.policy.ReturnWindowDays,
		AllowExchange:      true,
		ExchangeWindowDays: s.policy.ExchangeWindowDays,
	}
	if in == nil {
		return rules
	}
	if in.CODLimit != nil && in.CODLimit.GreaterThan(decimal.Zero) {
		rules.CODLimit = *in.CODLimit
	}
	if in.AllowCancellation != nil {
		rules.AllowCancellation = *in.AllowCancellation
	}
	if in.AllowReturn != nil {
		rules.AllowReturn = *in.AllowReturn
	}
	if in.ReturnWindowDays != nil && *in.ReturnWindowDays > 0 {
		rules.ReturnWindowDays = *in.ReturnWindowDays
	}
	if in.AllowExchange != nil {
		rules.AllowExchange = *in.AllowExchange
	}
	if in.ExchangeWindowDays != nil && *in.ExchangeWindowDays > 0 {
		rules.ExchangeWindowDays = *in.ExchangeWindowDays
	}
	return rules
}

// UpdateOrderStatus moves an order through the state machine. Non-admins may
// only touch their own orders.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID, actorID int64, status models.OrderStatus, reason string, isAdmin bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus")
	defer span.End()

	var (
		order *models.Order
		from  models.OrderStatus
	)
	start := time.Now()
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !isAdmin && order.UserID != actorID {
			return apperror.NotFound("order %d not found", orderID)
		}
		from = order.OrderStatus

		if err := s.machine.Apply(ctx, order, Transition{
			To:      status,
			ActorID: actorID,
			IsAdmin: isAdmin,
			Reason:  reason,
		}); err != nil {
			return err
		}
		return s.orders.UpdateOrder(ctx, order)
	})
	util.OrderTxLatency.WithLabelValues("update_status").Observe(time.Since(start).Seconds())
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.afterTransition(ctx, order, from, actorID, reason)
	return order, nil
}

// CODPaymentRequest is the evidence a delivery agent submits on collection
type CODPaymentRequest struct {
	AmountReceived    decimal.Decimal `json:"amount_received"`
	DeliveryNotes     string          `json:"delivery_notes,omitempty"`
	AgentSignature    string          `json:"agent_signature"`
	CustomerSignature string          `json:"customer_signature"`
}

// ConfirmCODPayment records cash collected for a COD order
func (s *OrderService) ConfirmCODPayment(ctx context.Context, orderID, agentID int64, req *CODPaymentRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmCODPayment")
	defer span.End()

	if req == nil || !req.AmountReceived.GreaterThan(decimal.Zero) {
		return nil, apperror.Validation("amount received must be greater than zero")
	}
	if req.AgentSignature == "" || req.CustomerSignature == "" {
		return nil, apperror.Validation("agent and customer signatures are required")
	}

	var (
		order *models.Order
		from  models.OrderStatus
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.OrderStatus

		if order.PaymentMethod != models.PaymentCOD {
			return apperror.Validation("order %s is not a cash on delivery order", order.ShortOrderID)
		}
		if order.PaymentStatus == models.PaymentPaid {
			return apperror.Conflict("order %s is already paid", order.ShortOrderID)
		}
		switch order.OrderStatus {
		case models.StatusCancelled, models.StatusReturned, models.StatusRefunded, models.StatusExchanged:
			return apperror.Validation("cannot collect payment for a %s order", order.OrderStatus)
		}
		if req.AmountReceived.LessThan(order.TotalAmount) {
			return apperror.Validation("amount received %s is less than order total %s",
				req.AmountReceived.StringFixed(2), order.TotalAmount.StringFixed(2))
		}

		now := s.now()
		order.PaymentStatus = models.PaymentPaid
		order.AmountPaid = req.AmountReceived
		order.PaymentDetails.Gateway = string(models.PaymentCOD)
		order.PaymentDetails.PaidAt = &now
		order.CODDetails = &models.CODDetails{
			AmountReceived:    req.AmountReceived,
			DeliveryAgentID:   agentID,
			PaymentDate:       now,
			DeliveryNotes:     req.DeliveryNotes,
			AgentSignature:    req.AgentSignature,
			CustomerSignature: req.CustomerSignature,
		}
		order.UpdatedAt = now

		if order.OrderStatus == models.StatusPending {
			if err := s.machine.Apply(ctx, order, Transition{
				To:           models.StatusConfirmed,
				ActorID:      agentID,
				IsAdmin:      true,
				Reason:       "Cash on delivery payment collected",
				workflowStep: true,
			}); err != nil {
				return err
			}
		}
		return s.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	s.logger.Info("COD payment confirmed",
		zap.Int64("order_id", order.ID),
		zap.Int64("agent_id", agentID),
		zap.String("amount", req.AmountReceived.String()))

	s.publish(ctx, order.ID, &models.PaymentEvent{
		BaseEvent:     s.newBaseEvent(models.EventTypePaymentConfirmed),
		OrderID:       order.ID,
		Method:        order.PaymentMethod,
		Amount:        order.AmountPaid,
		PaymentStatus: order.PaymentStatus,
	})
	if from != order.OrderStatus {
		s.afterTransition(ctx, order, from, agentID, "Cash on delivery payment collected")
	}
	return order, nil
}

// GetOrder returns an order visible to the actor
func (s *OrderService) GetOrder(ctx context.Context, orderID, actorID int64, isAdmin bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && order.UserID != actorID {
		return nil, apperror.NotFound("order %d not found", orderID)
	}
	return order, nil
}

// OrderPage is one page of a user's orders
type OrderPage struct {
	Orders []*models.Order `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// ListUserOrders lists a user's orders, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, filter models.OrderFilter) (*OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListUserOrders")
	defer span.End()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperror.Validation("unknown order status %q", filter.Status)
	}

	orders, total, err := s.orders.ListOrdersByUser(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	limit, offset := filter.Window()
	return &OrderPage{
		Orders: orders,
		Total:  total,
		Page:   offset/limit + 1,
		Limit:  limit,
	}, nil
}

// GetOrderStatusFlow describes every status and its allowed successors
func (s *OrderService) GetOrderStatusFlow() StatusFlow {
	return BuildStatusFlow()
}

// afterTransition emits the event and customer notification for a committed move
func (s *OrderService) afterTransition(ctx context.Context, order *models.Order, from models.OrderStatus, actorID int64, reason string) {
	s.publish(ctx, order.ID, &models.OrderStatusChangedEvent{
		BaseEvent:    s.newBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:      order.ID,
		ShortOrderID: order.ShortOrderID,
		UserID:       order.UserID,
		From:         from,
		To:           order.OrderStatus,
		ActorID:      actorID,
		Reason:       reason,
	})
	s.notifyUser(ctx, models.Notification{
		Kind:           models.NotifyStatusChanged,
		Order:          order,
		PreviousStatus: from,
		Reason:         reason,
	})
}

// notifyUser loads the order's owner and sends n
func (s *OrderService) notifyUser(ctx context.Context, n models.Notification) {
	user, err := s.users.GetUser(ctx, n.Order.UserID)
	if err != nil {
		s.logger.Warn("Skipping notification, user lookup failed",
			zap.Int64("order_id", n.Order.ID),
			zap.Error(err))
		return
	}
	n.User = user
	s.notify(ctx, n)
}

func (s *OrderService) notify(ctx context.Context, n models.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.Warn("Failed to send notification",
			zap.String("kind", string(n.Kind)),
			zap.Int64("order_id", n.Order.ID),
			zap.Error(err))
	}
}

func (s *OrderService) publish(ctx context.Context, orderID int64, event interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, fmt.Sprintf("%d", orderID), event); err != nil {
		s.logger.Error("Failed to publish event", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *OrderService) newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: s.now(),
	}
}

// errWorkflowState reports that an order is not at the stage an operation needs
func errWorkflowState(order *models.Order, want models.OrderStatus) error {
	return apperror.Validation("order %s is %s, expected %s", order.ShortOrderID, order.OrderStatus, want)
}
