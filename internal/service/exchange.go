package service

import (
	"context"
	"fmt"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"
	"order-core/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExchangeItemRequest swaps one purchased line for a different variant
type ExchangeItemRequest struct {
	OriginalItemID int64  `json:"original_item_id"`
	NewProductID   int64  `json:"new_product_id"`
	NewVariantID   int64  `json:"new_variant_id"`
	NewQuantity    int    `json:"new_quantity"`
	Reason         string `json:"reason,omitempty"`
}

// ExchangeRequest is a customer's exchange request for a delivered order
type ExchangeRequest struct {
	ExchangeType   models.ExchangeType   `json:"exchange_type"`
	ExchangeReason string                `json:"exchange_reason"`
	ExchangeItems  []ExchangeItemRequest `json:"exchange_items"`
	CustomerNotes  string                `json:"customer_notes,omitempty"`
}

// ApproveExchangeRequest carries the admin's approval details
type ApproveExchangeRequest struct {
	AdminNotes             string `json:"admin_notes,omitempty"`
	ExchangeTrackingNumber string `json:"exchange_tracking_number,omitempty"`
	ExchangeCarrier        string `json:"exchange_carrier,omitempty"`
}

// RejectExchangeRequest carries the admin's rejection notes
type RejectExchangeRequest struct {
	AdminNotes string `json:"admin_notes,omitempty"`
}

// ExchangeApproval is the outcome of an approved exchange. Exactly one of
// CustomerPaymentRequired and CustomerRefundAmount is non-zero unless the
// price difference is zero.
type ExchangeApproval struct {
	OriginalOrder           *models.Order   `json:"original_order"`
	ExchangeOrder           *models.Order   `json:"exchange_order"`
	PriceDifference         decimal.Decimal `json:"price_difference"`
	CustomerPaymentRequired decimal.Decimal `json:"customer_payment_required"`
	CustomerRefundAmount    decimal.Decimal `json:"customer_refund_amount"`
}

// ExchangeCompletion is the outcome of a completed exchange
type ExchangeCompletion struct {
	OriginalOrder *models.Order `json:"original_order"`
	ExchangeOrder *models.Order `json:"exchange_order"`
}

// RequestExchange records a customer's exchange request on a delivered order
func (s *OrderService) RequestExchange(ctx context.Context, orderID, userID int64, req *ExchangeRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RequestExchange")
	defer span.End()

	if err := validateExchangeRequest(req); err != nil {
		return nil, err
	}

	var order *models.Order
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return apperror.NotFound("order %d not found", orderID)
		}

		now := s.now()
		if err := checkExchangeEligible(order, now); err != nil {
			return err
		}
		if err := checkWorkflowReplaceable(order); err != nil {
			return err
		}

		exchange := &models.Exchange{
			Status:        models.ExchangePending,
			Type:          req.ExchangeType,
			Reason:        req.ExchangeReason,
			CustomerNotes: req.CustomerNotes,
			RequestedBy:   userID,
			RequestedAt:   now,
		}

		seen := make(map[int64]bool, len(req.ExchangeItems))
		for _, in := range req.ExchangeItems {
			if seen[in.OriginalItemID] {
				return apperror.Validation("item %d appears more than once", in.OriginalItemID)
			}
			seen[in.OriginalItemID] = true

			original := findItem(order, in.OriginalItemID)
			if original == nil {
				return apperror.Validation("original item %d not found on order", in.OriginalItemID)
			}
			if in.NewQuantity > original.Quantity {
				return apperror.Validation("cannot exchange %d units of item %d, only %d purchased",
					in.NewQuantity, original.ID, original.Quantity)
			}

			variant, err := s.exchangeVariant(ctx, in.NewProductID, in.NewVariantID, in.NewQuantity)
			if err != nil {
				return err
			}
			p := s.pricing.PriceItem(variant, in.NewQuantity)

			exchange.Items = append(exchange.Items, models.ExchangeItem{
				OriginalItemID:    original.ID,
				OriginalProductID: original.ProductID,
				OriginalVariantID: original.VariantID,
				OriginalQuantity:  original.Quantity,
				OriginalTotal:     original.TotalPrice,
				NewProductID:      in.NewProductID,
				NewVariantID:      in.NewVariantID,
				NewQuantity:       in.NewQuantity,
				NewUnitPrice:      p.UnitPrice,
				NewTotal:          p.TotalPrice,
				Reason:            in.Reason,
			})
		}
		summarizeExchange(exchange)
		order.Workflow = exchange

		if err := s.machine.Apply(ctx, order, Transition{
			To:           models.StatusExchangeRequested,
			ActorID:      userID,
			Reason:       req.ExchangeReason,
			workflowStep: true,
		}); err != nil {
			return err
		}
		return s.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ex, _ := order.Exchange()
	util.ExchangesTotal.WithLabelValues(string(models.ExchangePending)).Inc()
	s.logger.Info("Exchange requested",
		zap.Int64("order_id", order.ID),
		zap.String("price_difference", ex.PriceDifference.String()))

	s.publishExchange(ctx, order, ex, models.EventTypeExchangeRequested)
	s.afterTransition(ctx, order, models.StatusDelivered, userID, req.ExchangeReason)
	return order, nil
}

// ApproveExchange reserves stock for the replacement items and creates the
// linked exchange order. The returned items' stock is restored on completion.
func (s *OrderService) ApproveExchange(ctx context.Context, orderID, adminID int64, req *ApproveExchangeRequest) (*ExchangeApproval, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ApproveExchange")
	defer span.End()

	if req == nil {
		req = &ApproveExchangeRequest{}
	}

	var (
		order   *models.Order
		derived *models.Order
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		ex, err := exchangeAt(order, models.StatusExchangeRequested, models.ExchangePending)
		if err != nil {
			return err
		}

		now := s.now()
		items := make([]models.OrderItem, 0, len(ex.Items))
		for i := range ex.Items {
			it := &ex.Items[i]
			variant, err := s.exchangeVariant(ctx, it.NewProductID, it.NewVariantID, it.NewQuantity)
			if err != nil {
				return err
			}
			item := s.newOrderItem(variant, it.NewQuantity)
			it.NewUnitPrice = item.UnitPrice
			it.NewTotal = item.TotalPrice
			items = append(items, item)
		}
		summarizeExchange(ex)

		numbers, err := s.numbers.Generate(ctx, s.policy.ExchangePrefix)
		if err != nil {
			return err
		}

		derived = s.newExchangeOrder(order, items, numbers, adminID, req, now)
		if ex.PriceDifference.GreaterThan(decimal.Zero) {
			derived.PaymentStatus = models.PaymentPending
		} else {
			derived.PaymentStatus = models.PaymentPaid
			derived.AmountPaid = derived.TotalAmount
		}

		if err := s.orders.CreateOrder(ctx, derived); err != nil {
			return fmt.Errorf("failed to create exchange order: %w", err)
		}
		for _, item := range derived.Items {
			if err := s.catalog.AdjustStock(ctx, item.VariantID, -item.Quantity); err != nil {
				return err
			}
			util.StockAdjustmentsTotal.WithLabelValues("reserve").Inc()
		}

		ex.Status = models.ExchangeApproved
		ex.ApprovedAt = &now
		ex.AdminNotes = req.AdminNotes
		ex.TrackingNumber = req.ExchangeTrackingNumber
		ex.Carrier = req.ExchangeCarrier
		ex.ExchangeOrderID = &derived.ID

		if err := s.machine.Apply(ctx, order, Transition{
			To:           models.StatusExchangeApproved,
			ActorID:      adminID,
			IsAdmin:      true,
			Reason:       req.AdminNotes,
			workflowStep: true,
		}); err != nil {
			return err
		}
		return s.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ex, _ := order.Exchange()
	result := &ExchangeApproval{
		OriginalOrder:           order,
		ExchangeOrder:           derived,
		PriceDifference:         ex.PriceDifference,
		CustomerPaymentRequired: decimal.Zero,
		CustomerRefundAmount:    decimal.Zero,
	}
	switch ex.PriceDifference.Sign() {
	case 1:
		result.CustomerPaymentRequired = ex.PriceDifference
	case -1:
		result.CustomerRefundAmount = ex.PriceDifference.Neg()
	}

	util.ExchangesTotal.WithLabelValues(string(models.ExchangeApproved)).Inc()
	s.logger.Info("Exchange approved",
		zap.Int64("order_id", order.ID),
		zap.Int64("exchange_order_id", derived.ID),
		zap.String("exchange_short_order_id", derived.ShortOrderID))

	s.publishExchange(ctx, order, ex, models.EventTypeExchangeApproved)
	s.afterTransition(ctx, order, models.StatusExchangeRequested, adminID, req.AdminNotes)
	return result, nil
}

// RejectExchange returns the order to delivered, keeping the rejected record
func (s *OrderService) RejectExchange(ctx context.Context, orderID, adminID int64, req *RejectExchangeRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RejectExchange")
	defer span.End()

	if req == nil {
		req = &RejectExchangeRequest{}
	}

	var order *models.Order
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		ex, err := exchangeAt(order, models.StatusExchangeRequested, models.ExchangePending)
		if err != nil {
			return err
		}

		now := s.now()
		ex.Status = models.ExchangeRejected
		ex.RejectedAt = &now
		ex.AdminNotes = req.AdminNotes

		if err := s.machine.Apply(ctx, order, Transition{
			To:           models.StatusDelivered,
			ActorID:      adminID,
			IsAdmin:      true,
			Reason:       req.AdminNotes,
			workflowStep: true,
		}); err != nil {
			return err
		}
		return s.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ex, _ := order.Exchange()
	util.ExchangesTotal.WithLabelValues(string(models.ExchangeRejected)).Inc()
	s.logger.Info("Exchange rejected", zap.Int64("order_id", order.ID))

	s.publishExchange(ctx, order, ex, models.EventTypeExchangeRejected)
	s.afterTransition(ctx, order, models.StatusExchangeRequested, adminID, req.AdminNotes)
	return order, nil
}

// CompleteExchange closes an approved exchange: the returned items go back to
// stock and the exchange order is confirmed. A second call fails on state.
func (s *OrderService) CompleteExchange(ctx context.Context, orderID, adminID int64) (*ExchangeCompletion, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CompleteExchange")
	defer span.End()

	var (
		order        *models.Order
		derived      *models.Order
		derivedPrior models.OrderStatus
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		ex, err := exchangeAt(order, models.StatusExchangeApproved, models.ExchangeApproved)
		if err != nil {
			return err
		}
		if ex.ExchangeOrderID == nil {
			return apperror.Validation("exchange on order %s has no exchange order", order.ShortOrderID)
		}

		now := s.now()
		for _, it := range ex.Items {
			if err := s.catalog.AdjustStock(ctx, it.OriginalVariantID, it.OriginalQuantity); err != nil {
				return fmt.Errorf("failed to restock variant %d: %w", it.OriginalVariantID, err)
			}
			util.StockAdjustmentsTotal.WithLabelValues("restore").Inc()
		}
		ex.Status = models.ExchangeCompleted
		ex.CompletedAt = &now

		if err := s.machine.Apply(ctx, order, Transition{
			To:           models.StatusExchanged,
			ActorID:      adminID,
			IsAdmin:      true,
			Reason:       "Exchange completed",
			workflowStep: true,
		}); err != nil {
			return err
		}
		if err := s.orders.UpdateOrder(ctx, order); err != nil {
			return err
		}

		derived, err = s.orders.GetOrderForUpdate(ctx, *ex.ExchangeOrderID)
		if err != nil {
			return fmt.Errorf("failed to load exchange order: %w", err)
		}
		derivedPrior = derived.OrderStatus
		if ex.PriceDifference.LessThanOrEqual(decimal.Zero) {
			derived.PaymentStatus = models.PaymentPaid
			derived.AmountPaid = derived.TotalAmount
		}
		if derived.OrderStatus == models.StatusPending {
			if err := s.machine.Apply(ctx, derived, Transition{
				To:           models.StatusConfirmed,
				ActorID:      adminID,
				IsAdmin:      true,
				Reason:       fmt.Sprintf("Exchange for order %s completed", order.ShortOrderID),
				workflowStep: true,
			}); err != nil {
				return err
			}
		}
		return s.orders.UpdateOrder(ctx, derived)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ex, _ := order.Exchange()
	util.ExchangesTotal.WithLabelValues(string(models.ExchangeCompleted)).Inc()
	s.logger.Info("Exchange completed",
		zap.Int64("order_id", order.ID),
		zap.Int64("exchange_order_id", derived.ID))

	s.publishExchange(ctx, order, ex, models.EventTypeExchangeCompleted)
	s.afterTransition(ctx, order, models.StatusExchangeApproved, adminID, "Exchange completed")
	if derivedPrior != derived.OrderStatus {
		s.afterTransition(ctx, derived, derivedPrior, adminID, "Exchange order confirmed")
	}
	return &ExchangeCompletion{OriginalOrder: order, ExchangeOrder: derived}, nil
}

// exchangeVariant loads a replacement variant and checks it can be shipped
func (s *OrderService) exchangeVariant(ctx context.Context, productID, variantID int64, quantity int) (*models.Variant, error) {
	variant, err := s.catalog.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if variant.ProductID != productID {
		return nil, apperror.Validation("variant %d does not belong to product %d", variantID, productID)
	}
	if variant.Status != models.VariantActive {
		return nil, apperror.Validation("variant %s is not available", variant.SKU)
	}
	if variant.Stock < quantity {
		return nil, apperror.Validation("insufficient stock for %s: requested %d, available %d",
			variant.SKU, quantity, variant.Stock)
	}
	return variant, nil
}

func (s *OrderService) newExchangeOrder(parent *models.Order, items []models.OrderItem, numbers OrderNumbers, adminID int64, req *ApproveExchangeRequest, now time.Time) *models.Order {
	parentID := parent.ID
	order := &models.Order{
		OrderNumber:          numbers.OrderNumber,
		ShortOrderID:         numbers.ShortOrderID,
		UserID:               parent.UserID,
		Items:                items,
		AmountPaid:           decimal.Zero,
		AmountRefunded:       decimal.Zero,
		OrderStatus:          models.StatusPending,
		PaymentMethod:        models.PaymentCOD,
		ShippingAddress:      parent.ShippingAddress,
		BillingAddress:       parent.BillingAddress,
		UseShippingAsBilling: parent.UseShippingAsBilling,
		BusinessRules:        parent.BusinessRules,
		Shipping: models.ShippingInfo{
			Method:            parent.Shipping.Method,
			EstimatedDelivery: now.Add(estimatedDeliveryIn),
			TrackingNumber:    req.ExchangeTrackingNumber,
			Carrier:           req.ExchangeCarrier,
		},
		CustomerNotes: fmt.Sprintf("Exchange for order %s", parent.ShortOrderID),
		InternalNotes: req.AdminNotes,
		Source:        models.SourceExchange,
		ParentOrderID: &parentID,
		StockReserved: true,
		CreatedAt:     now,
		UpdatedAt:     now,
		StatusHistory: []models.StatusHistoryEntry{{
			Status:    models.StatusPending,
			Timestamp: now,
			ActorID:   adminID,
			Notes:     fmt.Sprintf("Exchange order created for %s", parent.ShortOrderID),
		}},
	}
	applyTotals(order, s.pricing.Totals(items))
	return order
}

// summarizeExchange recomputes the exchange totals from its items. Both sides
// are pre-tax line totals.
func summarizeExchange(ex *models.Exchange) {
	original, replacement := decimal.Zero, decimal.Zero
	for _, it := range ex.Items {
		original = original.Add(it.OriginalTotal)
		replacement = replacement.Add(it.NewTotal)
	}
	ex.OriginalTotal = original
	ex.NewTotal = replacement
	ex.PriceDifference = replacement.Sub(original)
}

// exchangeAt returns the order's exchange when both the order and the exchange
// are at the expected stage
func exchangeAt(order *models.Order, status models.OrderStatus, stage models.ExchangeStatus) (*models.Exchange, error) {
	if order.OrderStatus != status {
		return nil, errWorkflowState(order, status)
	}
	ex, ok := order.Exchange()
	if !ok || ex.Status != stage {
		return nil, apperror.Validation("order %s has no %s exchange", order.ShortOrderID, stage)
	}
	return ex, nil
}

// checkWorkflowReplaceable allows a new exchange only on an order with no
// workflow or a rejected exchange
func checkWorkflowReplaceable(order *models.Order) error {
	if order.Workflow == nil {
		return nil
	}
	if ex, ok := order.Exchange(); ok && ex.Status == models.ExchangeRejected {
		return nil
	}
	return apperror.Validation("order %s already has an active %s workflow", order.ShortOrderID, order.Workflow.Kind())
}

func findItem(order *models.Order, itemID int64) *models.OrderItem {
	for i := range order.Items {
		if order.Items[i].ID == itemID {
			return &order.Items[i]
		}
	}
	return nil
}

func validateExchangeRequest(req *ExchangeRequest) error {
	if req == nil {
		return apperror.Validation("request body is required")
	}
	switch req.ExchangeType {
	case models.ExchangeTypeSize, models.ExchangeTypeColor, models.ExchangeTypeProduct:
	default:
		return apperror.Validation("unsupported exchange type %q", req.ExchangeType)
	}
	if req.ExchangeReason == "" {
		return apperror.Validation("exchange reason is required")
	}
	if len(req.ExchangeItems) == 0 {
		return apperror.Validation("at least one exchange item is required")
	}
	for i, it := range req.ExchangeItems {
		if it.OriginalItemID == 0 || it.NewProductID == 0 || it.NewVariantID == 0 {
			return apperror.Validation("exchange item %d: original item, new product and new variant are required", i+1)
		}
		if it.NewQuantity <= 0 {
			return apperror.Validation("exchange item %d: quantity must be positive", i+1)
		}
	}
	return nil
}

func (s *OrderService) publishExchange(ctx context.Context, order *models.Order, ex *models.Exchange, eventType string) {
	s.publish(ctx, order.ID, &models.ExchangeEvent{
		BaseEvent:       s.newBaseEvent(eventType),
		OrderID:         order.ID,
		ExchangeOrderID: ex.ExchangeOrderID,
		Stage:           ex.Status,
		PriceDifference: ex.PriceDifference,
	})
}
