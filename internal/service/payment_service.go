package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"order-core/internal/apperror"
	"order-core/internal/khalti"
	"order-core/internal/models"
	"order-core/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService settles Khalti payments for orders
type PaymentService struct {
	orders  *OrderService
	gateway PaymentGateway
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(orders *OrderService, gateway PaymentGateway) *PaymentService {
	return &PaymentService{
		orders:  orders,
		gateway: gateway,
		logger:  util.GetLogger(),
	}
}

// InitiateResult tells the client where to pay
type InitiateResult struct {
	OrderID    int64           `json:"order_id"`
	Pidx       string          `json:"pidx"`
	PaymentURL string          `json:"payment_url"`
	Amount     decimal.Decimal `json:"amount"`
}

// VerifyResult is the settled state of a Khalti payment
type VerifyResult struct {
	OrderID       int64           `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// RefundResult is the outcome of a refund
type RefundResult struct {
	RefundID      string               `json:"refund_id"`
	Status        string               `json:"status"`
	Amount        decimal.Decimal      `json:"amount"`
	Reason        string               `json:"reason,omitempty"`
	TotalRefunded decimal.Decimal      `json:"total_refunded"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	ProcessedBy   int64                `json:"processed_by"`
}

// InitiateKhaltiPayment registers the order's total with Khalti
func (ps *PaymentService) InitiateKhaltiPayment(ctx context.Context, orderID, userID int64) (*InitiateResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiateKhaltiPayment")
	defer span.End()

	util.PaymentAttemptsTotal.WithLabelValues("initiate").Inc()

	order, err := ps.orders.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperror.Forbidden("order %d does not belong to this user", orderID)
	}
	if order.PaymentStatus == models.PaymentPaid {
		return nil, apperror.Conflict("order %s is already paid", order.ShortOrderID)
	}
	if order.PaymentMethod == models.PaymentCOD {
		return nil, apperror.Validation("order %s is a cash on delivery order", order.ShortOrderID)
	}
	if order.OrderStatus == models.StatusCancelled {
		return nil, apperror.Validation("order %s is cancelled", order.ShortOrderID)
	}

	user, err := ps.orders.users.GetUser(ctx, order.UserID)
	if err != nil {
		return nil, err
	}

	resp, err := ps.gateway.Initiate(ctx, khalti.InitiateRequest{
		PurchaseOrderID:   strconv.FormatInt(order.ID, 10),
		PurchaseOrderName: fmt.Sprintf("Order %s", order.ShortOrderID),
		Amount:            order.TotalAmount,
		Customer: khalti.CustomerInfo{
			Name:  user.Name,
			Email: user.Email,
			Phone: user.Phone,
		},
	})
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("initiate").Inc()
		util.RecordError(span, err)
		return nil, gatewayError(err, "khalti initiation failed")
	}

	err = ps.orders.tx.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := ps.orders.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		locked.PaymentDetails.Gateway = string(models.PaymentKhalti)
		locked.PaymentDetails.Pidx = resp.Pidx
		locked.UpdatedAt = ps.orders.now()
		return ps.orders.orders.UpdateOrder(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	ps.logger.Info("Khalti payment initiated",
		zap.Int64("order_id", order.ID),
		zap.String("pidx", resp.Pidx))

	return &InitiateResult{
		OrderID:    order.ID,
		Pidx:       resp.Pidx,
		PaymentURL: resp.PaymentURL,
		Amount:     order.TotalAmount,
	}, nil
}

// VerifyKhaltiPayment marks the order paid once Khalti reports completion
func (ps *PaymentService) VerifyKhaltiPayment(ctx context.Context, pidx string) (*VerifyResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyKhaltiPayment")
	defer span.End()

	if pidx == "" {
		return nil, apperror.Validation("pidx is required")
	}
	util.PaymentAttemptsTotal.WithLabelValues("verify").Inc()

	lookup, err := ps.gateway.Lookup(ctx, pidx)
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("verify").Inc()
		util.RecordError(span, err)
		return nil, gatewayError(err, "khalti verification failed")
	}
	if lookup.Status != khalti.StatusCompleted {
		util.PaymentFailedTotal.WithLabelValues("verify").Inc()
		return nil, apperror.Validation("payment verification failed: status is %s", lookup.Status)
	}

	var (
		order *models.Order
		from  models.OrderStatus
	)
	err = ps.orders.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = ps.orders.orders.GetOrderByPidxForUpdate(ctx, pidx)
		if err != nil {
			return err
		}
		from = order.OrderStatus
		if order.PaymentStatus == models.PaymentPaid {
			return apperror.Conflict("order %s is already paid", order.ShortOrderID)
		}
		if want := khalti.ToPaisa(order.TotalAmount); lookup.TotalAmount < want {
			return apperror.Validation("khalti reported %d paisa, order %s requires %d", lookup.TotalAmount, order.ShortOrderID, want)
		}

		now := ps.orders.now()
		order.PaymentStatus = models.PaymentPaid
		order.AmountPaid = order.TotalAmount
		order.PaymentDetails.Gateway = string(models.PaymentKhalti)
		order.PaymentDetails.TransactionID = lookup.TransactionID
		order.PaymentDetails.PaidAt = &now
		order.UpdatedAt = now

		if order.OrderStatus == models.StatusPending {
			if err := ps.orders.machine.Apply(ctx, order, Transition{
				To:           models.StatusConfirmed,
				ActorID:      order.UserID,
				Reason:       "Khalti payment verified",
				workflowStep: true,
			}); err != nil {
				return err
			}
		} else {
			ps.logger.Warn("Khalti payment settled for non-pending order",
				zap.Int64("order_id", order.ID),
				zap.String("status", string(order.OrderStatus)))
		}
		return ps.orders.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	ps.logger.Info("Khalti payment verified",
		zap.Int64("order_id", order.ID),
		zap.String("transaction_id", lookup.TransactionID))

	ps.orders.publish(ctx, order.ID, &models.PaymentEvent{
		BaseEvent:     ps.orders.newBaseEvent(models.EventTypePaymentConfirmed),
		OrderID:       order.ID,
		Method:        models.PaymentKhalti,
		Amount:        order.AmountPaid,
		TransactionID: lookup.TransactionID,
		PaymentStatus: order.PaymentStatus,
	})
	ps.orders.notifyUser(ctx, models.Notification{Kind: models.NotifyOrderConfirmation, Order: order})
	if from != order.OrderStatus {
		ps.orders.publish(ctx, order.ID, &models.OrderStatusChangedEvent{
			BaseEvent:    ps.orders.newBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:      order.ID,
			ShortOrderID: order.ShortOrderID,
			UserID:       order.UserID,
			From:         from,
			To:           order.OrderStatus,
			ActorID:      order.UserID,
			Reason:       "Khalti payment verified",
		})
	}

	return &VerifyResult{
		OrderID:       order.ID,
		TransactionID: lookup.TransactionID,
		Status:        lookup.Status,
		TotalAmount:   decimal.New(lookup.TotalAmount, -2),
	}, nil
}

// RefundKhaltiPayment refunds part or all of what was paid. A full refund
// moves the order to refunded.
func (ps *PaymentService) RefundKhaltiPayment(ctx context.Context, orderID, adminID int64, amount decimal.Decimal, reason string) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.RefundKhaltiPayment")
	defer span.End()

	if !amount.GreaterThan(decimal.Zero) {
		return nil, apperror.Validation("refund amount must be greater than 0")
	}
	util.PaymentAttemptsTotal.WithLabelValues("refund").Inc()

	order, err := ps.orders.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pidx, err := refundable(order, amount)
	if err != nil {
		return nil, err
	}

	resp, err := ps.gateway.Refund(ctx, khalti.RefundRequest{Pidx: pidx, Amount: amount, Reason: reason})
	if err != nil {
		util.PaymentFailedTotal.WithLabelValues("refund").Inc()
		util.RecordError(span, err)
		return nil, gatewayError(err, "khalti refund failed")
	}

	var from models.OrderStatus
	err = ps.orders.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = ps.orders.orders.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		from = order.OrderStatus
		if _, err := refundable(order, amount); err != nil {
			return err
		}

		now := ps.orders.now()
		order.AmountRefunded = order.AmountRefunded.Add(amount)
		order.PaymentDetails.RefundedAt = &now
		order.PaymentDetails.RefundReason = reason
		order.UpdatedAt = now

		if order.AmountRefunded.LessThan(order.AmountPaid) {
			order.PaymentStatus = models.PaymentPartiallyRefunded
			return ps.orders.orders.UpdateOrder(ctx, order)
		}

		order.PaymentStatus = models.PaymentRefunded
		if order.OrderStatus != models.StatusRefunded {
			if err := ps.orders.machine.Apply(ctx, order, Transition{
				To:           models.StatusRefunded,
				ActorID:      adminID,
				IsAdmin:      true,
				Reason:       reason,
				workflowStep: true,
			}); err != nil {
				return err
			}
		}
		return ps.orders.orders.UpdateOrder(ctx, order)
	})
	if err != nil {
		// The gateway has already moved the money; this needs manual reconciliation.
		ps.logger.Error("Refund issued but order update failed",
			zap.Int64("order_id", orderID),
			zap.String("refund_id", resp.RefundID),
			zap.Error(err))
		util.RecordError(span, err)
		return nil, err
	}

	ps.logger.Info("Khalti refund processed",
		zap.Int64("order_id", order.ID),
		zap.Int64("admin_id", adminID),
		zap.String("amount", amount.String()),
		zap.String("payment_status", string(order.PaymentStatus)))

	ps.orders.publish(ctx, order.ID, &models.PaymentEvent{
		BaseEvent:     ps.orders.newBaseEvent(models.EventTypePaymentRefunded),
		OrderID:       order.ID,
		Method:        order.PaymentMethod,
		Amount:        amount,
		TransactionID: resp.RefundID,
		PaymentStatus: order.PaymentStatus,
	})
	ps.orders.notifyUser(ctx, models.Notification{
		Kind:   models.NotifyRefund,
		Order:  order,
		Reason: reason,
		Amount: amount,
	})
	if from != order.OrderStatus {
		ps.orders.publish(ctx, order.ID, &models.OrderStatusChangedEvent{
			BaseEvent:    ps.orders.newBaseEvent(models.EventTypeOrderStatusChanged),
			OrderID:      order.ID,
			ShortOrderID: order.ShortOrderID,
			UserID:       order.UserID,
			From:         from,
			To:           order.OrderStatus,
			ActorID:      adminID,
			Reason:       reason,
		})
	}

	return &RefundResult{
		RefundID:      resp.RefundID,
		Status:        resp.Status,
		Amount:        resp.Amount,
		Reason:        reason,
		TotalRefunded: order.AmountRefunded,
		PaymentStatus: order.PaymentStatus,
		ProcessedBy:   adminID,
	}, nil
}

// refundable checks amount against what is left to refund and returns the
// gateway reference to refund against
func refundable(order *models.Order, amount decimal.Decimal) (string, error) {
	if order.PaymentStatus != models.PaymentPaid && order.PaymentStatus != models.PaymentPartiallyRefunded {
		return "", apperror.Validation("order %s is not paid", order.ShortOrderID)
	}
	ref := order.PaymentDetails.Pidx
	if ref == "" {
		ref = order.PaymentDetails.TransactionID
	}
	if order.PaymentDetails.Gateway != string(models.PaymentKhalti) || ref == "" {
		return "", apperror.Validation("no Khalti transaction found for order %s", order.ShortOrderID)
	}
	remaining := order.AmountPaid.Sub(order.AmountRefunded)
	if amount.GreaterThan(remaining) {
		return "", apperror.Validation("refund amount exceeds remaining refundable amount (Rs.%s)", remaining.StringFixed(2))
	}
	return ref, nil
}

// gatewayError keeps the gateway's detail message for the caller
func gatewayError(err error, msg string) error {
	if errors.Is(err, khalti.ErrNotConfigured) {
		return apperror.Internal(err, "%s", msg)
	}
	return apperror.External(err, "%s", msg)
}
