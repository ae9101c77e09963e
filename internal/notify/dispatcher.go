package notify

import (
	"context"
	"errors"
	"fmt"

	"order-core/internal/models"
	"order-core/internal/util"

	"go.uber.org/zap"
)

const (
	channelEmail = "email"
	channelSMS   = "sms"
)

// Dispatcher renders order notifications and fans them out to the configured
// channels. A nil provider disables its channel.
type Dispatcher struct {
	email    EmailProvider
	sms      SMSProvider
	renderer *Renderer
	shopName string
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. Either provider may be nil.
func NewDispatcher(email EmailProvider, sms SMSProvider, shopName string) (*Dispatcher, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("failed to create renderer: %w", err)
	}
	return &Dispatcher{
		email:    email,
		sms:      sms,
		renderer: renderer,
		shopName: shopName,
		logger:   util.GetLogger(),
	}, nil
}

// Send delivers msg on every channel the customer can be reached on. Each
// channel is attempted even when another fails; the joined error is returned.
func (d *Dispatcher) Send(ctx context.Context, msg models.Notification) error {
	if msg.Order == nil {
		return fmt.Errorf("notification has no order")
	}

	rendered, err := d.renderer.Render(msg.Kind, d.messageData(msg))
	if err != nil {
		return err
	}

	var errs []error
	if to := rendered.Email.To; d.email != nil && to != "" {
		if err := d.email.SendEmail(ctx, &rendered.Email); err != nil {
			errs = append(errs, d.failed(channelEmail, msg, err))
		}
	}
	if phone := recipientPhone(msg); d.sms != nil && phone != "" {
		if err := d.sms.SendSMS(ctx, phone, rendered.SMS); err != nil {
			errs = append(errs, d.failed(channelSMS, msg, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) failed(channel string, msg models.Notification, err error) error {
	util.NotificationFailuresTotal.WithLabelValues(channel).Inc()
	d.logger.Warn("Notification delivery failed",
		zap.String("channel", channel),
		zap.String("kind", string(msg.Kind)),
		zap.Int64("order_id", msg.Order.ID),
		zap.Error(err))
	return fmt.Errorf("%s: %w", channel, err)
}

func (d *Dispatcher) messageData(msg models.Notification) *MessageData {
	order := msg.Order
	data := &MessageData{
		ShopName:       d.shopName,
		CustomerName:   order.ShippingAddress.FullName,
		OrderNumber:    order.ShortOrderID,
		OrderDate:      order.CreatedAt,
		Status:         order.OrderStatus,
		PreviousStatus: msg.PreviousStatus,
		Reason:         msg.Reason,
		PaymentMethod:  order.PaymentMethod,
		Items:          order.Items,
		Subtotal:       order.Subtotal,
		Discount:       order.DiscountTotal,
		Tax:            order.TaxTotal,
		Shipping:       order.ShippingCost,
		Total:          order.TotalAmount,
		Amount:         msg.Amount,
		TotalRefunded:  order.AmountRefunded,
		TrackingNumber: order.Shipping.TrackingNumber,
		Carrier:        order.Shipping.Carrier,
	}
	if msg.User != nil {
		if msg.User.Name != "" {
			data.CustomerName = msg.User.Name
		}
		data.CustomerEmail = msg.User.Email
	}
	if data.CustomerName == "" {
		data.CustomerName = "there"
	}
	return data
}

func recipientPhone(msg models.Notification) string {
	if msg.User != nil && msg.User.Phone != "" {
		return msg.User.Phone
	}
	return msg.Order.ShippingAddress.Phone
}
