package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"order-core/internal/apperror"
	"order-core/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderPricesCartAndReservesStock(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "1500", "1200", 5)
	h.store.addToCart(testUserID, 1, 2)

	order := h.checkout(t, models.PaymentKhalti)

	assert.True(t, order.Subtotal.Equal(dec("2400")), order.Subtotal.String())
	assert.True(t, order.DiscountTotal.Equal(dec("600")))
	assert.True(t, order.ShippingCost.IsZero())
	assert.True(t, order.TaxTotal.Equal(dec("312")))
	assert.True(t, order.TotalAmount.Equal(order.Subtotal.Add(order.TaxTotal).Add(order.ShippingCost)))
	assert.Equal(t, 3, h.store.stock(1))

	assert.Equal(t, models.StatusPending, order.OrderStatus)
	assert.Equal(t, models.PaymentPending, order.PaymentStatus)
	assert.Equal(t, "ORD-2024-001", order.ShortOrderID)
	assert.NotEmpty(t, order.OrderNumber)
	assert.True(t, order.StockReserved)
	assert.Equal(t, models.SourceWeb, order.Source)
	assert.Equal(t, "Nepal", order.ShippingAddress.Country)
	assert.Equal(t, order.ShippingAddress, order.BillingAddress)
	assert.Equal(t, models.ShippingStandard, order.Shipping.Method)
	assert.Equal(t, h.clock.now.Add(7*24*time.Hour), order.Shipping.EstimatedDelivery)
	require.Len(t, order.StatusHistory, 1)
	assert.Equal(t, models.StatusPending, order.StatusHistory[0].Status)

	require.Len(t, order.Items, 1)
	assert.Equal(t, 5, order.Items[0].OriginalStock)
	assert.True(t, order.Items[0].UnitPrice.Equal(dec("1200")))

	cart, err := h.store.GetCart(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Empty(t, cart)

	assert.Equal(t, []models.NotificationKind{models.NotifyOrderConfirmation}, h.notifier.kinds())
	require.Len(t, h.events.events, 1)
	assert.IsType(t, &models.OrderCreatedEvent{}, h.events.events[0])
}

func TestCreateOrderCODOverLimitLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "3000", "", 5)
	h.store.addToCart(testUserID, 1, 2)

	_, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentCOD,
	})

	require.Error(t, err)
	assert.True(t, apperror.Is(err, apperror.KindValidation))
	assert.Empty(t, h.store.orders)
	assert.Equal(t, 5, h.store.stock(1))
	assert.Len(t, h.store.carts[testUserID], 1)
	assert.Empty(t, h.notifier.sent)
}

func TestCreateOrderCODStartsConfirmed(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "500", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	order := h.checkout(t, models.PaymentCOD)

	assert.Equal(t, models.StatusConfirmed, order.OrderStatus)
	require.NotNil(t, order.ConfirmedAt)
	assert.True(t, order.ShippingCost.Equal(dec("200")))
	require.Len(t, order.StatusHistory, 1)
	assert.Equal(t, models.StatusConfirmed, order.StatusHistory[0].Status)
}

func TestCreateOrderRollsBackOnLateFailure(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "1500", "", 5)
	h.store.addVariant(2, 11, "700", "", 3)
	h.store.addToCart(testUserID, 1, 2)
	h.store.addToCart(testUserID, 2, 1)
	h.store.clearCartErr = errors.New("connection reset")

	_, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
	})

	require.Error(t, err)
	assert.Empty(t, h.store.orders)
	assert.Equal(t, 5, h.store.stock(1))
	assert.Equal(t, 3, h.store.stock(2))
}

func TestCreateOrderRejectsUnavailableLines(t *testing.T) {
	cases := []struct {
		name  string
		setup func(s *memStore)
		kind  apperror.Kind
	}{
		{
			name:  "empty cart",
			setup: func(s *memStore) {},
			kind:  apperror.KindValidation,
		},
		{
			name: "insufficient stock",
			setup: func(s *memStore) {
				s.addVariant(1, 10, "100", "", 1)
				s.addToCart(testUserID, 1, 2)
			},
			kind: apperror.KindValidation,
		},
		{
			name: "inactive variant",
			setup: func(s *memStore) {
				s.addVariant(1, 10, "100", "", 5)
				s.variants[1].Status = models.VariantInactive
				s.addToCart(testUserID, 1, 1)
			},
			kind: apperror.KindValidation,
		},
		{
			name: "missing variant",
			setup: func(s *memStore) {
				s.carts[testUserID] = []models.CartLine{{ID: 1, UserID: testUserID, VariantID: 99, Quantity: 1}}
			},
			kind: apperror.KindNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h.store)

			_, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
				ShippingAddress: testAddress(),
				PaymentMethod:   models.PaymentKhalti,
			})

			require.Error(t, err)
			assert.Equal(t, tc.kind, apperror.KindOf(err))
			assert.Empty(t, h.store.orders)
		})
	}
}

func TestCreateOrderValidatesRequest(t *testing.T) {
	useSeparate := false

	cases := []struct {
		name string
		req  *CreateOrderRequest
	}{
		{"missing shipping address", &CreateOrderRequest{PaymentMethod: models.PaymentKhalti}},
		{"unknown payment method", &CreateOrderRequest{ShippingAddress: testAddress(), PaymentMethod: "cheque"}},
		{"unknown shipping method", &CreateOrderRequest{ShippingAddress: testAddress(), PaymentMethod: models.PaymentKhalti, ShippingMethod: "drone"}},
		{"billing required", &CreateOrderRequest{ShippingAddress: testAddress(), PaymentMethod: models.PaymentKhalti, UseShippingAsBilling: &useSeparate}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.store.addVariant(1, 10, "100", "", 5)
			h.store.addToCart(testUserID, 1, 1)

			_, err := h.svc.CreateOrder(context.Background(), testUserID, tc.req)

			assert.True(t, apperror.Is(err, apperror.KindValidation), "%v", err)
			assert.Equal(t, 5, h.store.stock(1))
		})
	}
}

func TestCreateOrderSeparateBillingAddress(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	billing := testAddress()
	billing.City = "Pokhara"
	billing.Country = "India"
	useSeparate := false

	order, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress:      testAddress(),
		BillingAddress:       &billing,
		UseShippingAsBilling: &useSeparate,
		PaymentMethod:        models.PaymentKhalti,
	})

	require.NoError(t, err)
	assert.False(t, order.UseShippingAsBilling)
	assert.Equal(t, "Pokhara", order.BillingAddress.City)
	assert.Equal(t, "India", order.BillingAddress.Country)
}

func TestCreateOrderBusinessRuleOverrides(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	no := false
	zero := 0
	limit := dec("10000")
	order, err := h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
		BusinessRules: &BusinessRulesInput{
			CODLimit:          &limit,
			AllowCancellation: &no,
			ReturnWindowDays:  &zero,
		},
	})

	require.NoError(t, err)
	assert.True(t, order.BusinessRules.CODLimit.Equal(limit))
	assert.False(t, order.BusinessRules.AllowCancellation)
	assert.True(t, order.BusinessRules.AllowReturn)
	assert.Equal(t, 7, order.BusinessRules.ReturnWindowDays)
}

func TestCreateOrderIdempotencyKeyReturnsOriginal(t *testing.T) {
	h := newHarness(t)
	h.svc.idempotency = &stubIdempotency{}
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	req := &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
		IdempotencyKey:  "checkout-abc",
	}
	first, err := h.svc.CreateOrder(context.Background(), testUserID, req)
	require.NoError(t, err)

	second, err := h.svc.CreateOrder(context.Background(), testUserID, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.store.orders, 1)
	assert.Equal(t, 4, h.store.stock(1))
}

func TestCreateOrderCheckoutLock(t *testing.T) {
	h := newHarness(t)
	locker := &stubLocker{}
	h.svc.locker = locker
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	_, _, err := locker.AcquireLock(context.Background(), "checkout:user:7", time.Minute)
	require.NoError(t, err)

	_, err = h.svc.CreateOrder(context.Background(), testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
	})
	assert.True(t, apperror.Is(err, apperror.KindConflict))
	assert.Empty(t, h.store.orders)

	delete(locker.held, "checkout:user:7")
	h.checkout(t, models.PaymentKhalti)
	assert.Empty(t, locker.held)
	assert.Contains(t, locker.released, "checkout:user:7")
}

func TestCreateOrderSequentialShortIDs(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "100", "", 5)

	h.store.addToCart(testUserID, 1, 1)
	first := h.checkout(t, models.PaymentKhalti)
	h.store.addToCart(testUserID, 1, 1)
	second := h.checkout(t, models.PaymentKhalti)

	assert.Equal(t, "ORD-2024-001", first.ShortOrderID)
	assert.Equal(t, "ORD-2024-002", second.ShortOrderID)
	assert.NotEqual(t, first.OrderNumber, second.OrderNumber)
}

func TestNotificationFailureDoesNotFailOrder(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("smtp down")
	h.events.err = errors.New("broker down")
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)

	order := h.checkout(t, models.PaymentKhalti)

	assert.NotZero(t, order.ID)
	assert.Len(t, h.store.orders, 1)
}

func TestGetOrderScopesToOwner(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)
	order := h.checkout(t, models.PaymentKhalti)
	ctx := context.Background()

	got, err := h.svc.GetOrder(ctx, order.ID, testUserID, false)
	require.NoError(t, err)
	assert.Equal(t, order.ShortOrderID, got.ShortOrderID)

	_, err = h.svc.GetOrder(ctx, order.ID, 99, false)
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	_, err = h.svc.GetOrder(ctx, order.ID, testAdminID, true)
	assert.NoError(t, err)
}

func TestListUserOrdersNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "100", "", 10)
	for i := 0; i < 3; i++ {
		h.store.addToCart(testUserID, 1, 1)
		h.checkout(t, models.PaymentKhalti)
	}

	page, err := h.svc.ListUserOrders(context.Background(), testUserID, models.OrderFilter{Page: 1, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, "ORD-2024-003", page.Orders[0].ShortOrderID)

	_, err = h.svc.ListUserOrders(context.Background(), testUserID, models.OrderFilter{Status: "lost"})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestConfirmCODPayment(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "500", "", 5)
	h.store.addToCart(testUserID, 1, 1)
	order := h.checkout(t, models.PaymentCOD)
	ctx := context.Background()

	_, err := h.svc.ConfirmCODPayment(ctx, order.ID, testAdminID, &CODPaymentRequest{
		AmountReceived:    dec("100"),
		AgentSignature:    "agent",
		CustomerSignature: "customer",
	})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	paid, err := h.svc.ConfirmCODPayment(ctx, order.ID, testAdminID, &CODPaymentRequest{
		AmountReceived:    order.TotalAmount,
		DeliveryNotes:     "left with guard",
		AgentSignature:    "agent",
		CustomerSignature: "customer",
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentPaid, paid.PaymentStatus)
	assert.True(t, paid.AmountPaid.Equal(order.TotalAmount))
	assert.Equal(t, models.StatusConfirmed, paid.OrderStatus)
	require.NotNil(t, paid.CODDetails)
	assert.Equal(t, testAdminID, paid.CODDetails.DeliveryAgentID)
	assert.Equal(t, "left with guard", paid.CODDetails.DeliveryNotes)
	assert.Len(t, paid.StatusHistory, 1)

	_, err = h.svc.ConfirmCODPayment(ctx, order.ID, testAdminID, &CODPaymentRequest{
		AmountReceived:    order.TotalAmount,
		AgentSignature:    "agent",
		CustomerSignature: "customer",
	})
	assert.True(t, apperror.Is(err, apperror.KindConflict))
}

func TestConfirmCODPaymentRejectsOtherMethods(t *testing.T) {
	h := newHarness(t)
	h.store.addVariant(1, 10, "500", "", 5)
	h.store.addToCart(testUserID, 1, 1)
	order := h.checkout(t, models.PaymentKhalti)

	_, err := h.svc.ConfirmCODPayment(context.Background(), order.ID, testAdminID, &CODPaymentRequest{
		AmountReceived:    order.TotalAmount,
		AgentSignature:    "agent",
		CustomerSignature: "customer",
	})
	assert.True(t, apperror.Is(err, apperror.KindValidation))

	_, err = h.svc.ConfirmCODPayment(context.Background(), order.ID, testAdminID, &CODPaymentRequest{
		AmountReceived: decimal.Zero,
	})
	assert.True(t, apperror.Is(err, apperror.KindValidation))
}

func TestCreateOrderIdempotencyKeyIsPerUser(t *testing.T) {
	h := newHarness(t)
	idem := &stubIdempotency{}
	h.svc.idempotency = idem
	const otherUserID = 99
	h.store.users[otherUserID] = &models.User{ID: otherUserID, Name: "Ram Thapa", Email: "ram@example.com", Role: "user"}
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)
	h.store.addToCart(otherUserID, 1, 2)
	ctx := context.Background()

	mine, err := h.svc.CreateOrder(ctx, testUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
		IdempotencyKey:  "k",
	})
	require.NoError(t, err)

	theirs, err := h.svc.CreateOrder(ctx, otherUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
		IdempotencyKey:  "k",
	})
	require.NoError(t, err)

	assert.NotEqual(t, mine.ID, theirs.ID)
	assert.Equal(t, int64(otherUserID), theirs.UserID)
	assert.Equal(t, 2, theirs.Items[0].Quantity)
	assert.Len(t, idem.keys, 2)
	assert.Contains(t, idem.keys, "99:k")
}

func TestCreateOrderIgnoresForeignIdempotencyHit(t *testing.T) {
	h := newHarness(t)
	const otherUserID = 99
	h.store.users[otherUserID] = &models.User{ID: otherUserID, Name: "Ram Thapa", Email: "ram@example.com", Role: "user"}
	h.store.addVariant(1, 10, "100", "", 5)
	h.store.addToCart(testUserID, 1, 1)
	mine := h.checkout(t, models.PaymentKhalti)

	h.svc.idempotency = &stubIdempotency{keys: map[string]int64{"99:k": mine.ID}}
	h.store.addToCart(otherUserID, 1, 1)

	theirs, err := h.svc.CreateOrder(context.Background(), otherUserID, &CreateOrderRequest{
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentKhalti,
		IdempotencyKey:  "k",
	})
	require.NoError(t, err)

	assert.NotEqual(t, mine.ID, theirs.ID)
	assert.Equal(t, int64(otherUserID), theirs.UserID)
}
