package service

import (
	"order-core/internal/models"

	"github.com/shopspring/decimal"
)

// PricingConfig is the pricing policy handed to the engine at construction
type PricingConfig struct {
	// TaxRate is a fraction, e.g. 0.13.
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingCost      decimal.Decimal
}

// ItemPricing is the priced form of one line
type ItemPricing struct {
	UnitPrice      decimal.Decimal
	SalePrice      decimal.NullDecimal
	TotalPrice     decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
}

// OrderTotals are the aggregated amounts of an order
type OrderTotals struct {
	Subtotal      decimal.Decimal
	DiscountTotal decimal.Decimal
	TaxTotal      decimal.Decimal
	ShippingCost  decimal.Decimal
	TotalAmount   decimal.Decimal
}

// PricingEngine prices variants and orders. Tax is always charged on the
// sale-adjusted line total, for regular and exchange orders alike.
type PricingEngine struct {
	cfg PricingConfig
}

// NewPricingEngine creates a pricing engine
func NewPricingEngine(cfg PricingConfig) *PricingEngine {
	return &PricingEngine{cfg: cfg}
}

// PriceItem prices quantity units of a variant
func (p *PricingEngine) PriceItem(v *models.Variant, quantity int) ItemPricing {
	qty := decimal.NewFromInt(int64(quantity))

	unitPrice := v.Price
	discount := decimal.Zero
	if v.SalePrice.Valid {
		unitPrice = v.SalePrice.Decimal
		discount = v.Price.Sub(v.SalePrice.Decimal).Mul(qty)
	}

	total := unitPrice.Mul(qty)

	tax := decimal.Zero
	if p.cfg.TaxRate.GreaterThan(decimal.Zero) {
		tax = total.Mul(p.cfg.TaxRate).Round(2)
	}

	return ItemPricing{
		UnitPrice:      unitPrice,
		SalePrice:      v.SalePrice,
		TotalPrice:     total,
		DiscountAmount: discount,
		TaxAmount:      tax,
	}
}

// Totals aggregates priced items. An empty order totals zero, shipping included.
func (p *PricingEngine) Totals(items []models.OrderItem) OrderTotals {
	t := OrderTotals{
		Subtotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		TaxTotal:      decimal.Zero,
		ShippingCost:  decimal.Zero,
		TotalAmount:   decimal.Zero,
	}
	if len(items) == 0 {
		return t
	}

	for _, item := range items {
		t.Subtotal = t.Subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		t.DiscountTotal = t.DiscountTotal.Add(item.DiscountAmount)
		t.TaxTotal = t.TaxTotal.Add(item.TaxAmount)
	}

	t.ShippingCost = p.ShippingCost(t.Subtotal)
	t.TotalAmount = t.Subtotal.Add(t.TaxTotal).Add(t.ShippingCost)
	return t
}

// ShippingCost is free at or above the threshold, flat below it
func (p *PricingEngine) ShippingCost(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(p.cfg.FreeShippingThreshold) {
		return decimal.Zero
	}
	return p.cfg.FlatShippingCost
}

// applyTotals copies totals onto an order
func applyTotals(order *models.Order, t OrderTotals) {
	order.Subtotal = t.Subtotal
	order.DiscountTotal = t.DiscountTotal
	order.TaxTotal = t.TaxTotal
	order.ShippingCost = t.ShippingCost
	order.TotalAmount = t.TotalAmount
}
