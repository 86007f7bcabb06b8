package orders

import (
	"errors"
	"fmt"

	"github.com/joao-fontenele/solestore/internal/domain"
)

// Amounts are in paise.
const (
	FreeDeliveryThreshold int64 = 99900
	StandardDelivery      int64 = 4900
	CODFee                int64 = 2900
)

type Pricing struct {
	Subtotal       int64
	Discount       int64
	DeliveryCharge int64
	CODFee         int64
	Total          int64
}

// Price computes the checkout totals. Delivery is free once the discounted
// subtotal reaches FreeDeliveryThreshold; cash on delivery adds CODFee.
func Price(items []domain.OrderItem, discount int64, method domain.PaymentMethod) (Pricing, error) {
	if len(items) == 0 {
		return Pricing{}, errors.New("order has no items")
	}
	if !method.Valid() {
		return Pricing{}, fmt.Errorf("unknown payment method %q", method)
	}

	var p Pricing
	for _, item := range items {
		if item.Quantity <= 0 {
			return Pricing{}, fmt.Errorf("item %s/%s: quantity must be positive", item.ProductID, item.Size)
		}
		if item.PriceAtPurchase < 0 {
			return Pricing{}, fmt.Errorf("item %s/%s: price cannot be negative", item.ProductID, item.Size)
		}
		p.Subtotal += item.LineTotal()
	}

	if discount < 0 || discount > p.Subtotal {
		return Pricing{}, fmt.Errorf("discount must be between 0 and %d", p.Subtotal)
	}
	p.Discount = discount

	if p.Subtotal-p.Discount < FreeDeliveryThreshold {
		p.DeliveryCharge = StandardDelivery
	}
	if method == domain.PaymentMethodCOD {
		p.CODFee = CODFee
	}
	p.Total = p.Subtotal - p.Discount + p.DeliveryCharge + p.CODFee
	return p, nil
}
