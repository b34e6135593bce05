// Package pricing turns cart lines and an optional coupon into the totals
// shown at cart, checkout review and payment creation. Amounts are paise.
package pricing

import "storefront-service/internal/models"

const (
	// FreeShippingThreshold is the subtotal from which shipping is free (₹500)
	FreeShippingThreshold int64 = 50000
	// ShippingFee is charged below the threshold (₹50)
	ShippingFee int64 = 5000
)

// LineItem is a single priced cart line
type LineItem struct {
	UnitPrice int64 `json:"unit_price"`
	Quantity  int   `json:"quantity"`
}

// CartTotals is the derived price breakdown. It is never persisted on its own.
type CartTotals struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

// CalculateTotals prices items with an optional coupon. Inputs are assumed
// validated by the caller: prices non-negative, quantities positive.
func CalculateTotals(items []LineItem, coupon *models.Coupon) CartTotals {
	subtotal := Subtotal(items)
	shipping := Shipping(subtotal)
	discount := Discount(subtotal, coupon)

	total := subtotal + shipping - discount
	if total < 0 {
		total = 0
	}

	return CartTotals{
		Subtotal: subtotal,
		Shipping: shipping,
		Discount: discount,
		Total:    total,
	}
}

// Subtotal sums unit price times quantity
func Subtotal(items []LineItem) int64 {
	var subtotal int64
	for _, item := range items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return subtotal
}

// Shipping returns the flat fee below the free-shipping threshold. An empty
// cart has a zero subtotal and is still charged.
func Shipping(subtotal int64) int64 {
	if subtotal < FreeShippingThreshold {
		return ShippingFee
	}
	return 0
}

// Discount computes the coupon reduction. Percentages are floored; flat
// amounts are returned as-is even when larger than the subtotal.
func Discount(subtotal int64, coupon *models.Coupon) int64 {
	if coupon == nil {
		return 0
	}

	switch coupon.DiscountType {
	case models.DiscountPercentage:
		return subtotal * coupon.DiscountValue / 100
	case models.DiscountFlat:
		return coupon.DiscountValue
	default:
		return 0
	}
}
