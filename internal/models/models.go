package models

import "time"

// Product represents a product in the catalog
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	Stock     int       `db:"stock" json:"stock"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DiscountType is the way a coupon reduces the subtotal
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFlat       DiscountType = "FLAT"
)

// Valid reports whether t is a known discount type
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFlat:
		return true
	}
	return false
}

// Coupon represents a promotional code. Code is stored uppercase.
type Coupon struct {
	ID            int64        `db:"id" json:"id"`
	Code          string       `db:"code" json:"code"`
	DiscountType  DiscountType `db:"discount_type" json:"discount_type"`
	DiscountValue int64        `db:"discount_value" json:"discount_value"`
	MinOrderValue int64        `db:"min_order_value" json:"min_order_value"`
	MaxUses       int          `db:"max_uses" json:"max_uses"`
	CurrentUses   int          `db:"current_uses" json:"current_uses"`
	ExpiresAt     time.Time    `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// AllOrderStatuses lists every declared status in lifecycle order
var AllOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

func (s OrderStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the declared statuses
func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Order represents a customer order. Subtotal, Shipping, Discount and Total
// are frozen at creation and never recomputed.
type Order struct {
	ID             int64       `db:"id" json:"id"`
	UserID         int64       `db:"user_id" json:"user_id"`
	CustomerEmail  string      `db:"customer_email" json:"customer_email"`
	Status         OrderStatus `db:"status" json:"status"`
	Subtotal       int64       `db:"subtotal" json:"subtotal"`
	Shipping       int64       `db:"shipping" json:"shipping"`
	Discount       int64       `db:"discount" json:"discount"`
	Total          int64       `db:"total" json:"total"`
	CouponCode     *string     `db:"coupon_code" json:"coupon_code,omitempty"`
	PaymentRef     *string     `db:"payment_ref" json:"payment_ref,omitempty"`
	IdempotencyKey string      `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
	Items          []OrderItem `db:"-" json:"items"`
}

// HasCoupon reports whether a coupon was applied when the order was placed
func (o *Order) HasCoupon() bool {
	return o.CouponCode != nil && *o.CouponCode != ""
}

// OrderItem is a frozen order line; PriceAtPurchase is decoupled from the live product price
type OrderItem struct {
	ID              int64 `db:"id" json:"id"`
	OrderID         int64 `db:"order_id" json:"order_id"`
	ProductID       int64 `db:"product_id" json:"product_id"`
	Quantity        int   `db:"quantity" json:"quantity"`
	PriceAtPurchase int64 `db:"price_at_purchase" json:"price_at_purchase"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
