package models

import "time"

// Event types
const (
	EventTypeOrderPlaced           = "ORDER_PLACED"
	EventTypeOrderStatusChanged    = "ORDER_STATUS_CHANGED"
	EventTypeCouponRedeemed        = "COUPON_REDEEMED"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// NotificationKind identifies which customer e-mail to send
type NotificationKind string

const (
	NotificationShippingNotice NotificationKind = "SHIPPING_NOTICE"
	NotificationDeliveryNotice NotificationKind = "DELIVERY_NOTICE"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published when checkout creates an order
type OrderPlacedEvent struct {
	BaseEvent
	OrderID    int64           `json:"order_id"`
	UserID     int64           `json:"user_id"`
	Subtotal   int64           `json:"subtotal"`
	Shipping   int64           `json:"shipping"`
	Discount   int64           `json:"discount"`
	Total      int64           `json:"total"`
	CouponCode string          `json:"coupon_code,omitempty"`
	Items      []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published after a committed status transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID    int64       `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
}

// CouponRedeemedEvent published when a completed order consumes a coupon use
type CouponRedeemedEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	CouponCode  string `json:"coupon_code"`
	CurrentUses int    `json:"current_uses"`
}

// NotificationRequestedEvent asks the notification worker to e-mail a customer
type NotificationRequestedEvent struct {
	BaseEvent
	Kind          NotificationKind `json:"kind"`
	OrderID       int64            `json:"order_id"`
	CustomerEmail string           `json:"customer_email"`
	Total         int64            `json:"total"`
	ItemCount     int              `json:"item_count"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID       int64 `json:"product_id"`
	Quantity        int   `json:"quantity"`
	PriceAtPurchase int64 `json:"price_at_purchase"`
}
