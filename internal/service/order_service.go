package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/coupon"
	"storefront-service/internal/models"
	"storefront-service/internal/pricing"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrEmptyCart          = errors.New("cart has no items")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrMissingEmail       = errors.New("customer email is required")
	ErrMissingPaymentRef  = errors.New("payment reference is required")
	ErrCheckoutInProgress = errors.New("a checkout with this idempotency key is already in progress")
)

// OrderStore is the persistence the checkout flow needs
type OrderStore interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	FetchOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
}

// CouponService validates and redeems coupons
type CouponService interface {
	Validate(ctx context.Context, code string, orderSubtotal int64) (*models.Coupon, error)
	IncrementUsage(ctx context.Context, code string) (*models.Coupon, error)
}

// StatusMachine applies order status transitions
type StatusMachine interface {
	UpdateOrderStatus(ctx context.Context, orderID int64, newStatus models.OrderStatus) (*models.Order, error)
	ConfirmPayment(ctx context.Context, orderID int64, paymentRef string) (*models.Order, bool, error)
}

// IdempotencyGuard serializes concurrent checkouts sharing a key
type IdempotencyGuard interface {
	ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// EventPublisher receives checkout domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishCouponRedeemed(ctx context.Context, event *models.CouponRedeemedEvent) error
}

// OrderService handles checkout business logic
type OrderService struct {
	store          OrderStore
	coupons        CouponService
	machine        StatusMachine
	guard          IdempotencyGuard
	eventPublisher EventPublisher
	idempotencyTTL time.Duration
	logger         *zap.Logger
}

// NewOrderService creates a new order service. guard may be nil.
func NewOrderService(
	store OrderStore,
	coupons CouponService,
	machine StatusMachine,
	guard IdempotencyGuard,
	eventPublisher EventPublisher,
	idempotencyTTL time.Duration,
) *OrderService {
	return &OrderService{
		store:          store,
		coupons:        coupons,
		machine:        machine,
		guard:          guard,
		eventPublisher: eventPublisher,
		idempotencyTTL: idempotencyTTL,
		logger:         util.GetLogger(),
	}
}

// OrderItemRequest represents an item in a cart
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// QuoteRequest asks for the totals of a cart
type QuoteRequest struct {
	Items      []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	CouponCode string             `json:"coupon_code,omitempty"`
}

// QuotedItem is a cart line priced at the live product price
type QuotedItem struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
}

// QuoteResponse is the price breakdown shown at cart and checkout review
type QuoteResponse struct {
	Items      []QuotedItem `json:"items"`
	CouponCode string       `json:"coupon_code,omitempty"`
	pricing.CartTotals
	Formatted FormattedTotals `json:"formatted"`
}

// FormattedTotals carries the same totals rendered as rupee strings
type FormattedTotals struct {
	Subtotal string `json:"subtotal"`
	Shipping string `json:"shipping"`
	Discount string `json:"discount"`
	Total    string `json:"total"`
}

// PlaceOrderRequest represents a request to create an order
type PlaceOrderRequest struct {
	UserID         int64              `json:"user_id" binding:"required"`
	CustomerEmail  string             `json:"customer_email" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	CouponCode     string             `json:"coupon_code,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// PlaceOrderResponse represents the response after creating an order
type PlaceOrderResponse struct {
	Order    *models.Order `json:"order"`
	Replayed bool          `json:"replayed"`
}

type pricedCart struct {
	items  []models.OrderItem
	quoted []QuotedItem
	coupon *models.Coupon
	totals pricing.CartTotals
}

// Quote prices a cart at live product prices, applying the coupon if given.
// Coupon rejections come back as *coupon.ValidationError.
func (s *OrderService) Quote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Quote")
	defer span.End()

	cart, err := s.priceCart(ctx, req.Items, req.CouponCode)
	if err != nil {
		return nil, err
	}

	util.CartQuotesTotal.Inc()

	resp := &QuoteResponse{
		Items:      cart.quoted,
		CartTotals: cart.totals,
		Formatted:  formatTotals(cart.totals),
	}
	if cart.coupon != nil {
		resp.CouponCode = cart.coupon.Code
	}
	return resp, nil
}

// PlaceOrder creates a PENDING order with totals frozen at creation. A
// repeated idempotency key returns the original order.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder", attribute.Int64("user.id", req.UserID))
	defer span.End()

	if strings.TrimSpace(req.CustomerEmail) == "" {
		return nil, ErrMissingEmail
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("order_id", existing.ID))
		return &PlaceOrderResponse{Order: existing, Replayed: true}, nil
	}

	if s.guard != nil {
		claimed, err := s.guard.ClaimIdempotencyKey(ctx, req.IdempotencyKey, s.idempotencyTTL)
		if err != nil {
			s.logger.Warn("Idempotency guard unavailable, relying on database constraint", zap.Error(err))
		} else if !claimed {
			return nil, ErrCheckoutInProgress
		}
	}

	order, err := s.placeOrder(ctx, req)
	if err != nil {
		if s.guard != nil {
			if rerr := s.guard.ReleaseIdempotencyKey(ctx, req.IdempotencyKey); rerr != nil {
				s.logger.Warn("Failed to release idempotency key", zap.Error(rerr))
			}
		}
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, ferr := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if ferr == nil && existing != nil {
				return &PlaceOrderResponse{Order: existing, Replayed: true}, nil
			}
		}
		util.RecordError(span, err)
		return nil, err
	}

	return &PlaceOrderResponse{Order: order}, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req *PlaceOrderRequest) (*models.Order, error) {
	cart, err := s.priceCart(ctx, req.Items, req.CouponCode)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	order := &models.Order{
		UserID:         req.UserID,
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		Status:         models.OrderStatusPending,
		Subtotal:       cart.totals.Subtotal,
		Shipping:       cart.totals.Shipping,
		Discount:       cart.totals.Discount,
		Total:          cart.totals.Total,
		IdempotencyKey: req.IdempotencyKey,
		Items:          cart.items,
	}
	if cart.coupon != nil {
		code := cart.coupon.Code
		order.CouponCode = &code
	}

	if err := s.store.CreateOrder(ctx, order); err != nil {
		util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		if errors.Is(err, store.ErrInsufficientStock) ||
			errors.Is(err, store.ErrProductNotFound) ||
			errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersPlacedTotal.Inc()
	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.Int64("total", order.Total),
		zap.Bool("coupon_applied", order.HasCoupon()))

	s.publishOrderPlaced(ctx, order)
	return order, nil
}

func (s *OrderService) publishOrderPlaced(ctx context.Context, order *models.Order) {
	if s.eventPublisher == nil {
		return
	}

	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			PriceAtPurchase: item.PriceAtPurchase,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderPlaced,
			Timestamp: time.Now(),
		},
		OrderID:  order.ID,
		UserID:   order.UserID,
		Subtotal: order.Subtotal,
		Shipping: order.Shipping,
		Discount: order.Discount,
		Total:    order.Total,
		Items:    items,
	}
	if order.HasCoupon() {
		event.CouponCode = *order.CouponCode
	}

	if err := s.eventPublisher.PublishOrderPlaced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPlaced event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", attribute.Int64("order.id", orderID))
	defer span.End()

	return s.store.FetchOrder(ctx, orderID)
}

// UpdateOrderStatus applies an administrative status change
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	return s.machine.UpdateOrderStatus(ctx, orderID, status)
}

// priceCart loads live prices for the requested lines and runs the pricing
// engine. Repeated product IDs are merged.
func (s *OrderService) priceCart(ctx context.Context, reqItems []OrderItemRequest, couponCode string) (*pricedCart, error) {
	if len(reqItems) == 0 {
		return nil, ErrEmptyCart
	}

	order := make([]int64, 0, len(reqItems))
	quantities := make(map[int64]int, len(reqItems))
	for _, item := range reqItems {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", ErrInvalidQuantity, item.ProductID)
		}
		if _, seen := quantities[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		quantities[item.ProductID] += item.Quantity
	}

	products, err := s.store.GetProductsByIDs(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	cart := &pricedCart{}
	lines := make([]pricing.LineItem, 0, len(order))
	for _, id := range order {
		product, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", store.ErrProductNotFound, id)
		}
		qty := quantities[id]

		lines = append(lines, pricing.LineItem{UnitPrice: product.Price, Quantity: qty})
		cart.items = append(cart.items, models.OrderItem{
			ProductID:       id,
			Quantity:        qty,
			PriceAtPurchase: product.Price,
		})
		cart.quoted = append(cart.quoted, QuotedItem{
			ProductID: id,
			Name:      product.Name,
			UnitPrice: product.Price,
			Quantity:  qty,
			LineTotal: product.Price * int64(qty),
		})
	}

	if strings.TrimSpace(couponCode) != "" {
		c, err := s.coupons.Validate(ctx, couponCode, pricing.Subtotal(lines))
		if err != nil {
			return nil, err
		}
		cart.coupon = c
	}

	cart.totals = pricing.CalculateTotals(lines, cart.coupon)
	return cart, nil
}

func formatTotals(t pricing.CartTotals) FormattedTotals {
	return FormattedTotals{
		Subtotal: pricing.FormatINR(t.Subtotal),
		Shipping: pricing.FormatINR(t.Shipping),
		Discount: pricing.FormatINR(t.Discount),
		Total:    pricing.FormatINR(t.Total),
	}
}

func failureReason(err error) string {
	if kind, ok := coupon.KindOf(err); ok {
		return "coupon_" + strings.ToLower(string(kind))
	}
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, store.ErrDuplicateIdempotencyKey):
		return "duplicate"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidQuantity):
		return "invalid_items"
	}
	return "db_error"
}
