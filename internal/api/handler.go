package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"storefront-service/internal/coupon"
	"storefront-service/internal/models"
	"storefront-service/internal/orderstate"
	"storefront-service/internal/pricing"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const adminTokenHeader = "X-Admin-Token"

// OrderService is the checkout surface the handlers call
type OrderService interface {
	Quote(ctx context.Context, req *service.QuoteRequest) (*service.QuoteResponse, error)
	PlaceOrder(ctx context.Context, req *service.PlaceOrderRequest) (*service.PlaceOrderResponse, error)
	ConfirmPayment(ctx context.Context, orderID int64, paymentRef string) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error)
}

// CouponService is the coupon surface the handlers call
type CouponService interface {
	Validate(ctx context.Context, code string, orderSubtotal int64) (*models.Coupon, error)
	CreateCoupon(ctx context.Context, c *models.Coupon) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService  OrderService
	couponService CouponService
	adminToken    string
	readiness     map[string]Pinger
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. An empty adminToken disables the
// admin routes.
func NewHandler(orderService OrderService, couponService CouponService, adminToken string, readiness map[string]Pinger) *Handler {
	return &Handler{
		orderService:  orderService,
		couponService: couponService,
		adminToken:    adminToken,
		readiness:     readiness,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(tracingMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/cart/quote", h.quoteCart)
		v1.POST("/coupons/validate", h.validateCoupon)
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/payment", h.confirmPayment)

		admin := v1.Group("/admin", h.requireAdmin())
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/coupons", h.createCoupon)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			ready = false
			continue
		}
		checks[name] = "up"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// quoteCart prices a cart without creating anything
func (h *Handler) quoteCart(c *gin.Context) {
	var req service.QuoteRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.orderService.Quote(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type validateCouponRequest struct {
	Code        string `json:"code"`
	OrderAmount int64  `json:"order_amount"`
}

// validateCoupon checks a code against an order amount
func (h *Handler) validateCoupon(c *gin.Context) {
	var req validateCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	found, err := h.couponService.Validate(c.Request.Context(), req.Code, req.OrderAmount)
	if err != nil {
		h.respondError(c, err)
		return
	}

	discount := pricing.Discount(req.OrderAmount, found)
	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"coupon":             found,
		"discount":           discount,
		"discount_formatted": pricing.FormatINR(discount),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	code := http.StatusCreated
	if resp.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type confirmPaymentRequest struct {
	PaymentRef string `json:"payment_ref" binding:"required"`
}

// confirmPayment is the callback target after gateway verification
func (h *Handler) confirmPayment(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orderService.ConfirmPayment(c.Request.Context(), orderID, req.PaymentRef)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// updateOrderStatus applies an administrative status transition
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.orderService.UpdateOrderStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type createCouponRequest struct {
	Code          string              `json:"code" binding:"required"`
	DiscountType  models.DiscountType `json:"discount_type" binding:"required"`
	DiscountValue int64               `json:"discount_value"`
	MinOrderValue int64               `json:"min_order_value"`
	MaxUses       int                 `json:"max_uses" binding:"required"`
	ExpiresAt     time.Time           `json:"expires_at" binding:"required"`
}

// createCoupon registers a new coupon
func (h *Handler) createCoupon(c *gin.Context) {
	var req createCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	created := &models.Coupon{
		Code:          req.Code,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		MinOrderValue: req.MinOrderValue,
		MaxUses:       req.MaxUses,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := h.couponService.CreateCoupon(c.Request.Context(), created); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"coupon": created})
}

// requireAdmin guards admin routes with a shared token
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(adminTokenHeader)
		if h.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// respondError maps domain errors to HTTP responses. Infrastructure
// failures are logged and reported without detail.
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *coupon.ValidationError
	var terr *orderstate.TransitionError

	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false,
			"kind":    verr.Kind,
			"message": verr.Message,
		})
	case errors.As(err, &terr):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"from":  terr.From,
			"to":    terr.To,
		})
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, store.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrCheckoutInProgress), errors.Is(err, coupon.ErrDuplicateCoupon):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orderstate.ErrUnknownStatus),
		errors.Is(err, coupon.ErrInvalidCoupon),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrMissingEmail),
		errors.Is(err, service.ErrMissingPaymentRef):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return orderID, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// tracingMiddleware opens a server span per request, named after the route
func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := util.StartSpan(c.Request.Context(), c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}
