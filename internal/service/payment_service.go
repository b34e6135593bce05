package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"storefront-service/internal/coupon"
	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ConfirmPayment is called once the gateway has verified a payment. It moves
// the order from PENDING to PROCESSING and consumes the coupon use.
// Confirming again with the same reference returns the order unchanged.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID int64, paymentRef string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment", attribute.Int64("order.id", orderID))
	defer span.End()

	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return nil, ErrMissingPaymentRef
	}

	updated, replayed, err := s.machine.ConfirmPayment(ctx, orderID, paymentRef)
	if err != nil {
		return nil, err
	}
	if replayed {
		s.logger.Info("Payment confirmation replayed", zap.Int64("order_id", orderID))
		return updated, nil
	}

	util.PaymentsConfirmedTotal.Inc()
	s.logger.Info("Payment confirmed", zap.Int64("order_id", orderID), zap.String("payment_ref", paymentRef))

	if updated.HasCoupon() {
		s.redeemCoupon(ctx, updated)
	}
	return updated, nil
}

// redeemCoupon consumes one coupon use for a paid order. The customer has
// already paid the discounted total, so failures are logged only.
func (s *OrderService) redeemCoupon(ctx context.Context, order *models.Order) {
	code := *order.CouponCode

	redeemed, err := s.coupons.IncrementUsage(ctx, code)
	if err != nil {
		if errors.Is(err, coupon.ErrUsageLimitReached) {
			s.logger.Warn("Coupon exhausted before payment, order keeps its discount",
				zap.Int64("order_id", order.ID),
				zap.String("code", code))
			return
		}
		s.logger.Error("Failed to increment coupon usage",
			zap.Int64("order_id", order.ID),
			zap.String("code", code),
			zap.Error(err))
		return
	}
	if redeemed == nil || s.eventPublisher == nil {
		return
	}

	event := &models.CouponRedeemedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponRedeemed,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		CouponCode:  redeemed.Code,
		CurrentUses: redeemed.CurrentUses,
	}
	if err := s.eventPublisher.PublishCouponRedeemed(ctx, event); err != nil {
		s.logger.Error("Failed to publish CouponRedeemed event", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}
