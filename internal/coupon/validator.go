package coupon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence the coupon service needs
type Store interface {
	// FetchCoupon returns nil, nil when no coupon has the code
	FetchCoupon(ctx context.Context, code string) (*models.Coupon, error)
	// IncrementCouponUsage bumps current_uses only while it is below max_uses.
	// It returns ErrCouponNotFound or ErrUsageExhausted when no row was updated.
	IncrementCouponUsage(ctx context.Context, code string) (*models.Coupon, error)
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
}

// Cache is a read-through cache for coupon records
type Cache interface {
	GetCoupon(ctx context.Context, code string) (*models.Coupon, bool, error)
	SetCoupon(ctx context.Context, coupon *models.Coupon, ttl time.Duration) error
	DeleteCoupon(ctx context.Context, code string) error
}

// Service validates, creates and redeems coupons
type Service struct {
	store    Store
	cache    Cache
	cacheTTL time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithCache enables the read-through cache
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithClock replaces time.Now, used by expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a coupon service
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeCode returns the canonical (trimmed, uppercase) form of a code
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check applies the record-level rules in order: expiry, usage cap, minimum
// order value. The minimum is inclusive.
func Check(coupon *models.Coupon, orderSubtotal int64, now time.Time) error {
	if !now.Before(coupon.ExpiresAt) {
		return ErrExpired
	}
	if coupon.CurrentUses >= coupon.MaxUses {
		return ErrUsageLimitReached
	}
	if orderSubtotal < coupon.MinOrderValue {
		return belowMinimum(coupon.MinOrderValue)
	}
	return nil
}

// Validate checks code against orderSubtotal and returns the coupon record
// unchanged on success. Rejections are *ValidationError; anything else is an
// infrastructure failure.
func (s *Service) Validate(ctx context.Context, code string, orderSubtotal int64) (*models.Coupon, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Validate", attribute.Int64("order.subtotal", orderSubtotal))
	defer span.End()

	coupon, err := s.validate(ctx, code, orderSubtotal)
	if err != nil {
		if kind, ok := KindOf(err); ok {
			util.CouponValidationsTotal.WithLabelValues(string(kind)).Inc()
			span.SetAttributes(attribute.String("coupon.rejection", string(kind)))
		} else {
			util.CouponValidationsTotal.WithLabelValues("error").Inc()
			util.RecordError(span, err)
		}
		return nil, err
	}

	util.CouponValidationsTotal.WithLabelValues("valid").Inc()
	return coupon, nil
}

func (s *Service) validate(ctx context.Context, code string, orderSubtotal int64) (*models.Coupon, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, ErrEmptyCode
	}
	if orderSubtotal <= 0 {
		return nil, ErrInvalidAmount
	}

	coupon, err := s.Lookup(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if coupon == nil {
		return nil, ErrNotFound
	}

	if err := Check(coupon, orderSubtotal, s.now()); err != nil {
		return nil, err
	}
	return coupon, nil
}

// Lookup fetches a coupon by code through the cache. It returns nil, nil
// when the code is unknown.
func (s *Service) Lookup(ctx context.Context, code string) (*models.Coupon, error) {
	code = NormalizeCode(code)

	if s.cache != nil {
		cached, ok, err := s.cache.GetCoupon(ctx, code)
		switch {
		case err != nil:
			util.CouponCacheLookupsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Coupon cache read failed, falling back to store",
				zap.String("code", code),
				zap.Error(err))
		case ok:
			util.CouponCacheLookupsTotal.WithLabelValues("hit").Inc()
			return cached, nil
		default:
			util.CouponCacheLookupsTotal.WithLabelValues("miss").Inc()
		}
	}

	coupon, err := s.store.FetchCoupon(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coupon: %w", err)
	}
	if coupon == nil {
		return nil, nil
	}

	if s.cache != nil {
		if err := s.cache.SetCoupon(ctx, coupon, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache coupon", zap.String("code", code), zap.Error(err))
		}
	}
	return coupon, nil
}

// IncrementUsage consumes one use of code. It runs once per completed order.
// An unknown code is logged and tolerated; a coupon that ran out between
// validation and redemption yields ErrUsageLimitReached.
func (s *Service) IncrementUsage(ctx context.Context, code string) (*models.Coupon, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.IncrementUsage")
	defer span.End()

	code = NormalizeCode(code)

	coupon, err := s.store.IncrementCouponUsage(ctx, code)
	switch {
	case errors.Is(err, ErrCouponNotFound):
		util.CouponRedemptionsTotal.WithLabelValues("not_found").Inc()
		s.logger.Warn("Coupon not found while incrementing usage", zap.String("code", code))
		return nil, nil
	case errors.Is(err, ErrUsageExhausted):
		util.CouponRedemptionsTotal.WithLabelValues("exhausted").Inc()
		s.logger.Warn("Coupon usage limit reached at redemption", zap.String("code", code))
		s.invalidate(ctx, code)
		return nil, ErrUsageLimitReached
	case err != nil:
		util.CouponRedemptionsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to increment coupon usage: %w", err)
	}

	util.CouponRedemptionsTotal.WithLabelValues("redeemed").Inc()
	s.invalidate(ctx, code)

	s.logger.Info("Coupon redeemed",
		zap.String("code", code),
		zap.Int("current_uses", coupon.CurrentUses),
		zap.Int("max_uses", coupon.MaxUses))
	return coupon, nil
}

// CreateCoupon stores a new coupon after normalizing and checking its definition
func (s *Service) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	coupon.Code = NormalizeCode(coupon.Code)
	coupon.CurrentUses = 0

	if err := checkDefinition(coupon); err != nil {
		return err
	}

	if err := s.store.CreateCoupon(ctx, coupon); err != nil {
		if errors.Is(err, ErrDuplicateCoupon) {
			return err
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}

	s.invalidate(ctx, coupon.Code)
	s.logger.Info("Coupon created",
		zap.String("code", coupon.Code),
		zap.String("discount_type", string(coupon.DiscountType)),
		zap.Int64("discount_value", coupon.DiscountValue))
	return nil
}

func checkDefinition(c *models.Coupon) error {
	switch {
	case c.Code == "":
		return fmt.Errorf("%w: code is required", ErrInvalidCoupon)
	case !c.DiscountType.Valid():
		return fmt.Errorf("%w: unknown discount type %q", ErrInvalidCoupon, c.DiscountType)
	case c.DiscountType == models.DiscountPercentage && (c.DiscountValue < 0 || c.DiscountValue > 100):
		return fmt.Errorf("%w: percentage must be between 0 and 100", ErrInvalidCoupon)
	case c.DiscountValue < 0:
		return fmt.Errorf("%w: discount value must not be negative", ErrInvalidCoupon)
	case c.MinOrderValue < 0:
		return fmt.Errorf("%w: minimum order value must not be negative", ErrInvalidCoupon)
	case c.MaxUses <= 0:
		return fmt.Errorf("%w: max uses must be positive", ErrInvalidCoupon)
	case c.ExpiresAt.IsZero():
		return fmt.Errorf("%w: expiry is required", ErrInvalidCoupon)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, code string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteCoupon(ctx, code); err != nil {
		s.logger.Warn("Failed to invalidate cached coupon", zap.String("code", code), zap.Error(err))
	}
}
