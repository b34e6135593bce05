package store

import (
	"context"
	"fmt"

	"storefront-service/internal/coupon"
	"storefront-service/internal/models"
)

// FetchCoupon retrieves a coupon by code, case-insensitively. It returns
// nil, nil when no coupon matches.
func (s *Store) FetchCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := s.db.GetContext(ctx, &c, "SELECT * FROM coupons WHERE code = UPPER($1)", code)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementCouponUsage consumes one use in a single conditional UPDATE, so
// concurrent redemptions can never push current_uses past max_uses.
func (s *Store) IncrementCouponUsage(ctx context.Context, code string) (*models.Coupon, error) {
	query := `
		UPDATE coupons
		SET current_uses = current_uses + 1, updated_at = NOW()
		WHERE code = UPPER($1) AND current_uses < max_uses
		RETURNING *`

	var c models.Coupon
	err := s.db.GetContext(ctx, &c, query, code)
	if err == nil {
		return &c, nil
	}
	if !isNoRows(err) {
		return nil, err
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM coupons WHERE code = UPPER($1))", code); err != nil {
		return nil, fmt.Errorf("failed to check coupon existence: %w", err)
	}
	if !exists {
		return nil, coupon.ErrCouponNotFound
	}
	return nil, coupon.ErrUsageExhausted
}

// CreateCoupon inserts a new coupon; the code must already be normalized
func (s *Store) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	query := `
		INSERT INTO coupons (code, discount_type, discount_value, min_order_value, max_uses, current_uses, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, c, query,
		c.Code, c.DiscountType, c.DiscountValue, c.MinOrderValue, c.MaxUses, c.CurrentUses, c.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", coupon.ErrDuplicateCoupon, c.Code)
	}
	return err
}
