package coupon

import (
	"errors"
	"fmt"

	"storefront-service/internal/pricing"
)

// ErrorKind classifies an expected, user-correctable validation failure
type ErrorKind string

const (
	KindEmptyCode         ErrorKind = "EMPTY_CODE"
	KindInvalidAmount     ErrorKind = "INVALID_AMOUNT"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindExpired           ErrorKind = "EXPIRED"
	KindUsageLimitReached ErrorKind = "USAGE_LIMIT_REACHED"
	KindBelowMinimumOrder ErrorKind = "BELOW_MINIMUM_ORDER"
)

// ValidationError is returned as data for routine coupon rejections.
// Two validation errors match under errors.Is when their kinds are equal.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrEmptyCode         = &ValidationError{Kind: KindEmptyCode, Message: "coupon code is required"}
	ErrInvalidAmount     = &ValidationError{Kind: KindInvalidAmount, Message: "order amount must be greater than zero"}
	ErrNotFound          = &ValidationError{Kind: KindNotFound, Message: "invalid coupon code"}
	ErrExpired           = &ValidationError{Kind: KindExpired, Message: "this coupon has expired"}
	ErrUsageLimitReached = &ValidationError{Kind: KindUsageLimitReached, Message: "this coupon has reached its usage limit"}
	ErrBelowMinimumOrder = &ValidationError{Kind: KindBelowMinimumOrder, Message: "order is below the coupon minimum"}
)

// Store-level conditions. The store returns these; the service maps them.
var (
	ErrCouponNotFound  = errors.New("coupon not found")
	ErrUsageExhausted  = errors.New("coupon usage exhausted")
	ErrInvalidCoupon   = errors.New("invalid coupon definition")
	ErrDuplicateCoupon = errors.New("coupon code already exists")
)

func belowMinimum(min int64) *ValidationError {
	return &ValidationError{
		Kind:    KindBelowMinimumOrder,
		Message: fmt.Sprintf("minimum order value of %s required for this coupon", pricing.FormatINR(min)),
	}
}

// KindOf extracts the validation kind from err, if any
func KindOf(err error) (ErrorKind, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return "", false
}
