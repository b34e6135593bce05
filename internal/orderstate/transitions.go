// Package orderstate owns the order lifecycle: which status changes are legal
// and what each committed change triggers.
package orderstate

import (
	"errors"
	"fmt"

	"storefront-service/internal/models"
)

var (
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrOrderNotFound     = errors.New("order not found")
)

// TransitionError names both ends of a rejected change.
// It matches ErrIllegalTransition under errors.Is.
type TransitionError struct {
	OrderID int64
	From    models.OrderStatus
	To      models.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal order status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// transitions is the legal-transition table. Every declared status has a
// case; ok is false only for values outside models.AllOrderStatuses.
func transitions(from models.OrderStatus) (allowed []models.OrderStatus, ok bool) {
	switch from {
	case models.OrderStatusPending:
		return []models.OrderStatus{models.OrderStatusProcessing, models.OrderStatusCancelled}, true
	case models.OrderStatusProcessing:
		return []models.OrderStatus{models.OrderStatusShipped, models.OrderStatusCancelled}, true
	case models.OrderStatusShipped:
		return []models.OrderStatus{models.OrderStatusDelivered}, true
	case models.OrderStatusDelivered, models.OrderStatusCancelled:
		return nil, true
	}
	return nil, false
}

// AllowedTransitions returns the statuses reachable from from in one step
func AllowedTransitions(from models.OrderStatus) []models.OrderStatus {
	allowed, _ := transitions(from)
	return allowed
}

// CanTransition reports whether from -> to is in the table
func CanTransition(from, to models.OrderStatus) bool {
	for _, candidate := range AllowedTransitions(from) {
		if candidate == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func IsTerminal(s models.OrderStatus) bool {
	allowed, ok := transitions(s)
	return ok && len(allowed) == 0
}

// Check returns a *TransitionError when from -> to is not allowed
func Check(orderID int64, from, to models.OrderStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{OrderID: orderID, From: from, To: to}
	}
	return nil
}
