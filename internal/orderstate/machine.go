package orderstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Tx is the transactional view of the order/product store
type Tx interface {
	// LockOrder loads the order with its items and holds a row lock until the
	// transaction ends. Returns ErrOrderNotFound for unknown ids.
	LockOrder(ctx context.Context, orderID int64) (*models.Order, error)
	RestoreStock(ctx context.Context, productID int64, quantity int) error
	WriteOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
	RecordPaymentRef(ctx context.Context, orderID int64, paymentRef string) error
}

// Store runs fn in a single transaction, committing only when fn returns nil
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier sends customer notices. Failures never undo a status change.
type Notifier interface {
	SendShippingNotice(ctx context.Context, order *models.Order) error
	SendDeliveryNotice(ctx context.Context, order *models.Order) error
}

// EventPublisher receives committed transitions
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
}

// RetryPolicy bounds notification retries
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is given
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Machine applies status transitions in two phases: a transactional commit
// (status write plus stock restoration) and a detached notify phase.
type Machine struct {
	store         Store
	notifier      Notifier
	events        EventPublisher
	retry         RetryPolicy
	notifyTimeout time.Duration
	logger        *zap.Logger
	wg            sync.WaitGroup
}

// Option configures a Machine
type Option func(*Machine)

func WithEventPublisher(events EventPublisher) Option {
	return func(m *Machine) { m.events = events }
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Machine) { m.retry = policy }
}

func WithNotifyTimeout(timeout time.Duration) Option {
	return func(m *Machine) { m.notifyTimeout = timeout }
}

// NewMachine creates a state machine over store
func NewMachine(store Store, notifier Notifier, opts ...Option) *Machine {
	m := &Machine{
		store:         store,
		notifier:      notifier,
		retry:         DefaultRetryPolicy,
		notifyTimeout: 30 * time.Second,
		logger:        util.GetLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retry.MaxAttempts < 1 {
		m.retry.MaxAttempts = 1
	}
	return m
}

// UpdateOrderStatus moves an order to newStatus. The caller must already be
// authorized as an administrator. A rejected transition has no side effects.
func (m *Machine) UpdateOrderStatus(ctx context.Context, orderID int64, newStatus models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.UpdateOrderStatus",
		attribute.Int64("order.id", orderID),
		attribute.String("order.new_status", newStatus.String()))
	defer span.End()

	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, newStatus)
	}

	var (
		order    *models.Order
		from     models.OrderStatus
		restored int
	)
	err := m.withinTx(ctx, func(tx Tx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = current.Status

		restored, err = m.apply(ctx, tx, orderID, current, newStatus)
		if err != nil {
			return err
		}
		order = current
		return nil
	})
	if err != nil {
		return nil, m.rejected(span, orderID, newStatus, err)
	}

	m.committed(ctx, order, from, restored)
	return order, nil
}

// ConfirmPayment records paymentRef and moves the order from PENDING to
// PROCESSING in one transaction. When the order already moved on with the
// same reference, it is returned unchanged with replayed set.
func (m *Machine) ConfirmPayment(ctx context.Context, orderID int64, paymentRef string) (order *models.Order, replayed bool, err error) {
	ctx, span := util.StartSpan(ctx, "OrderStateMachine.ConfirmPayment", attribute.Int64("order.id", orderID))
	defer span.End()

	var from models.OrderStatus
	err = m.withinTx(ctx, func(tx Tx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		if current.Status != models.OrderStatusPending &&
			current.PaymentRef != nil && *current.PaymentRef == paymentRef {
			order, replayed = current, true
			return nil
		}

		from = current.Status
		if _, err := m.apply(ctx, tx, orderID, current, models.OrderStatusProcessing); err != nil {
			return err
		}
		if err := tx.RecordPaymentRef(ctx, orderID, paymentRef); err != nil {
			return fmt.Errorf("failed to record payment reference: %w", err)
		}
		current.PaymentRef = &paymentRef
		order = current
		return nil
	})
	if err != nil {
		return nil, false, m.rejected(span, orderID, models.OrderStatusProcessing, err)
	}
	if replayed {
		return order, true, nil
	}

	m.committed(ctx, order, from, 0)
	return order, false, nil
}

func (m *Machine) withinTx(ctx context.Context, fn func(tx Tx) error) error {
	start := time.Now()
	defer func() {
		util.TransitionCommitLatency.Observe(time.Since(start).Seconds())
	}()
	return m.store.WithinTx(ctx, fn)
}

// apply checks the transition on the locked order, restores stock on
// cancellation and writes the new status. It returns the restored units.
func (m *Machine) apply(ctx context.Context, tx Tx, orderID int64, current *models.Order, newStatus models.OrderStatus) (int, error) {
	if err := Check(orderID, current.Status, newStatus); err != nil {
		return 0, err
	}

	restored := 0
	if newStatus == models.OrderStatusCancelled {
		for _, item := range current.Items {
			if err := tx.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
				return 0, fmt.Errorf("failed to restore stock for product %d: %w", item.ProductID, err)
			}
			restored += item.Quantity
		}
	}

	if err := tx.WriteOrderStatus(ctx, orderID, newStatus); err != nil {
		return 0, fmt.Errorf("failed to write order status: %w", err)
	}

	current.Status = newStatus
	return restored, nil
}

func (m *Machine) rejected(span trace.Span, orderID int64, newStatus models.OrderStatus, err error) error {
	var terr *TransitionError
	switch {
	case errors.As(err, &terr):
		util.OrderTransitionsRejectedTotal.WithLabelValues(terr.From.String(), terr.To.String()).Inc()
		m.logger.Warn("Rejected order status transition",
			zap.Int64("order_id", orderID),
			zap.String("from", terr.From.String()),
			zap.String("to", terr.To.String()))
		return err
	case errors.Is(err, ErrOrderNotFound):
		return err
	}

	util.RecordError(span, err)
	m.logger.Error("Order status transition failed, nothing committed",
		zap.Int64("order_id", orderID),
		zap.String("to", newStatus.String()),
		zap.Error(err))
	return fmt.Errorf("failed to commit status transition: %w", err)
}

func (m *Machine) committed(ctx context.Context, order *models.Order, from models.OrderStatus, restored int) {
	if restored > 0 {
		util.StockRestoredUnitsTotal.Add(float64(restored))
	}
	util.OrderTransitionsTotal.WithLabelValues(from.String(), order.Status.String()).Inc()
	m.logger.Info("Order status updated",
		zap.Int64("order_id", order.ID),
		zap.String("from", from.String()),
		zap.String("to", order.Status.String()))

	m.publishStatusChanged(ctx, order, from)
	m.notify(ctx, order)
}

func (m *Machine) publishStatusChanged(ctx context.Context, order *models.Order, from models.OrderStatus) {
	if m.events == nil {
		return
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChanged,
			Timestamp: time.Now(),
		},
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   order.Status,
	}

	if err := m.events.PublishOrderStatusChanged(ctx, event); err != nil {
		m.logger.Error("Failed to publish OrderStatusChanged event",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}

// notify dispatches the notice bound to the new status, if any. It runs
// detached from the caller's cancellation; errors are only logged.
func (m *Machine) notify(ctx context.Context, order *models.Order) {
	if m.notifier == nil {
		return
	}

	var (
		send func(context.Context, *models.Order) error
		kind models.NotificationKind
	)
	switch order.Status {
	case models.OrderStatusShipped:
		send, kind = m.notifier.SendShippingNotice, models.NotificationShippingNotice
	case models.OrderStatusDelivered:
		send, kind = m.notifier.SendDeliveryNotice, models.NotificationDeliveryNotice
	default:
		return
	}

	snapshot := *order
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.notifyTimeout)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		attempts := 0
		operation := func() error {
			attempts++
			return send(notifyCtx, &snapshot)
		}

		err := backoff.RetryNotify(operation, m.backOff(notifyCtx), func(err error, next time.Duration) {
			m.logger.Warn("Notification attempt failed, retrying",
				zap.Int64("order_id", snapshot.ID),
				zap.String("kind", string(kind)),
				zap.Duration("next_attempt_in", next),
				zap.Error(err))
		})
		if err != nil {
			util.NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
			m.logger.Error("Notification dispatch gave up",
				zap.Int64("order_id", snapshot.ID),
				zap.String("kind", string(kind)),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return
		}

		util.NotificationsTotal.WithLabelValues(string(kind), "sent").Inc()
	}()
}

func (m *Machine) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.retry.InitialInterval
	exp.MaxInterval = m.retry.MaxInterval
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(m.retry.MaxAttempts-1)), ctx)
}

// Wait blocks until in-flight notifications finish
func (m *Machine) Wait() {
	m.wg.Wait()
}
