package worker

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/mailer"
	"storefront-service/internal/models"
	"storefront-service/internal/orderstate"
	"storefront-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Sender delivers a composed e-mail
type Sender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// EventLog records handled event IDs so redelivered messages are skipped
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationWorker sends customer e-mails for NOTIFICATION_REQUESTED events
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sender       Sender
	events       EventLog
	retry        orderstate.RetryPolicy
	logger       *zap.Logger
}

// Option configures a NotificationWorker
type Option func(*NotificationWorker)

// WithRetryPolicy bounds how often a failed send is retried before the
// message is given up
func WithRetryPolicy(policy orderstate.RetryPolicy) Option {
	return func(w *NotificationWorker) { w.retry = policy }
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, sender Sender, events EventLog, opts ...Option) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		sender:       sender,
		events:       events,
		retry:        orderstate.DefaultRetryPolicy,
		logger:       util.GetLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.retry.MaxAttempts < 1 {
		w.retry.MaxAttempts = 1
	}
	w.eventHandler.OnNotificationRequested(w.HandleNotification)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandleNotification sends the e-mail for one event, at most once per event ID.
// Send failures are retried here with bounded backoff; the consumer does not
// redeliver a message whose handler failed.
func (w *NotificationWorker) HandleNotification(ctx context.Context, event *models.NotificationRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.HandleNotification",
		attribute.Int64("order.id", event.OrderID),
		attribute.String("notification.kind", string(event.Kind)))
	defer span.End()

	if w.events != nil {
		done, err := w.events.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check processed event: %w", err)
		}
		if done {
			w.logger.Debug("Skipping already processed notification", zap.String("event_id", event.EventID))
			return nil
		}
	}

	msg, err := mailer.Compose(event)
	if err != nil {
		// Not retryable; drop it so the partition keeps moving
		w.logger.Error("Dropping notification", zap.String("event_id", event.EventID), zap.Error(err))
		return nil
	}

	attempts := 0
	send := func() error {
		attempts++
		return w.sender.Send(ctx, msg)
	}
	err = backoff.RetryNotify(send, w.backOff(ctx), func(err error, next time.Duration) {
		w.logger.Warn("Mail send failed, retrying",
			zap.String("event_id", event.EventID),
			zap.Duration("next_attempt_in", next),
			zap.Error(err))
	})
	if err != nil {
		util.RecordError(span, err)
		util.NotificationsTotal.WithLabelValues(string(event.Kind), "mail_failed").Inc()
		w.logger.Error("Giving up on notification",
			zap.String("event_id", event.EventID),
			zap.Int64("order_id", event.OrderID),
			zap.String("kind", string(event.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return fmt.Errorf("failed to send %s for order %d: %w", event.Kind, event.OrderID, err)
	}
	util.NotificationsTotal.WithLabelValues(string(event.Kind), "mailed").Inc()

	if w.events != nil {
		if err := w.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
			w.logger.Error("Failed to mark notification processed", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}

	w.logger.Info("Notification sent",
		zap.Int64("order_id", event.OrderID),
		zap.String("kind", string(event.Kind)))
	return nil
}

func (w *NotificationWorker) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.retry.InitialInterval
	exp.MaxInterval = w.retry.MaxInterval
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.retry.MaxAttempts-1)), ctx)
}
