package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"storefront-service/internal/models"
	"storefront-service/internal/orderstate"

	"github.com/jmoiron/sqlx"
)

// CreateOrder inserts the order and its items and decrements stock for every
// line in one transaction. Totals on order are stored as given.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock product rows in a stable order
	items := append([]models.OrderItem(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	for _, item := range items {
		if err := decrementStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO orders (user_id, customer_email, status, subtotal, shipping, discount, total, coupon_code, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.UserID, order.CustomerEmail, order.Status, order.Subtotal, order.Shipping,
		order.Discount, order.Total, order.CouponCode, order.IdempotencyKey)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, quantity, price_at_purchase)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			item.OrderID, item.ProductID, item.Quantity, item.PriceAtPurchase)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

func decrementStock(ctx context.Context, tx *sqlx.Tx, productID int64, quantity int) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1",
		quantity, productID)
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	var exists bool
	if err := tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return fmt.Errorf("%w: product %d", ErrInsufficientStock, productID)
}

// FetchOrder retrieves an order with its items
func (s *Store) FetchOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", id); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT id FROM orders WHERE idempotency_key = $1", key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.FetchOrder(ctx, order.ID)
}

// WithinTx runs fn in a transaction, committing only when fn returns nil
func (s *Store) WithinTx(ctx context.Context, fn func(tx orderstate.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&orderTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type orderTx struct {
	tx *sqlx.Tx
}

// LockOrder loads the order FOR UPDATE so concurrent transitions serialize on it
func (t *orderTx) LockOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	if err := t.tx.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY product_id", orderID); err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return &order, nil
}

func (t *orderTx) RestoreStock(ctx context.Context, productID int64, quantity int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2",
		quantity, productID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, productID)
	}
	return nil
}

func (t *orderTx) WriteOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

// RecordPaymentRef stores the gateway reference on the locked order. The
// reference is written in the same transaction as PENDING -> PROCESSING, so a
// cancelled order never carries one.
func (t *orderTx) RecordPaymentRef(ctx context.Context, orderID int64, paymentRef string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET payment_ref = $1, updated_at = NOW() WHERE id = $2",
		paymentRef, orderID)
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
