package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, user_id, total_amount, status, payment_status,
	tracking_number, carrier, tracking_url, estimated_delivery, actual_delivery,
	delivery_notes, idempotency_key, version, created_at, updated_at`

// CreateOrder creates a new order
func (q *queries) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, user_id, total_amount, status, payment_status,
			idempotency_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		RETURNING id, version`

	err := q.db.QueryRowxContext(ctx, query,
		order.OrderNumber, order.UserID, order.TotalAmount, order.Status, order.PaymentStatus,
		order.IdempotencyKey, order.CreatedAt,
	).Scan(&order.ID, &order.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	order.UpdatedAt = order.CreatedAt
	return nil
}

// GetOrder retrieves an order by ID
func (q *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := q.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if isNoRows(err) {
		return nil, apperr.NotFound("order %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, nil if none
func (q *queries) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := q.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes the mutable order fields if the stored version still equals
// order.Version, then advances order.Version.
func (q *queries) UpdateOrder(ctx context.Context, order *models.Order) error {
	query := `
		UPDATE orders SET
			status = $1, payment_status = $2, tracking_number = $3, carrier = $4,
			tracking_url = $5, estimated_delivery = $6, actual_delivery = $7,
			delivery_notes = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11
		RETURNING version`

	var version int64
	err := q.db.QueryRowxContext(ctx, query,
		order.Status, order.PaymentStatus, order.TrackingNumber, order.Carrier,
		order.TrackingURL, order.EstimatedDelivery, order.ActualDelivery,
		order.DeliveryNotes, order.UpdatedAt, order.ID, order.Version,
	).Scan(&version)
	if isNoRows(err) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	order.Version = version
	return nil
}

// CreateOrderItem creates a new order item
func (q *queries) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return q.db.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, item.LineTotal)
}

// GetOrderItems retrieves all items for an order
func (q *queries) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := q.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, quantity, unit_price, line_total FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	return items, err
}

// GetProductsByIDs retrieves multiple products by IDs
func (q *queries) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT id, sku, name, price, created_at FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = q.db.Rebind(query)

	var products []models.Product
	err = q.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// AppendStatusHistory inserts one history row
func (q *queries) AppendStatusHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	query := `
		INSERT INTO order_status_history (order_id, status, note, actor, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if err := q.db.GetContext(ctx, &entry.ID, query,
		entry.OrderID, entry.Status, entry.Note, entry.Actor, entry.CreatedAt); err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

// ListStatusHistory returns the history of an order, oldest first
func (q *queries) ListStatusHistory(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	var entries []models.StatusHistoryEntry
	err := q.db.SelectContext(ctx, &entries, `
		SELECT id, order_id, status, note, actor, created_at
		FROM order_status_history WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	return entries, err
}
