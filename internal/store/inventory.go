package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
)

const inventoryColumns = `id, product_id, current_stock, minimum_stock_level, maximum_stock_level,
	reorder_quantity, location, version, created_at, updated_at`

// CreateInventoryItem inserts an item with zero stock; stock only ever arrives
// through movements.
func (q *queries) CreateInventoryItem(ctx context.Context, item *models.InventoryItem) error {
	query := `
		INSERT INTO inventory_items (product_id, current_stock, minimum_stock_level,
			maximum_stock_level, reorder_quantity, location, version, created_at, updated_at)
		VALUES ($1, 0, $2, $3, $4, $5, 1, $6, $6)
		RETURNING id, version`

	err := q.db.QueryRowxContext(ctx, query,
		item.ProductID, item.MinimumStockLevel, item.MaximumStockLevel,
		item.ReorderQuantity, item.Location, item.CreatedAt,
	).Scan(&item.ID, &item.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert inventory item: %w", err)
	}
	item.CurrentStock = 0
	item.UpdatedAt = item.CreatedAt
	return nil
}

// GetInventoryItem retrieves an inventory item by ID
func (q *queries) GetInventoryItem(ctx context.Context, id int64) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := q.db.GetContext(ctx, &item,
		"SELECT "+inventoryColumns+" FROM inventory_items WHERE id = $1", id)
	if isNoRows(err) {
		return nil, apperr.NotFound("inventory item %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory item: %w", err)
	}
	return &item, nil
}

// GetInventoryItemByProduct retrieves the inventory item of a product
func (q *queries) GetInventoryItemByProduct(ctx context.Context, productID int64) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := q.db.GetContext(ctx, &item,
		"SELECT "+inventoryColumns+" FROM inventory_items WHERE product_id = $1", productID)
	if isNoRows(err) {
		return nil, apperr.NotFound("no inventory item for product %d", productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inventory item: %w", err)
	}
	return &item, nil
}

// ListInventoryItems returns every inventory item
func (q *queries) ListInventoryItems(ctx context.Context) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := q.db.SelectContext(ctx, &items, "SELECT "+inventoryColumns+" FROM inventory_items ORDER BY id")
	return items, err
}

// UpdateInventoryStock sets current_stock if the stored version still equals
// item.Version. Only the stock ledger calls this.
func (q *queries) UpdateInventoryStock(ctx context.Context, item *models.InventoryItem) error {
	var version int64
	err := q.db.QueryRowxContext(ctx, `
		UPDATE inventory_items
		SET current_stock = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING version`,
		item.CurrentStock, item.UpdatedAt, item.ID, item.Version,
	).Scan(&version)
	if isNoRows(err) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	item.Version = version
	return nil
}

// UpdateInventorySettings writes the admin settings under the same version check
func (q *queries) UpdateInventorySettings(ctx context.Context, item *models.InventoryItem) error {
	var version int64
	err := q.db.QueryRowxContext(ctx, `
		UPDATE inventory_items
		SET minimum_stock_level = $1, maximum_stock_level = $2, reorder_quantity = $3,
			location = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7
		RETURNING version`,
		item.MinimumStockLevel, item.MaximumStockLevel, item.ReorderQuantity,
		item.Location, item.UpdatedAt, item.ID, item.Version,
	).Scan(&version)
	if isNoRows(err) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update inventory settings: %w", err)
	}
	item.Version = version
	return nil
}

// AppendStockMovement inserts a ledger row. A movement whose idempotency key
// already exists is not inserted and ErrDuplicate is returned.
func (q *queries) AppendStockMovement(ctx context.Context, m *models.StockMovement) error {
	query := `
		INSERT INTO stock_movements (inventory_item_id, movement_type, quantity_delta, reason,
			actor, idempotency_key, order_id, order_item_id, resulting_stock, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`

	err := q.db.GetContext(ctx, &m.ID, query,
		m.InventoryItemID, m.MovementType, m.QuantityDelta, m.Reason, m.Actor,
		m.IdempotencyKey, m.OrderID, m.OrderItemID, m.ResultingStock, m.CreatedAt)
	if isNoRows(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to append stock movement: %w", err)
	}
	return nil
}

const movementColumns = `id, inventory_item_id, movement_type, quantity_delta, reason, actor,
	idempotency_key, order_id, order_item_id, resulting_stock, created_at`

// GetStockMovementByKey returns the movement recorded under key, nil if none
func (q *queries) GetStockMovementByKey(ctx context.Context, key string) (*models.StockMovement, error) {
	var m models.StockMovement
	err := q.db.GetContext(ctx, &m,
		"SELECT "+movementColumns+" FROM stock_movements WHERE idempotency_key = $1", key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stock movement: %w", err)
	}
	return &m, nil
}

// ListStockMovements returns the ledger of an item in application order
func (q *queries) ListStockMovements(ctx context.Context, itemID int64) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	err := q.db.SelectContext(ctx, &movements,
		"SELECT "+movementColumns+" FROM stock_movements WHERE inventory_item_id = $1 ORDER BY id",
		itemID)
	return movements, err
}
