package models

import (
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
)

// MovementType classifies a stock movement
type MovementType string

const (
	MovementPurchase   MovementType = "purchase"
	MovementSale       MovementType = "sale"
	MovementReturn     MovementType = "return"
	MovementDamage     MovementType = "damage"
	MovementAdjustment MovementType = "adjustment"
)

// IsValid reports whether t is a known movement type
func (t MovementType) IsValid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementReturn, MovementDamage, MovementAdjustment:
		return true
	}
	return false
}

// ValidateDelta checks the sign of delta against the movement type.
// Purchases and returns add stock, sales and damage remove it, adjustments go either way.
func (t MovementType) ValidateDelta(delta int) error {
	if !t.IsValid() {
		return apperr.Validation("unknown movement type %q", t)
	}
	if delta == 0 {
		return apperr.Validation("quantity delta must be non-zero")
	}
	switch t {
	case MovementPurchase, MovementReturn:
		if delta < 0 {
			return apperr.Validation("%s movement must have a positive delta, got %d", t, delta)
		}
	case MovementSale, MovementDamage:
		if delta > 0 {
			return apperr.Validation("%s movement must have a negative delta, got %d", t, delta)
		}
	}
	return nil
}

// StockStatus is the read-time health of an inventory item
type StockStatus string

const (
	StockInStock    StockStatus = "in_stock"
	StockLowStock   StockStatus = "low_stock"
	StockOutOfStock StockStatus = "out_of_stock"
)

// InventoryItem holds per-product stock settings. CurrentStock is written only by
// ledger movements.
type InventoryItem struct {
	ID                int64     `db:"id" json:"id"`
	ProductID         int64     `db:"product_id" json:"product_id"`
	CurrentStock      int       `db:"current_stock" json:"current_stock"`
	MinimumStockLevel int       `db:"minimum_stock_level" json:"minimum_stock_level"`
	MaximumStockLevel *int      `db:"maximum_stock_level" json:"maximum_stock_level,omitempty"`
	ReorderQuantity   int       `db:"reorder_quantity" json:"reorder_quantity"`
	Location          string    `db:"location" json:"location,omitempty"`
	Version           int64     `db:"version" json:"version"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ComputeStockStatus derives the stock health from a level and its minimum
func ComputeStockStatus(stock, minimum int) StockStatus {
	switch {
	case stock <= 0:
		return StockOutOfStock
	case stock <= minimum:
		return StockLowStock
	default:
		return StockInStock
	}
}

// ComputedStatus derives the item's stock health; it is never stored
func (i *InventoryItem) ComputedStatus() StockStatus {
	return ComputeStockStatus(i.CurrentStock, i.MinimumStockLevel)
}

// SuggestedReorder is the quantity to order now, or 0 if stock is above minimum.
// The suggestion never pushes stock past the maximum level.
func (i *InventoryItem) SuggestedReorder() int {
	if i.ComputedStatus() == StockInStock {
		return 0
	}
	qty := i.ReorderQuantity
	if i.MaximumStockLevel != nil && i.CurrentStock+qty > *i.MaximumStockLevel {
		qty = *i.MaximumStockLevel - i.CurrentStock
	}
	if qty < 0 {
		return 0
	}
	return qty
}

// InventorySettings are the admin-editable fields of an item
type InventorySettings struct {
	MinimumStockLevel int    `json:"minimum"`
	MaximumStockLevel *int   `json:"maximum,omitempty"`
	ReorderQuantity   int    `json:"reorder_quantity"`
	Location          string `json:"location"`
}

// Validate enforces reorder > 0, minimum >= 0 and maximum >= minimum when set
func (s InventorySettings) Validate() error {
	if s.ReorderQuantity <= 0 {
		return apperr.Validation("reorder quantity must be greater than zero, got %d", s.ReorderQuantity)
	}
	if s.MinimumStockLevel < 0 {
		return apperr.Validation("minimum stock level cannot be negative, got %d", s.MinimumStockLevel)
	}
	if s.MaximumStockLevel != nil && *s.MaximumStockLevel < s.MinimumStockLevel {
		return apperr.Validation("maximum stock level %d is below minimum %d",
			*s.MaximumStockLevel, s.MinimumStockLevel)
	}
	return nil
}

// Apply copies the settings onto the item
func (s InventorySettings) Apply(item *InventoryItem) {
	item.MinimumStockLevel = s.MinimumStockLevel
	item.MaximumStockLevel = s.MaximumStockLevel
	item.ReorderQuantity = s.ReorderQuantity
	item.Location = s.Location
}

// StockMovement is one signed, immutable ledger row
type StockMovement struct {
	ID              int64        `db:"id" json:"id"`
	InventoryItemID int64        `db:"inventory_item_id" json:"inventory_item_id"`
	MovementType    MovementType `db:"movement_type" json:"movement_type"`
	QuantityDelta   int          `db:"quantity_delta" json:"quantity_delta"`
	Reason          string       `db:"reason" json:"reason,omitempty"`
	Actor           string       `db:"actor" json:"actor"`
	IdempotencyKey  *string      `db:"idempotency_key" json:"idempotency_key,omitempty"`
	OrderID         *int64       `db:"order_id" json:"order_id,omitempty"`
	OrderItemID     *int64       `db:"order_item_id" json:"order_item_id,omitempty"`
	ResultingStock  int          `db:"resulting_stock" json:"resulting_stock"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
}

// Stock movement directions for order lines
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// OrderLineKeyPrefix is reserved for movement keys the order hooks write
const OrderLineKeyPrefix = "order:"

// OrderLineMovementKey is the idempotency key of the debit or credit for one order line
func OrderLineMovementKey(orderID, orderItemID int64, direction string) string {
	return fmt.Sprintf(OrderLineKeyPrefix+"%d:item:%d:%s", orderID, orderItemID, direction)
}

// IsOrderLineKey reports whether key is in the reserved order-line namespace
func IsOrderLineKey(key string) bool {
	return strings.HasPrefix(key, OrderLineKeyPrefix)
}
