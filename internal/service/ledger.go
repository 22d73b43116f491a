package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger is the only writer of inventory_items.current_stock. Every change
// is a signed movement appended together with the new stock level.
type StockLedger struct {
	repo     Repository
	notifier *notifier
	retries  int
	logger   *zap.Logger
	now      func() time.Time
}

// MovementRequest describes one stock movement
type MovementRequest struct {
	InventoryItemID int64               `json:"-"`
	MovementType    models.MovementType `json:"type" binding:"required"`
	QuantityDelta   int                 `json:"delta" binding:"required"`
	Reason          string              `json:"reason"`
	Actor           string              `json:"actor"`
	IdempotencyKey  string              `json:"idempotency_key,omitempty"`
	OrderID         *int64              `json:"-"`
	OrderItemID     *int64              `json:"-"`
}

// MovementResult is the committed movement and the item state it produced.
// Replayed is set when the idempotency key had already been applied.
type MovementResult struct {
	Item           *models.InventoryItem `json:"item"`
	Movement       *models.StockMovement `json:"movement"`
	Replayed       bool                  `json:"replayed"`
	PreviousStatus models.StockStatus    `json:"-"`
}

// ItemView is an inventory item with its read-time stock health
type ItemView struct {
	*models.InventoryItem
	Status           models.StockStatus `json:"status"`
	NeedsReorder     bool               `json:"needs_reorder"`
	SuggestedReorder int                `json:"suggested_reorder"`
}

// NewItemView derives the computed fields of an item
func NewItemView(item *models.InventoryItem) *ItemView {
	status := item.ComputedStatus()
	return &ItemView{
		InventoryItem:    item,
		Status:           status,
		NeedsReorder:     status != models.StockInStock,
		SuggestedReorder: item.SuggestedReorder(),
	}
}

func newStockLedger(repo Repository, n *notifier, retries int, logger *zap.Logger, now func() time.Time) *StockLedger {
	return &StockLedger{repo: repo, notifier: n, retries: retries, logger: logger, now: now}
}

// ApplyMovement applies a movement in its own transaction
func (l *StockLedger) ApplyMovement(ctx context.Context, req MovementRequest) (*MovementResult, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.ApplyMovement",
		attribute.Int64("inventory_item_id", req.InventoryItemID),
		attribute.String("movement_type", string(req.MovementType)),
		attribute.Int("quantity_delta", req.QuantityDelta))
	defer span.End()

	var (
		res *MovementResult
		ob  outbox
	)
	err := l.checkExternalKey(req.IdempotencyKey)
	if err == nil {
		err = l.repo.InTx(ctx, func(q store.Queries) error {
			var err error
			res, err = l.apply(ctx, q, req)
			return err
		})
	}
	if err != nil {
		util.RecordError(span, err)
		util.StockMovementsRejected.WithLabelValues(strings.ToLower(string(apperr.KindOf(err)))).Inc()
		return nil, err
	}

	l.notifier.stockApplied(&ob, res)
	ob.flush(ctx, l.logger)

	if res.Replayed {
		l.logger.Info("Stock movement replayed",
			zap.Int64("inventory_item_id", req.InventoryItemID),
			zap.String("idempotency_key", req.IdempotencyKey))
	} else {
		l.logger.Info("Stock movement applied",
			zap.Int64("inventory_item_id", res.Item.ID),
			zap.String("type", string(res.Movement.MovementType)),
			zap.Int("delta", res.Movement.QuantityDelta),
			zap.Int("resulting_stock", res.Movement.ResultingStock))
	}
	return res, nil
}

// checkExternalKey keeps callers out of the key namespace the order hooks
// replay debits and credits from
func (l *StockLedger) checkExternalKey(key string) error {
	if models.IsOrderLineKey(key) {
		return apperr.Validation("idempotency key %q uses the reserved prefix %q", key, models.OrderLineKeyPrefix).
			WithDetail("idempotency_key", key)
	}
	return nil
}

// apply runs inside the caller's transaction. The stock update is a version
// check retried against a fresh read; the movement row is written after it, so
// movement ids follow the order in which updates to the item committed.
func (l *StockLedger) apply(ctx context.Context, q store.Queries, req MovementRequest) (*MovementResult, error) {
	if err := req.MovementType.ValidateDelta(req.QuantityDelta); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation("actor is required")
	}

	if req.IdempotencyKey != "" {
		existing, err := q.GetStockMovementByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.InventoryItemID != req.InventoryItemID {
				return nil, apperr.Validation("idempotency key %q belongs to inventory item %d",
					req.IdempotencyKey, existing.InventoryItemID)
			}
			if !sameMovement(existing, req) {
				return nil, apperr.Validation("idempotency key %q was used for a different movement",
					req.IdempotencyKey).
					WithDetail("movement_id", existing.ID)
			}
			item, err := q.GetInventoryItem(ctx, existing.InventoryItemID)
			if err != nil {
				return nil, err
			}
			return &MovementResult{Item: item, Movement: existing, Replayed: true,
				PreviousStatus: item.ComputedStatus()}, nil
		}
	}

	var (
		item     *models.InventoryItem
		previous models.StockStatus
	)
	for attempt := 0; ; attempt++ {
		var err error
		item, err = q.GetInventoryItem(ctx, req.InventoryItemID)
		if err != nil {
			return nil, err
		}
		previous = item.ComputedStatus()

		next := item.CurrentStock + req.QuantityDelta
		if next < 0 {
			return nil, apperr.InsufficientStock("insufficient stock for product %d: have %d, need %d",
				item.ProductID, item.CurrentStock, -req.QuantityDelta).
				WithDetail("inventory_item_id", item.ID).
				WithDetail("product_id", item.ProductID).
				WithDetail("current_stock", item.CurrentStock).
				WithDetail("requested", -req.QuantityDelta)
		}

		item.CurrentStock = next
		item.UpdatedAt = l.now()
		err = q.UpdateInventoryStock(ctx, item)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		if attempt >= l.retries {
			return nil, apperr.StateConflict("inventory item %d kept changing, gave up after %d retries",
				req.InventoryItemID, l.retries)
		}
		util.StockCASRetries.Inc()
	}

	movement := &models.StockMovement{
		InventoryItemID: item.ID,
		MovementType:    req.MovementType,
		QuantityDelta:   req.QuantityDelta,
		Reason:          req.Reason,
		Actor:           req.Actor,
		OrderID:         req.OrderID,
		OrderItemID:     req.OrderItemID,
		ResultingStock:  item.CurrentStock,
		CreatedAt:       item.UpdatedAt,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		movement.IdempotencyKey = &key
	}

	if err := q.AppendStockMovement(ctx, movement); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// a concurrent request with the same key committed first
			return nil, apperr.StateConflict("movement %q was applied concurrently", req.IdempotencyKey)
		}
		return nil, err
	}

	return &MovementResult{Item: item, Movement: movement, PreviousStatus: previous}, nil
}

// sameMovement reports whether a stored movement is the one req describes
func sameMovement(m *models.StockMovement, req MovementRequest) bool {
	return m.MovementType == req.MovementType &&
		m.QuantityDelta == req.QuantityDelta &&
		sameRef(m.OrderID, req.OrderID) &&
		sameRef(m.OrderItemID, req.OrderItemID)
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// CreateItemRequest registers a product with the ledger
type CreateItemRequest struct {
	ProductID    int64 `json:"product_id" binding:"required"`
	InitialStock int   `json:"initial_stock"`
	models.InventorySettings
	Actor string `json:"actor"`
}

// CreateItem creates an inventory item. A positive initial stock is booked as
// a purchase movement so the ledger always sums to current_stock.
func (l *StockLedger) CreateItem(ctx context.Context, req CreateItemRequest) (*ItemView, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.CreateItem",
		attribute.Int64("product_id", req.ProductID))
	defer span.End()

	if req.ProductID <= 0 {
		return nil, apperr.Validation("product_id is required")
	}
	if req.InitialStock < 0 {
		return nil, apperr.Validation("initial stock cannot be negative, got %d", req.InitialStock)
	}
	if err := req.InventorySettings.Validate(); err != nil {
		return nil, err
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	var (
		item *models.InventoryItem
		res  *MovementResult
		ob   outbox
	)
	err := l.repo.InTx(ctx, func(q store.Queries) error {
		item = &models.InventoryItem{ProductID: req.ProductID, CreatedAt: l.now()}
		req.InventorySettings.Apply(item)
		if err := q.CreateInventoryItem(ctx, item); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return apperr.StateConflict("product %d already has an inventory item", req.ProductID)
			}
			return err
		}
		if req.InitialStock == 0 {
			return nil
		}

		var err error
		res, err = l.apply(ctx, q, MovementRequest{
			InventoryItemID: item.ID,
			MovementType:    models.MovementPurchase,
			QuantityDelta:   req.InitialStock,
			Reason:          "initial stock",
			Actor:           req.Actor,
		})
		if err != nil {
			return err
		}
		item = res.Item
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if res != nil {
		l.notifier.stockApplied(&ob, res)
	} else if l.notifier.mirror != nil {
		mirrored := *item
		ob.add("mirror_stock", func(ctx context.Context) error {
			return l.notifier.mirror.MirrorStock(ctx, &mirrored)
		})
	}
	ob.flush(ctx, l.logger)

	l.logger.Info("Inventory item created",
		zap.Int64("inventory_item_id", item.ID),
		zap.Int64("product_id", item.ProductID),
		zap.Int("initial_stock", item.CurrentStock))
	return NewItemView(item), nil
}

// UpdateSettings replaces the admin settings of an item. current_stock is
// never touched here.
func (l *StockLedger) UpdateSettings(ctx context.Context, itemID int64, settings models.InventorySettings) (*ItemView, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.UpdateSettings",
		attribute.Int64("inventory_item_id", itemID))
	defer span.End()

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	var item *models.InventoryItem
	err := l.repo.InTx(ctx, func(q store.Queries) error {
		for attempt := 0; ; attempt++ {
			var err error
			item, err = q.GetInventoryItem(ctx, itemID)
			if err != nil {
				return err
			}
			settings.Apply(item)
			item.UpdatedAt = l.now()

			err = q.UpdateInventorySettings(ctx, item)
			if err == nil {
				return nil
			}
			if !errors.Is(err, store.ErrVersionConflict) {
				return err
			}
			if attempt >= l.retries {
				return apperr.StateConflict("inventory item %d kept changing, gave up after %d retries",
					itemID, l.retries)
			}
		}
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if l.notifier.mirror != nil {
		if err := l.notifier.mirror.MirrorStock(ctx, item); err != nil {
			l.logger.Warn("Failed to mirror stock", zap.Int64("inventory_item_id", item.ID), zap.Error(err))
		}
	}

	l.logger.Info("Inventory settings updated",
		zap.Int64("inventory_item_id", item.ID),
		zap.Int("minimum", item.MinimumStockLevel),
		zap.Int("reorder_quantity", item.ReorderQuantity))
	return NewItemView(item), nil
}

// GetItem returns an item with its computed stock health
func (l *StockLedger) GetItem(ctx context.Context, itemID int64) (*ItemView, error) {
	item, err := l.repo.GetInventoryItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return NewItemView(item), nil
}

// ListMovements returns the ledger of an item in application order
func (l *StockLedger) ListMovements(ctx context.Context, itemID int64) ([]models.StockMovement, error) {
	if _, err := l.repo.GetInventoryItem(ctx, itemID); err != nil {
		return nil, err
	}
	movements, err := l.repo.ListStockMovements(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock movements: %w", err)
	}
	return movements, nil
}

// SyncMirror copies every item's committed stock into the mirror. Run at
// startup so storefront reads do not start cold.
func (l *StockLedger) SyncMirror(ctx context.Context) error {
	if l.notifier.mirror == nil {
		return nil
	}
	items, err := l.repo.ListInventoryItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}
	for i := range items {
		if err := l.notifier.mirror.MirrorStock(ctx, &items[i]); err != nil {
			return fmt.Errorf("failed to mirror item %d: %w", items[i].ID, err)
		}
	}
	l.logger.Info("Stock mirror synced", zap.Int("items", len(items)))
	return nil
}
