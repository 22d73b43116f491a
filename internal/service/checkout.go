package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutRequest represents a storefront checkout. Orders always start with
// a pending payment; only payment events move payment_status.
type CheckoutRequest struct {
	UserID         int64              `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Actor          string             `json:"actor,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CheckoutResult is the confirmed order. Replayed is set when the idempotency
// key matched an earlier checkout.
type CheckoutResult struct {
	Order    *models.Order      `json:"order"`
	Items    []models.OrderItem `json:"items"`
	Replayed bool               `json:"replayed"`
}

// Checkout creates an order and confirms it in one transaction. Confirming
// debits stock for every line, so a checkout that cannot be fully stocked
// leaves nothing behind.
func (c *Coordinator) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Checkout",
		attribute.Int64("user_id", req.UserID))
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}
	if req.Actor == "" {
		req.Actor = fmt.Sprintf("user:%d", req.UserID)
	}

	items, err := normalizeItems(req)
	if err != nil {
		util.CheckoutsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if existing, err := c.replay(ctx, req.IdempotencyKey); err != nil || existing != nil {
		return existing, err
	}

	if c.locker != nil {
		token := uuid.New().String()
		acquired, err := c.locker.AcquireLock(ctx, "checkout:"+req.IdempotencyKey, token, c.policy.CheckoutLockTTL)
		if err != nil {
			c.logger.Warn("Checkout lock unavailable, relying on the idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		} else if !acquired {
			util.CheckoutsTotal.WithLabelValues("conflict").Inc()
			return nil, apperr.StateConflict("checkout %q is already in progress", req.IdempotencyKey)
		} else {
			defer func() {
				if err := c.locker.ReleaseLock(ctx, "checkout:"+req.IdempotencyKey, token); err != nil {
					c.logger.Warn("Failed to release checkout lock", zap.Error(err))
				}
			}()
		}
	}

	products, err := c.validateOrderItems(ctx, items)
	if err != nil {
		util.CheckoutsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := c.now()
	order := &models.Order{
		OrderNumber:    newOrderNumber(),
		UserID:         req.UserID,
		TotalAmount:    calculateTotal(items, products),
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var (
		lines []models.OrderItem
		ob    outbox
	)
	err = c.repo.InTx(ctx, func(q store.Queries) error {
		if err := q.CreateOrder(ctx, order); err != nil {
			return err
		}

		lines = make([]models.OrderItem, 0, len(items))
		for _, item := range items {
			product := products[item.ProductID]
			line := &models.OrderItem{
				OrderID:   order.ID,
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
				LineTotal: product.Price * int64(item.Quantity),
			}
			if err := q.CreateOrderItem(ctx, line); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			lines = append(lines, *line)
		}

		if err := q.AppendStatusHistory(ctx, &models.StatusHistoryEntry{
			OrderID:   order.ID,
			Status:    models.OrderStatusPending,
			Note:      "order placed",
			Actor:     req.Actor,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		t, err := c.transitionTx(ctx, q, TransitionRequest{
			OrderID:        order.ID,
			Status:         models.OrderStatusConfirmed,
			ExpectedStatus: models.OrderStatusPending,
			Note:           "checkout completed",
			Actor:          req.Actor,
		}, &ob)
		if err != nil {
			return err
		}
		order = t.Order
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// lost the race to a concurrent checkout with the same key
			if existing, rerr := c.replay(ctx, req.IdempotencyKey); rerr == nil && existing != nil {
				return existing, nil
			}
			err = apperr.StateConflict("checkout %q was submitted concurrently", req.IdempotencyKey)
		}
		util.RecordError(span, err)
		util.CheckoutsTotal.WithLabelValues(strings.ToLower(string(apperr.KindOf(err)))).Inc()
		c.logger.Warn("Checkout failed",
			zap.Int64("user_id", req.UserID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Error(err))
		return nil, err
	}

	ob.flush(ctx, c.logger)
	util.CheckoutsTotal.WithLabelValues("confirmed").Inc()
	c.logger.Info("Order checked out",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("total_amount", order.TotalAmount))

	return &CheckoutResult{Order: order, Items: lines}, nil
}

// replay returns the earlier checkout made under key, or nil if there is none
func (c *Coordinator) replay(ctx context.Context, key string) (*CheckoutResult, error) {
	existing, err := c.repo.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing == nil {
		return nil, nil
	}

	c.logger.Info("Duplicate checkout request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", existing.ID))
	util.CheckoutsTotal.WithLabelValues("replayed").Inc()

	items, err := c.repo.GetOrderItems(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Order: existing, Items: items, Replayed: true}, nil
}

// normalizeItems validates the request lines and merges repeated products
func normalizeItems(req *CheckoutRequest) ([]OrderItemRequest, error) {
	if req.UserID <= 0 {
		return nil, apperr.Validation("user_id is required")
	}
	if len(req.Items) == 0 {
		return nil, apperr.Validation("an order needs at least one item")
	}

	qty := make(map[int64]int, len(req.Items))
	for _, item := range req.Items {
		if item.ProductID <= 0 {
			return nil, apperr.Validation("product_id is required")
		}
		if item.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %d must be positive", item.ProductID)
		}
		qty[item.ProductID] += item.Quantity
	}

	items := make([]OrderItemRequest, 0, len(qty))
	for productID, q := range qty {
		items = append(items, OrderItemRequest{ProductID: productID, Quantity: q})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items, nil
}

// validateOrderItems validates that all products exist
func (c *Coordinator) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	productIDs := make([]int64, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}

	products, err := c.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, id := range productIDs {
		if _, ok := productMap[id]; !ok {
			return nil, apperr.NotFound("product %d not found", id).WithDetail("product_id", id)
		}
	}
	return productMap, nil
}

// calculateTotal calculates the total amount for an order
func calculateTotal(items []OrderItemRequest, products map[int64]*models.Product) int64 {
	var total int64
	for _, item := range items {
		total += products[item.ProductID].Price * int64(item.Quantity)
	}
	return total
}

func newOrderNumber() string {
	return "ORD-" + strings.ToUpper(uuid.New().String()[:8])
}
