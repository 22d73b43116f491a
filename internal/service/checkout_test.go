package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateTotal(t *testing.T) {
	items := []OrderItemRequest{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 1},
	}

	products := map[int64]*models.Product{
		1: {ID: 1, Price: 1000},
		2: {ID: 2, Price: 500},
	}

	total := calculateTotal(items, products)

	expected := int64(2*1000 + 1*500) // 2500
	assert.Equal(t, expected, total)
}

func TestNormalizeItems(t *testing.T) {
	items, err := normalizeItems(&CheckoutRequest{
		UserID: 1,
		Items: []OrderItemRequest{
			{ProductID: 9, Quantity: 1},
			{ProductID: 3, Quantity: 2},
			{ProductID: 9, Quantity: 4},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []OrderItemRequest{{ProductID: 3, Quantity: 2}, {ProductID: 9, Quantity: 5}}, items)

	_, err = normalizeItems(&CheckoutRequest{UserID: 1})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = normalizeItems(&CheckoutRequest{
		UserID: 1,
		Items:  []OrderItemRequest{{ProductID: 3, Quantity: 0}},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = normalizeItems(&CheckoutRequest{
		Items: []OrderItemRequest{{ProductID: 3, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCheckout_ConfirmsAndDebits(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	productA, itemA := f.stockedProduct(t, 1000, 5, 1)
	productB, itemB := f.stockedProduct(t, 500, 5, 1)

	res, err := f.coord.Checkout(ctx, &CheckoutRequest{
		UserID: 42,
		Items: []OrderItemRequest{
			{ProductID: productB, Quantity: 1},
			{ProductID: productA, Quantity: 2},
		},
		IdempotencyKey: "checkout-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, models.OrderStatusConfirmed, res.Order.Status)
	assert.Equal(t, models.PaymentStatusPending, res.Order.PaymentStatus)
	assert.Equal(t, int64(2500), res.Order.TotalAmount)
	assert.True(t, strings.HasPrefix(res.Order.OrderNumber, "ORD-"))
	assert.Len(t, res.Items, 2)

	assert.Equal(t, 3, f.repo.inventoryItem(itemA).CurrentStock)
	assert.Equal(t, 4, f.repo.inventoryItem(itemB).CurrentStock)

	history, err := f.coord.ListHistory(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OrderStatusPending, history[0].Status)
	assert.Equal(t, models.OrderStatusConfirmed, history[1].Status)
	assert.Equal(t, "user:42", history[1].Actor)

	require.Len(t, f.pub.statuses, 1)
	assert.Equal(t, models.OrderStatusPending, f.pub.statuses[0].FromStatus)
}

func TestCheckout_IgnoresClientPaymentStatus(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	productID, _ := f.stockedProduct(t, 1000, 5, 1)

	body := fmt.Sprintf(`{"user_id":42,"items":[{"product_id":%d,"quantity":1}],"payment_status":"paid"}`, productID)
	var req CheckoutRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	res, err := f.coord.Checkout(context.Background(), &req)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, res.Order.PaymentStatus)
	assert.Equal(t, models.PaymentStatusPending, f.repo.order(res.Order.ID).PaymentStatus)

	// a pending payment keeps the order cancellable
	_, err = f.coord.Transition(context.Background(), TransitionRequest{
		OrderID: res.Order.ID, Status: models.OrderStatusCancelled, Actor: "user:42",
	})
	assert.NoError(t, err)
}

func TestCheckout_InsufficientStockLeavesNothing(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	productA, itemA := f.stockedProduct(t, 1000, 5, 1)
	productB, itemB := f.stockedProduct(t, 1000, 1, 0)

	_, err := f.coord.Checkout(ctx, &CheckoutRequest{
		UserID: 42,
		Items: []OrderItemRequest{
			{ProductID: productA, Quantity: 2},
			{ProductID: productB, Quantity: 3},
		},
		IdempotencyKey: "checkout-2",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)

	assert.Empty(t, f.repo.current().orders)
	assert.Equal(t, 5, f.repo.inventoryItem(itemA).CurrentStock)
	assert.Equal(t, 1, f.repo.inventoryItem(itemB).CurrentStock)
	assert.Len(t, f.repo.movementsOf(itemA), 1)
	assert.Empty(t, f.locker.owner, "lock is released on failure")
}

func TestCheckout_ReplaysIdempotencyKey(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()
	productID, itemID := f.stockedProduct(t, 1000, 5, 1)

	req := func() *CheckoutRequest {
		return &CheckoutRequest{
			UserID:         42,
			Items:          []OrderItemRequest{{ProductID: productID, Quantity: 1}},
			IdempotencyKey: "checkout-3",
		}
	}

	first, err := f.coord.Checkout(ctx, req())
	require.NoError(t, err)

	second, err := f.coord.Checkout(ctx, req())
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Len(t, second.Items, 1)

	assert.Len(t, f.repo.current().orders, 1)
	assert.Equal(t, 4, f.repo.inventoryItem(itemID).CurrentStock)
}

func TestCheckout_UnknownProduct(t *testing.T) {
	f := newFixture(t, DefaultPolicy())

	_, err := f.coord.Checkout(context.Background(), &CheckoutRequest{
		UserID: 42,
		Items:  []OrderItemRequest{{ProductID: 404, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCheckout_ProductWithoutInventory(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	productID := f.repo.addProduct(1000)

	_, err := f.coord.Checkout(context.Background(), &CheckoutRequest{
		UserID: 42,
		Items:  []OrderItemRequest{{ProductID: productID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, f.repo.current().orders)
}

func TestCheckout_InFlightKeyConflicts(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	productID, itemID := f.stockedProduct(t, 1000, 5, 1)
	f.locker.owner["checkout:checkout-4"] = "other-request"

	_, err := f.coord.Checkout(context.Background(), &CheckoutRequest{
		UserID:         42,
		Items:          []OrderItemRequest{{ProductID: productID, Quantity: 1}},
		IdempotencyKey: "checkout-4",
	})
	assert.ErrorIs(t, err, apperr.ErrStateConflict)
	assert.Equal(t, 5, f.repo.inventoryItem(itemID).CurrentStock)
}
