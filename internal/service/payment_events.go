package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentActor is recorded for transitions caused by payment events
const PaymentActor = "payment-service"

var paymentStatuses = map[string]models.PaymentStatus{
	models.EventTypePaymentSuccess:  models.PaymentStatusPaid,
	models.EventTypePaymentFailed:   models.PaymentStatusFailed,
	models.EventTypePaymentRefunded: models.PaymentStatusRefunded,
}

// HandlePaymentEvent applies a payment provider event to its order. A failed
// payment also cancels the order, returning its stock, in the same
// transaction. Each event id is applied at most once.
func (c *Coordinator) HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.HandlePaymentEvent",
		attribute.Int64("order_id", event.OrderID),
		attribute.String("event_type", event.EventType))
	defer span.End()

	payment, ok := paymentStatuses[event.EventType]
	if !ok {
		return apperr.Validation("unsupported payment event %q", event.EventType)
	}
	if event.EventID == "" {
		return apperr.Validation("payment event has no id")
	}

	processed, err := c.repo.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		c.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	c.logger.Info("Handling payment event",
		zap.Int64("order_id", event.OrderID),
		zap.String("type", event.EventType),
		zap.String("tx_id", event.TxID))

	var (
		cancelled *Transition
		ob        outbox
	)
	err = c.repo.InTx(ctx, func(q store.Queries) error {
		order, err := q.GetOrder(ctx, event.OrderID)
		if err != nil {
			return err
		}

		if order.PaymentStatus != payment {
			order.PaymentStatus = payment
			order.UpdatedAt = c.now()
			if err := q.UpdateOrder(ctx, order); err != nil {
				if errors.Is(err, store.ErrVersionConflict) {
					return apperr.StateConflict("order %d was modified concurrently", order.ID)
				}
				return err
			}
			c.notifier.orderChanged(&ob, order.ID)
		}

		if payment == models.PaymentStatusFailed && order.Status.CanTransitionTo(models.OrderStatusCancelled) {
			note := "payment failed"
			if event.Reason != "" {
				note = fmt.Sprintf("payment failed: %s", event.Reason)
			}
			cancelled, err = c.transitionTx(ctx, q, TransitionRequest{
				OrderID:        order.ID,
				Status:         models.OrderStatusCancelled,
				ExpectedStatus: order.Status,
				Note:           note,
				Actor:          PaymentActor,
			}, &ob)
			if err != nil {
				return err
			}
		}

		return q.MarkEventProcessed(ctx, event.EventID, event.EventType)
	})
	if err != nil {
		util.RecordError(span, err)
		return err
	}

	ob.flush(ctx, c.logger)
	if cancelled != nil {
		c.logger.Info("Order cancelled after failed payment",
			zap.Int64("order_id", event.OrderID),
			zap.Int("stock_movements", len(cancelled.Movements)))
	}
	return nil
}
