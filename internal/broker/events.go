package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

func itemKey(itemID int64) string {
	return fmt.Sprintf("inventory-%d", itemID)
}

// PublishOrderStatusChanged publishes ORDER_STATUS_CHANGED
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishStockMovementApplied publishes STOCK_MOVEMENT_APPLIED
func (ep *EventPublisher) PublishStockMovementApplied(ctx context.Context, event *models.StockMovementAppliedEvent) error {
	return ep.producer.PublishEvent(ctx, itemKey(event.InventoryItemID), event)
}

// PublishStockLevelAlert publishes STOCK_LEVEL_ALERT
func (ep *EventPublisher) PublishStockLevelAlert(ctx context.Context, event *models.StockLevelAlertEvent) error {
	return ep.producer.PublishEvent(ctx, itemKey(event.InventoryItemID), event)
}

// PublishTrackingEventRecorded publishes TRACKING_EVENT_RECORDED
func (ep *EventPublisher) PublishTrackingEventRecorded(ctx context.Context, event *models.TrackingEventRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishDeliveryAttemptRecorded publishes DELIVERY_ATTEMPT_RECORDED
func (ep *EventPublisher) PublishDeliveryAttemptRecorded(ctx context.Context, event *models.DeliveryAttemptRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCarrierTracking func(context.Context, *models.CarrierTrackingEvent) error
	onPayment         func(context.Context, *models.PaymentEvent) error
	logger            *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCarrierTracking registers a handler for carrier feed events
func (eh *EventHandler) OnCarrierTracking(handler func(context.Context, *models.CarrierTrackingEvent) error) {
	eh.onCarrierTracking = handler
}

// OnPayment registers a handler for payment success, failure and refund events
func (eh *EventHandler) OnPayment(handler func(context.Context, *models.PaymentEvent) error) {
	eh.onPayment = handler
}

// ErrMalformedMessage marks a payload that can never be decoded
var ErrMalformedMessage = errors.New("malformed message")

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: base event: %v", ErrMalformedMessage, err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCarrierTracking:
		if eh.onCarrierTracking != nil {
			var event models.CarrierTrackingEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: carrier tracking event: %v", ErrMalformedMessage, err)
			}
			return eh.onCarrierTracking(ctx, &event)
		}

	case models.EventTypePaymentSuccess, models.EventTypePaymentFailed, models.EventTypePaymentRefunded:
		if eh.onPayment != nil {
			var event models.PaymentEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: payment event: %v", ErrMalformedMessage, err)
			}
			return eh.onPayment(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
