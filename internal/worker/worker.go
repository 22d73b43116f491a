package worker

import (
	"context"
	"errors"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CarrierTrackingHandler applies carrier feed events
type CarrierTrackingHandler interface {
	HandleCarrierTracking(ctx context.Context, event *models.CarrierTrackingEvent) error
}

// PaymentHandler applies payment provider events
type PaymentHandler interface {
	HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// consumer is the part of broker.Consumer a worker drives
type consumer interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// Worker consumes one topic and routes its events through an EventHandler
type Worker struct {
	name         string
	consumer     consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCarrierTrackingWorker consumes the carrier tracking feed
func NewCarrierTrackingWorker(c *broker.Consumer, h CarrierTrackingHandler) *Worker {
	eventHandler := broker.NewEventHandler()
	w := newWorker("carrier-tracking", c, eventHandler)
	eventHandler.OnCarrierTracking(func(ctx context.Context, event *models.CarrierTrackingEvent) error {
		return w.settle(event.EventID, h.HandleCarrierTracking(ctx, event))
	})
	return w
}

// NewPaymentWorker consumes payment provider events
func NewPaymentWorker(c *broker.Consumer, h PaymentHandler) *Worker {
	eventHandler := broker.NewEventHandler()
	w := newWorker("payment", c, eventHandler)
	eventHandler.OnPayment(func(ctx context.Context, event *models.PaymentEvent) error {
		return w.settle(event.EventID, h.HandlePaymentEvent(ctx, event))
	})
	return w
}

func newWorker(name string, c consumer, eventHandler *broker.EventHandler) *Worker {
	return &Worker{
		name:         name,
		consumer:     c,
		eventHandler: eventHandler,
		logger:       util.GetLogger().With(zap.String("worker", name)),
	}
}

// settle decides whether a message is done. Business rejections are final and
// acknowledged; anything else is returned and the consumer retries it in place.
func (w *Worker) settle(eventID string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind != apperr.KindStateConflict {
		w.logger.Warn("Event rejected",
			zap.String("event_id", eventID),
			zap.String("code", string(appErr.Kind)),
			zap.Error(err))
		return nil
	}
	return err
}

// Handle routes one message; exposed for tests
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Start starts the worker
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *Worker) Stop() error {
	w.logger.Info("Stopping worker")
	return w.consumer.Close()
}
