package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/timeline"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SystemActor is recorded for transitions the service makes on its own
const SystemActor = "system"

// Coordinator runs every fulfillment write as one unit of work: the status
// change, its stock movements and its history entry commit together or not at
// all. Events and cache updates follow the commit.
type Coordinator struct {
	repo     Repository
	machine  *StatusMachine
	ledger   *StockLedger
	tracking *TrackingLog
	notifier *notifier
	cache    TimelineCache
	locker   Locker
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewCoordinator wires the status machine, stock ledger and tracking log
func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = util.GetLogger()
	}
	now := deps.Now
	if now == nil {
		now = utcNow
	}
	policy := deps.Policy.withDefaults()
	n := &notifier{publisher: deps.Publisher, cache: deps.Cache, mirror: deps.Mirror}

	c := &Coordinator{
		repo:     deps.Repo,
		machine:  newStatusMachine(now),
		ledger:   newStockLedger(deps.Repo, n, policy.StockCASRetries, logger, now),
		tracking: newTrackingLog(policy.TrackingAllowedSources, policy.StockCASRetries, now),
		notifier: n,
		cache:    deps.Cache,
		locker:   deps.Locker,
		policy:   policy,
		logger:   logger,
		now:      now,
	}

	c.machine.OnEnter(models.OrderStatusConfirmed, c.debitOrderLines)
	c.machine.OnEnter(models.OrderStatusCancelled, c.creditOrderLines)
	c.machine.OnEnter(models.OrderStatusRefunded, c.creditOrderLines)
	return c
}

// Ledger exposes the stock ledger for inventory operations
func (c *Coordinator) Ledger() *StockLedger {
	return c.ledger
}

// Transition applies one status change with all of its side effects
func (c *Coordinator) Transition(ctx context.Context, req TransitionRequest) (*Transition, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Transition",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("target_status", string(req.Status)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.TransitionLatency.Observe(time.Since(start).Seconds())
	}()

	var (
		t  *Transition
		ob outbox
	)
	err := c.repo.InTx(ctx, func(q store.Queries) error {
		var err error
		t, err = c.transitionTx(ctx, q, req, &ob)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		util.OrderTransitionsRejected.WithLabelValues(strings.ToLower(string(apperr.KindOf(err)))).Inc()
		c.logger.Info("Transition rejected",
			zap.Int64("order_id", req.OrderID),
			zap.String("target_status", string(req.Status)),
			zap.Error(err))
		return nil, err
	}

	ob.flush(ctx, c.logger)
	c.logger.Info("Order status changed",
		zap.Int64("order_id", t.Order.ID),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor", t.Entry.Actor),
		zap.Int("stock_movements", len(t.Movements)))
	return t, nil
}

// transitionTx applies a transition inside q and queues its post-commit work
func (c *Coordinator) transitionTx(ctx context.Context, q store.Queries, req TransitionRequest, ob *outbox) (*Transition, error) {
	t, err := c.machine.Apply(ctx, q, req)
	if err != nil {
		return nil, err
	}
	util.OrderTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	c.notifier.statusChanged(ob, t)
	for _, m := range t.Movements {
		c.notifier.stockApplied(ob, m)
	}
	return t, nil
}

type orderLine struct {
	item *models.OrderItem
	inv  *models.InventoryItem
}

// orderLines loads the lines of an order with their inventory items, sorted by
// inventory item so concurrent orders sharing items lock rows in the same order.
func (c *Coordinator) orderLines(ctx context.Context, q store.Queries, orderID int64) ([]orderLine, error) {
	items, err := q.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	lines := make([]orderLine, 0, len(items))
	for i := range items {
		inv, err := q.GetInventoryItemByProduct(ctx, items[i].ProductID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, orderLine{item: &items[i], inv: inv})
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].inv.ID != lines[j].inv.ID {
			return lines[i].inv.ID < lines[j].inv.ID
		}
		return lines[i].item.ID < lines[j].item.ID
	})
	return lines, nil
}

// debitOrderLines books a sale movement for every line of a confirmed order
func (c *Coordinator) debitOrderLines(ctx context.Context, q store.Queries, t *Transition) error {
	lines, err := c.orderLines(ctx, q, t.Order.ID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		orderID, itemID := t.Order.ID, line.item.ID
		res, err := c.ledger.apply(ctx, q, MovementRequest{
			InventoryItemID: line.inv.ID,
			MovementType:    models.MovementSale,
			QuantityDelta:   -line.item.Quantity,
			Reason:          fmt.Sprintf("order %s confirmed", t.Order.OrderNumber),
			Actor:           t.Entry.Actor,
			IdempotencyKey:  models.OrderLineMovementKey(orderID, itemID, models.DirectionDebit),
			OrderID:         &orderID,
			OrderItemID:     &itemID,
		})
		if err != nil {
			return err
		}
		t.Movements = append(t.Movements, res)
	}
	return nil
}

// creditOrderLines returns the stock of every line that was debited and not
// yet credited back. Lines that were never debited are skipped.
func (c *Coordinator) creditOrderLines(ctx context.Context, q store.Queries, t *Transition) error {
	items, err := q.GetOrderItems(ctx, t.Order.ID)
	if err != nil {
		return fmt.Errorf("failed to get order items: %w", err)
	}

	debits := make([]*models.StockMovement, 0, len(items))
	for _, item := range items {
		debit, err := q.GetStockMovementByKey(ctx,
			models.OrderLineMovementKey(t.Order.ID, item.ID, models.DirectionDebit))
		if err != nil {
			return err
		}
		if debit != nil && debit.MovementType == models.MovementSale && debit.OrderItemID != nil {
			debits = append(debits, debit)
		}
	}
	sort.Slice(debits, func(i, j int) bool {
		if debits[i].InventoryItemID != debits[j].InventoryItemID {
			return debits[i].InventoryItemID < debits[j].InventoryItemID
		}
		return *debits[i].OrderItemID < *debits[j].OrderItemID
	})

	for _, debit := range debits {
		orderID, itemID := t.Order.ID, *debit.OrderItemID
		res, err := c.ledger.apply(ctx, q, MovementRequest{
			InventoryItemID: debit.InventoryItemID,
			MovementType:    models.MovementReturn,
			QuantityDelta:   -debit.QuantityDelta,
			Reason:          fmt.Sprintf("order %s %s", t.Order.OrderNumber, t.To),
			Actor:           t.Entry.Actor,
			IdempotencyKey:  models.OrderLineMovementKey(orderID, itemID, models.DirectionCredit),
			OrderID:         &orderID,
			OrderItemID:     &itemID,
		})
		if err != nil {
			return err
		}
		t.Movements = append(t.Movements, res)
	}
	return nil
}

// AddTrackingEvent appends a carrier or staff event. It never changes the
// order status.
func (c *Coordinator) AddTrackingEvent(ctx context.Context, req TrackingEventRequest) (*models.TrackingEvent, error) {
	return c.addTrackingEvent(ctx, req, "")
}

// HandleCarrierTracking appends an event from the carrier feed. Redelivered
// feed messages are recognised by their event id and dropped.
func (c *Coordinator) HandleCarrierTracking(ctx context.Context, event *models.CarrierTrackingEvent) error {
	if event.EventID == "" {
		return apperr.Validation("carrier event has no id")
	}
	req := TrackingEventRequest{
		OrderID:     event.OrderID,
		Status:      event.Status,
		Location:    event.Location,
		Description: event.Description,
		Source:      models.TrackingSourceCarrier,
	}
	if !event.EventTime.IsZero() {
		req.EventTime = &event.EventTime
	}

	_, err := c.addTrackingEvent(ctx, req, event.EventID)
	if errors.Is(err, errAlreadyProcessed) {
		c.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}
	return err
}

var errAlreadyProcessed = errors.New("event already processed")

func (c *Coordinator) addTrackingEvent(ctx context.Context, req TrackingEventRequest, eventID string) (*models.TrackingEvent, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.AddTrackingEvent",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("source", req.Source))
	defer span.End()

	var event *models.TrackingEvent
	err := c.repo.InTx(ctx, func(q store.Queries) error {
		if eventID != "" {
			processed, err := q.IsEventProcessed(ctx, eventID)
			if err != nil {
				return fmt.Errorf("failed to check event processed: %w", err)
			}
			if processed {
				return errAlreadyProcessed
			}
		}

		var err error
		event, err = c.tracking.appendEvent(ctx, q, req)
		if err != nil {
			return err
		}
		if eventID != "" {
			return q.MarkEventProcessed(ctx, eventID, models.EventTypeCarrierTracking)
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	util.TrackingEventsTotal.WithLabelValues(event.Source).Inc()

	var ob outbox
	c.notifier.orderChanged(&ob, event.OrderID)
	if c.notifier.publisher != nil {
		recorded := &models.TrackingEventRecordedEvent{
			BaseEvent: broker.NewBaseEvent(models.EventTypeTrackingEventRecorded),
			OrderID:   event.OrderID,
			Status:    event.Status,
			Location:  event.Location,
			Source:    event.Source,
		}
		ob.add("publish_tracking_event", func(ctx context.Context) error {
			return c.notifier.publisher.PublishTrackingEventRecorded(ctx, recorded)
		})
	}
	ob.flush(ctx, c.logger)

	c.logger.Info("Tracking event recorded",
		zap.Int64("order_id", event.OrderID),
		zap.String("status", event.Status),
		zap.String("source", event.Source))
	return event, nil
}

// DeliveryAttemptResult is a recorded attempt and the escalation it caused
type DeliveryAttemptResult struct {
	Attempt    *models.DeliveryAttempt `json:"attempt"`
	Escalated  bool                    `json:"escalated"`
	Transition *Transition             `json:"-"`
}

// RecordDeliveryAttempt appends an attempt. When the trailing run of failed
// attempts reaches the configured threshold the order moves to
// delivery_failed. The attempt is committed whether or not that move succeeds.
func (c *Coordinator) RecordDeliveryAttempt(ctx context.Context, req DeliveryAttemptRequest) (*DeliveryAttemptResult, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.RecordDeliveryAttempt",
		attribute.Int64("order_id", req.OrderID),
		attribute.String("status", string(req.Status)))
	defer span.End()

	out, err := c.tracking.appendAttempt(ctx, c.repo, req)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	util.DeliveryAttemptsTotal.WithLabelValues(string(out.attempt.Status)).Inc()

	result := &DeliveryAttemptResult{Attempt: out.attempt}
	if shouldEscalate(out.failedRun, c.policy.DeliveryFailureThreshold, out.orderStatus) {
		t, err := c.Transition(ctx, TransitionRequest{
			OrderID:        req.OrderID,
			Status:         models.OrderStatusDeliveryFailed,
			ExpectedStatus: out.orderStatus,
			Actor:          SystemActor,
			Note:           fmt.Sprintf("%d consecutive failed delivery attempts", out.failedRun),
		})
		if err != nil {
			// someone else moved the order first; the attempt stands
			c.logger.Warn("Delivery failure escalation skipped",
				zap.Int64("order_id", req.OrderID),
				zap.Int("failed_run", out.failedRun),
				zap.Error(err))
		} else {
			util.DeliveryEscalationsTotal.Inc()
			result.Escalated = true
			result.Transition = t
		}
	}

	var ob outbox
	c.notifier.orderChanged(&ob, req.OrderID)
	if c.notifier.publisher != nil {
		recorded := &models.DeliveryAttemptRecordedEvent{
			BaseEvent:     broker.NewBaseEvent(models.EventTypeDeliveryAttemptRecorded),
			OrderID:       out.attempt.OrderID,
			AttemptNumber: out.attempt.AttemptNumber,
			Status:        out.attempt.Status,
			Escalated:     result.Escalated,
		}
		ob.add("publish_delivery_attempt", func(ctx context.Context) error {
			return c.notifier.publisher.PublishDeliveryAttemptRecorded(ctx, recorded)
		})
	}
	ob.flush(ctx, c.logger)

	c.logger.Info("Delivery attempt recorded",
		zap.Int64("order_id", req.OrderID),
		zap.Int("attempt_number", out.attempt.AttemptNumber),
		zap.String("status", string(out.attempt.Status)),
		zap.Bool("escalated", result.Escalated))
	return result, nil
}

// ShippingUpdate carries the carrier details staff may edit. Nil fields are
// left unchanged.
type ShippingUpdate struct {
	OrderID           int64      `json:"-"`
	TrackingNumber    *string    `json:"tracking_number"`
	Carrier           *string    `json:"carrier"`
	TrackingURL       *string    `json:"tracking_url"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
	DeliveryNotes     *string    `json:"delivery_notes"`
}

// UpdateShipping edits the shipping fields of an order. Status is not touched.
func (c *Coordinator) UpdateShipping(ctx context.Context, upd ShippingUpdate) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.UpdateShipping",
		attribute.Int64("order_id", upd.OrderID))
	defer span.End()

	var order *models.Order
	err := c.repo.InTx(ctx, func(q store.Queries) error {
		var err error
		order, err = q.GetOrder(ctx, upd.OrderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return apperr.GuardFailed("order %d is %s and can no longer be edited", order.ID, order.Status).
				WithDetail("current_status", order.Status)
		}

		if upd.TrackingNumber != nil {
			order.TrackingNumber = strings.TrimSpace(*upd.TrackingNumber)
		}
		if upd.Carrier != nil {
			order.Carrier = strings.TrimSpace(*upd.Carrier)
		}
		if upd.TrackingURL != nil {
			order.TrackingURL = strings.TrimSpace(*upd.TrackingURL)
		}
		if upd.EstimatedDelivery != nil {
			eta := upd.EstimatedDelivery.UTC()
			order.EstimatedDelivery = &eta
		}
		if upd.DeliveryNotes != nil {
			order.DeliveryNotes = *upd.DeliveryNotes
		}
		order.UpdatedAt = c.now()

		if err := q.UpdateOrder(ctx, order); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return apperr.StateConflict("order %d was modified concurrently", order.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	var ob outbox
	c.notifier.orderChanged(&ob, order.ID)
	ob.flush(ctx, c.logger)
	return order, nil
}

// Timeline returns the projected timeline of an order, served from the cache
// when present.
func (c *Coordinator) Timeline(ctx context.Context, orderID int64) (*timeline.Timeline, error) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Timeline", attribute.Int64("order_id", orderID))
	defer span.End()

	cacheable := false
	var generation int64
	if c.cache != nil {
		payload, found, err := c.cache.GetTimeline(ctx, orderID)
		switch {
		case err != nil:
			util.TimelineCacheLookups.WithLabelValues("error").Inc()
			c.logger.Warn("Timeline cache read failed", zap.Int64("order_id", orderID), zap.Error(err))
		case found:
			var tl timeline.Timeline
			if err := json.Unmarshal(payload, &tl); err == nil {
				util.TimelineCacheLookups.WithLabelValues("hit").Inc()
				return &tl, nil
			}
			util.TimelineCacheLookups.WithLabelValues("error").Inc()
		default:
			util.TimelineCacheLookups.WithLabelValues("miss").Inc()
		}

		// the generation must be read before the rows
		generation, err = c.cache.TimelineGeneration(ctx, orderID)
		if err != nil {
			c.logger.Warn("Timeline generation read failed", zap.Int64("order_id", orderID), zap.Error(err))
		} else {
			cacheable = true
		}
	}

	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	history, err := c.repo.ListStatusHistory(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	events, err := c.repo.ListTrackingEvents(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking events: %w", err)
	}

	tl := timeline.Project(order, history, events)

	if cacheable {
		payload, err := json.Marshal(tl)
		stored := false
		if err == nil {
			stored, err = c.cache.SetTimeline(ctx, orderID, generation, payload)
		}
		switch {
		case err != nil:
			c.logger.Warn("Timeline cache write failed", zap.Int64("order_id", orderID), zap.Error(err))
		case !stored:
			util.TimelineCacheWritesSkipped.Inc()
			c.logger.Debug("Timeline changed while projecting, not cached", zap.Int64("order_id", orderID))
		}
	}
	return tl, nil
}

// GetOrder retrieves an order with its lines
func (c *Coordinator) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := c.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := c.repo.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListHistory returns the status history of an order, oldest first
func (c *Coordinator) ListHistory(ctx context.Context, orderID int64) ([]models.StatusHistoryEntry, error) {
	if _, err := c.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return c.repo.ListStatusHistory(ctx, orderID)
}

// ListDeliveryAttempts returns the delivery attempts of an order in attempt order
func (c *Coordinator) ListDeliveryAttempts(ctx context.Context, orderID int64) ([]models.DeliveryAttempt, error) {
	if _, err := c.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return c.repo.ListDeliveryAttempts(ctx, orderID)
}
