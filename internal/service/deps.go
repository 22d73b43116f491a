package service

import (
	"context"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Repository is the persistence the services run against. *store.Store
// implements it; InTx gives every unit of work all-or-nothing semantics.
type Repository interface {
	store.Queries
	InTx(ctx context.Context, fn func(q store.Queries) error) error
}

// EventPublisher publishes committed domain events
type EventPublisher interface {
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishStockMovementApplied(ctx context.Context, event *models.StockMovementAppliedEvent) error
	PublishStockLevelAlert(ctx context.Context, event *models.StockLevelAlertEvent) error
	PublishTrackingEventRecorded(ctx context.Context, event *models.TrackingEventRecordedEvent) error
	PublishDeliveryAttemptRecorded(ctx context.Context, event *models.DeliveryAttemptRecordedEvent) error
}

// TimelineCache stores projected timelines between writes. Every
// invalidation bumps the order's generation; SetTimeline stores nothing when
// the generation moved after it was read, so a projection built from rows
// read before a write never replaces a newer one.
type TimelineCache interface {
	GetTimeline(ctx context.Context, orderID int64) ([]byte, bool, error)
	TimelineGeneration(ctx context.Context, orderID int64) (int64, error)
	SetTimeline(ctx context.Context, orderID, generation int64, payload []byte) (bool, error)
	InvalidateTimeline(ctx context.Context, orderID int64) error
}

// StockMirror receives committed stock levels for storefront reads
type StockMirror interface {
	MirrorStock(ctx context.Context, item *models.InventoryItem) error
}

// Locker guards in-flight checkouts that share an idempotency key
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Policy holds the configurable fulfillment rules
type Policy struct {
	// DeliveryFailureThreshold is the run of consecutive failed attempts that
	// moves an order to delivery_failed
	DeliveryFailureThreshold int
	// StockCASRetries bounds re-reads after a lost stock version check
	StockCASRetries int
	// TrackingAllowedSources lists who may append tracking events
	TrackingAllowedSources []string
	// CheckoutLockTTL bounds how long a checkout holds its idempotency lock
	CheckoutLockTTL time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		DeliveryFailureThreshold: 3,
		StockCASRetries:          5,
		TrackingAllowedSources:   []string{models.TrackingSourceCarrier, models.TrackingSourceStaff},
		CheckoutLockTTL:          30 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.DeliveryFailureThreshold <= 0 {
		p.DeliveryFailureThreshold = d.DeliveryFailureThreshold
	}
	if p.StockCASRetries <= 0 {
		p.StockCASRetries = d.StockCASRetries
	}
	if len(p.TrackingAllowedSources) == 0 {
		p.TrackingAllowedSources = d.TrackingAllowedSources
	}
	if p.CheckoutLockTTL <= 0 {
		p.CheckoutLockTTL = d.CheckoutLockTTL
	}
	return p
}

// Deps wires the coordinator. Cache, Mirror and Locker are optional.
type Deps struct {
	Repo      Repository
	Publisher EventPublisher
	Cache     TimelineCache
	Mirror    StockMirror
	Locker    Locker
	Policy    Policy
	Logger    *zap.Logger
	Now       func() time.Time
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// outbox collects work that must only happen once a unit of work has
// committed: publishing, cache invalidation, mirroring.
type outbox struct {
	tasks []outboxTask
}

type outboxTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (o *outbox) add(name string, fn func(ctx context.Context) error) {
	o.tasks = append(o.tasks, outboxTask{name: name, fn: fn})
}

// flush runs the collected tasks. Failures are logged, never returned: the
// write they follow has already committed.
func (o *outbox) flush(ctx context.Context, logger *zap.Logger) {
	for _, t := range o.tasks {
		if err := t.fn(ctx); err != nil {
			logger.Warn("Post-commit task failed", zap.String("task", t.name), zap.Error(err))
		}
	}
	o.tasks = nil
}

// notifier turns committed changes into outbox tasks
type notifier struct {
	publisher EventPublisher
	cache     TimelineCache
	mirror    StockMirror
}

func (n *notifier) orderChanged(o *outbox, orderID int64) {
	if n.cache == nil {
		return
	}
	o.add("invalidate_timeline", func(ctx context.Context) error {
		return n.cache.InvalidateTimeline(ctx, orderID)
	})
}

func (n *notifier) statusChanged(o *outbox, t *Transition) {
	n.orderChanged(o, t.Order.ID)
	if n.publisher == nil {
		return
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent:   broker.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderID:     t.Order.ID,
		OrderNumber: t.Order.OrderNumber,
		FromStatus:  t.From,
		ToStatus:    t.To,
		Actor:       t.Entry.Actor,
		Note:        t.Entry.Note,
	}
	o.add("publish_status_changed", func(ctx context.Context) error {
		return n.publisher.PublishOrderStatusChanged(ctx, event)
	})
}

func (n *notifier) stockApplied(o *outbox, res *MovementResult) {
	if res.Replayed {
		return
	}
	item := *res.Item
	util.StockMovementsTotal.WithLabelValues(string(res.Movement.MovementType)).Inc()

	if n.mirror != nil {
		o.add("mirror_stock", func(ctx context.Context) error {
			return n.mirror.MirrorStock(ctx, &item)
		})
	}
	if n.publisher == nil {
		return
	}

	applied := &models.StockMovementAppliedEvent{
		BaseEvent:       broker.NewBaseEvent(models.EventTypeStockMovementApplied),
		InventoryItemID: item.ID,
		ProductID:       item.ProductID,
		MovementType:    res.Movement.MovementType,
		QuantityDelta:   res.Movement.QuantityDelta,
		ResultingStock:  res.Movement.ResultingStock,
		OrderID:         res.Movement.OrderID,
	}
	o.add("publish_stock_movement", func(ctx context.Context) error {
		return n.publisher.PublishStockMovementApplied(ctx, applied)
	})

	status := item.ComputedStatus()
	if status == models.StockInStock || status == res.PreviousStatus {
		return
	}
	util.StockLevelAlertsTotal.WithLabelValues(string(status)).Inc()
	alert := &models.StockLevelAlertEvent{
		BaseEvent:        broker.NewBaseEvent(models.EventTypeStockLevelAlert),
		InventoryItemID:  item.ID,
		ProductID:        item.ProductID,
		Status:           status,
		CurrentStock:     item.CurrentStock,
		MinimumStock:     item.MinimumStockLevel,
		SuggestedReorder: item.SuggestedReorder(),
	}
	o.add("publish_stock_alert", func(ctx context.Context) error {
		return n.publisher.PublishStockLevelAlert(ctx, alert)
	})
}
