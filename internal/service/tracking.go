package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// TrackingEventRequest is one carrier or staff reported event
type TrackingEventRequest struct {
	OrderID     int64      `json:"-"`
	Status      string     `json:"status" binding:"required"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	Source      string     `json:"source"`
	EventTime   *time.Time `json:"event_time,omitempty"`
}

// DeliveryAttemptRequest records one courier attempt. The attempt number is
// always assigned server-side.
type DeliveryAttemptRequest struct {
	OrderID int64                        `json:"-"`
	Status  models.DeliveryAttemptStatus `json:"status" binding:"required"`
	Notes   string                       `json:"notes"`
	Contact string                       `json:"contact"`
}

// TrackingLog appends tracking events and delivery attempts. Neither ever
// changes order status by itself.
type TrackingLog struct {
	allowed map[string]bool
	retries int
	now     func() time.Time
}

func newTrackingLog(allowedSources []string, retries int, now func() time.Time) *TrackingLog {
	allowed := map[string]bool{models.TrackingSourceSystem: true}
	for _, s := range allowedSources {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &TrackingLog{allowed: allowed, retries: retries, now: now}
}

func (l *TrackingLog) appendEvent(ctx context.Context, q store.Queries, req TrackingEventRequest) (*models.TrackingEvent, error) {
	status := strings.TrimSpace(req.Status)
	if status == "" {
		return nil, apperr.Validation("tracking status is required")
	}
	source := strings.ToLower(strings.TrimSpace(req.Source))
	if !l.allowed[source] {
		return nil, apperr.Validation("tracking source %q is not allowed", req.Source)
	}
	if _, err := q.GetOrder(ctx, req.OrderID); err != nil {
		return nil, err
	}

	now := l.now()
	event := &models.TrackingEvent{
		OrderID:     req.OrderID,
		Status:      status,
		Location:    req.Location,
		Description: req.Description,
		Source:      source,
		EventTime:   now,
		CreatedAt:   now,
	}
	if req.EventTime != nil {
		event.EventTime = req.EventTime.UTC()
	}
	if err := q.AppendTrackingEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// attemptOutcome is what recording an attempt committed
type attemptOutcome struct {
	attempt     *models.DeliveryAttempt
	orderStatus models.OrderStatus
	failedRun   int
}

// appendAttempt inserts the next attempt in its own transaction. Two writers
// racing for the same attempt number collide on the unique key; the loser
// retries with a fresh number.
func (l *TrackingLog) appendAttempt(ctx context.Context, repo Repository, req DeliveryAttemptRequest) (*attemptOutcome, error) {
	if !req.Status.IsValid() {
		return nil, apperr.Validation("unknown delivery attempt status %q", req.Status)
	}

	for attempt := 0; ; attempt++ {
		var out *attemptOutcome
		err := repo.InTx(ctx, func(q store.Queries) error {
			order, err := q.GetOrder(ctx, req.OrderID)
			if err != nil {
				return err
			}

			a := &models.DeliveryAttempt{
				OrderID:     req.OrderID,
				Status:      req.Status,
				Notes:       req.Notes,
				Contact:     req.Contact,
				AttemptedAt: l.now(),
			}
			if err := q.AppendDeliveryAttempt(ctx, a); err != nil {
				return err
			}

			attempts, err := q.ListDeliveryAttempts(ctx, req.OrderID)
			if err != nil {
				return err
			}
			out = &attemptOutcome{attempt: a, orderStatus: order.Status, failedRun: trailingFailures(attempts)}
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		if attempt >= l.retries {
			return nil, apperr.StateConflict("could not number delivery attempt for order %d", req.OrderID)
		}
	}
}

// trailingFailures counts consecutive failed attempts at the end of attempts,
// which must be in attempt order.
func trailingFailures(attempts []models.DeliveryAttempt) int {
	n := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status != models.DeliveryFailed {
			break
		}
		n++
	}
	return n
}

// shouldEscalate reports whether a run of failures reaches the threshold. Every
// further multiple escalates again once the order is back out for delivery.
func shouldEscalate(failedRun, threshold int, status models.OrderStatus) bool {
	if failedRun == 0 || threshold <= 0 || failedRun%threshold != 0 {
		return false
	}
	return status == models.OrderStatusShipped || status == models.OrderStatusOutForDelivery
}
