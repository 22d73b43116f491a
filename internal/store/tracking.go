package store

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
)

// AppendTrackingEvent inserts a tracking event
func (q *queries) AppendTrackingEvent(ctx context.Context, event *models.TrackingEvent) error {
	query := `
		INSERT INTO tracking_events (order_id, status, location, description, source, event_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	if err := q.db.GetContext(ctx, &event.ID, query,
		event.OrderID, event.Status, event.Location, event.Description,
		event.Source, event.EventTime, event.CreatedAt); err != nil {
		return fmt.Errorf("failed to append tracking event: %w", err)
	}
	return nil
}

// ListTrackingEvents returns the tracking events of an order by event time
func (q *queries) ListTrackingEvents(ctx context.Context, orderID int64) ([]models.TrackingEvent, error) {
	var events []models.TrackingEvent
	err := q.db.SelectContext(ctx, &events, `
		SELECT id, order_id, status, location, description, source, event_time, created_at
		FROM tracking_events WHERE order_id = $1
		ORDER BY event_time, id`, orderID)
	return events, err
}

// AppendDeliveryAttempt inserts an attempt numbered max(existing)+1. A
// concurrent insert for the same order surfaces as ErrDuplicate.
func (q *queries) AppendDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (order_id, attempt_number, status, notes, contact, attempted_at)
		SELECT $1, COALESCE(MAX(attempt_number), 0) + 1, $2, $3, $4, $5
		FROM delivery_attempts WHERE order_id = $1
		RETURNING id, attempt_number`

	err := q.db.QueryRowxContext(ctx, query,
		attempt.OrderID, attempt.Status, attempt.Notes, attempt.Contact, attempt.AttemptedAt,
	).Scan(&attempt.ID, &attempt.AttemptNumber)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

// ListDeliveryAttempts returns the attempts of an order in attempt order
func (q *queries) ListDeliveryAttempts(ctx context.Context, orderID int64) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := q.db.SelectContext(ctx, &attempts, `
		SELECT id, order_id, attempt_number, status, notes, contact, attempted_at
		FROM delivery_attempts WHERE order_id = $1
		ORDER BY attempt_number`, orderID)
	return attempts, err
}
