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

// TransitionRequest asks for one order status change.
// ExpectedStatus, when set, must equal the status the order is in.
// Authorized marks the refund path that may cancel a paid order.
type TransitionRequest struct {
	OrderID        int64              `json:"-"`
	Status         models.OrderStatus `json:"status" binding:"required"`
	Note           string             `json:"note"`
	Actor          string             `json:"actor"`
	ExpectedStatus models.OrderStatus `json:"expected_status,omitempty"`
	Authorized     bool               `json:"authorized"`
}

// Transition is an applied status change as seen by side-effect hooks
type Transition struct {
	Order     *models.Order
	From      models.OrderStatus
	To        models.OrderStatus
	Entry     *models.StatusHistoryEntry
	Movements []*MovementResult
}

// TransitionHook runs inside the transition's transaction after the order row
// and its history entry are written. An error rolls the whole transition back.
type TransitionHook func(ctx context.Context, q store.Queries, t *Transition) error

// StatusMachine validates and applies order status transitions
type StatusMachine struct {
	hooks map[models.OrderStatus][]TransitionHook
	now   func() time.Time
}

func newStatusMachine(now func() time.Time) *StatusMachine {
	return &StatusMachine{hooks: make(map[models.OrderStatus][]TransitionHook), now: now}
}

// OnEnter registers a hook that runs whenever an order enters status
func (m *StatusMachine) OnEnter(status models.OrderStatus, hook TransitionHook) {
	m.hooks[status] = append(m.hooks[status], hook)
}

// Check validates a transition of order without applying it
func (m *StatusMachine) Check(order *models.Order, req TransitionRequest) error {
	from, to := order.Status, req.Status

	if req.ExpectedStatus != "" && req.ExpectedStatus != from {
		return apperr.StateConflict("order %d is %s, expected %s", order.ID, from, req.ExpectedStatus).
			WithDetail("current_status", from).
			WithDetail("expected_status", req.ExpectedStatus)
	}
	if from == to {
		return apperr.StateConflict("order %d is already %s", order.ID, to).
			WithDetail("current_status", from)
	}
	if !from.CanTransitionTo(to) {
		return apperr.InvalidTransition("cannot move order %d from %s to %s", order.ID, from, to).
			WithDetail("current_status", from).
			WithDetail("target_status", to).
			WithDetail("allowed", from.AllowedTransitions())
	}
	if to == models.OrderStatusCancelled && !models.CancellationGuard(order.PaymentStatus, req.Authorized) {
		return apperr.GuardFailed("order %d is paid and can only be cancelled through a refund", order.ID).
			WithDetail("payment_status", order.PaymentStatus)
	}
	return nil
}

// Apply runs a transition inside the caller's transaction: it re-reads the
// order, validates, writes the order under its version, appends history and
// runs the hooks registered for the target status.
func (m *StatusMachine) Apply(ctx context.Context, q store.Queries, req TransitionRequest) (*Transition, error) {
	if !req.Status.IsValid() {
		return nil, apperr.Validation("unknown order status %q", req.Status)
	}
	if req.ExpectedStatus != "" && !req.ExpectedStatus.IsValid() {
		return nil, apperr.Validation("unknown expected status %q", req.ExpectedStatus)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation("actor is required")
	}

	order, err := q.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := m.Check(order, req); err != nil {
		return nil, err
	}

	now := m.now()
	from := order.Status
	order.Status = req.Status
	order.UpdatedAt = now

	switch req.Status {
	case models.OrderStatusDelivered:
		if order.ActualDelivery == nil {
			order.ActualDelivery = &now
		}
	case models.OrderStatusRefunded:
		order.PaymentStatus = models.PaymentStatusRefunded
	}

	if err := q.UpdateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, apperr.StateConflict("order %d was modified concurrently", order.ID).
				WithDetail("target_status", req.Status)
		}
		return nil, err
	}

	entry := &models.StatusHistoryEntry{
		OrderID:   order.ID,
		Status:    req.Status,
		Note:      req.Note,
		Actor:     req.Actor,
		CreatedAt: now,
	}
	if err := q.AppendStatusHistory(ctx, entry); err != nil {
		return nil, err
	}

	t := &Transition{Order: order, From: from, To: req.Status, Entry: entry}
	for _, hook := range m.hooks[req.Status] {
		if err := hook(ctx, q, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}
