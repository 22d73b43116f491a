package models

// OrderStatus is the order lifecycle state
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
	OrderStatusDeliveryFailed OrderStatus = "delivery_failed"
)

// transitions is the complete edge set; anything absent is rejected.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:     {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {OrderStatusOutForDelivery, OrderStatusDeliveryFailed},
	OrderStatusOutForDelivery: {OrderStatusDelivered, OrderStatusDeliveryFailed},
	OrderStatusDeliveryFailed: {OrderStatusOutForDelivery, OrderStatusCancelled},
	OrderStatusDelivered:      {OrderStatusRefunded},
	OrderStatusCancelled:      nil,
	OrderStatusRefunded:       nil,
}

// IsValid reports whether s is a known status
func (s OrderStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// String returns the string representation of OrderStatus
func (s OrderStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no transition leaves s
func (s OrderStatus) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// CanTransitionTo reports whether s -> target is an edge of the lifecycle graph.
// Guards are checked separately.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s in one step
func (s OrderStatus) AllowedTransitions() []OrderStatus {
	out := make([]OrderStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// DebitsStock reports whether entering s debits stock for every line
func (s OrderStatus) DebitsStock() bool {
	return s == OrderStatusConfirmed
}

// CreditsStock reports whether entering s returns debited stock
func (s OrderStatus) CreditsStock() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// CancellationGuard decides whether an order may enter the cancelled state.
// A paid order can only be cancelled on the authorized (refund) path.
func CancellationGuard(payment PaymentStatus, authorized bool) bool {
	return payment != PaymentStatusPaid || authorized
}
