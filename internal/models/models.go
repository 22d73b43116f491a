package models

import "time"

// Product is the catalog row prices are captured from at checkout
type Product struct {
	ID        int64     `db:"id" json:"id"`
	SKU       string    `db:"sku" json:"sku"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Order represents a customer order
type Order struct {
	ID                int64         `db:"id" json:"id"`
	OrderNumber       string        `db:"order_number" json:"order_number"`
	UserID            int64         `db:"user_id" json:"user_id"`
	TotalAmount       int64         `db:"total_amount" json:"total_amount"`
	Status            OrderStatus   `db:"status" json:"status"`
	PaymentStatus     PaymentStatus `db:"payment_status" json:"payment_status"`
	TrackingNumber    string        `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier           string        `db:"carrier" json:"carrier,omitempty"`
	TrackingURL       string        `db:"tracking_url" json:"tracking_url,omitempty"`
	EstimatedDelivery *time.Time    `db:"estimated_delivery" json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time    `db:"actual_delivery" json:"actual_delivery,omitempty"`
	DeliveryNotes     string        `db:"delivery_notes" json:"delivery_notes,omitempty"`
	IdempotencyKey    string        `db:"idempotency_key" json:"-"`
	Version           int64         `db:"version" json:"version"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is an immutable order line; UnitPrice is the price at order time
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
	LineTotal int64 `db:"line_total" json:"line_total"`
}

// StatusHistoryEntry records one applied transition. Rows are never updated.
type StatusHistoryEntry struct {
	ID        int64       `db:"id" json:"id"`
	OrderID   int64       `db:"order_id" json:"order_id"`
	Status    OrderStatus `db:"status" json:"status"`
	Note      string      `db:"note" json:"note,omitempty"`
	Actor     string      `db:"actor" json:"actor"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Tracking event sources
const (
	TrackingSourceCarrier = "carrier"
	TrackingSourceStaff   = "staff"
	TrackingSourceSystem  = "system"
)

// TrackingEvent is a carrier or staff reported delivery event. Its status uses
// the carrier vocabulary and need not match an OrderStatus.
type TrackingEvent struct {
	ID          int64     `db:"id" json:"id"`
	OrderID     int64     `db:"order_id" json:"order_id"`
	Status      string    `db:"status" json:"status"`
	Location    string    `db:"location" json:"location,omitempty"`
	Description string    `db:"description" json:"description,omitempty"`
	Source      string    `db:"source" json:"source"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// DeliveryAttemptStatus is the outcome of one delivery attempt
type DeliveryAttemptStatus string

const (
	DeliveryAttempted  DeliveryAttemptStatus = "attempted"
	DeliveryFailed     DeliveryAttemptStatus = "failed"
	DeliverySuccessful DeliveryAttemptStatus = "successful"
)

// IsValid reports whether s is a known attempt outcome
func (s DeliveryAttemptStatus) IsValid() bool {
	switch s {
	case DeliveryAttempted, DeliveryFailed, DeliverySuccessful:
		return true
	}
	return false
}

// DeliveryAttempt is one courier attempt. AttemptNumber is assigned by the store.
type DeliveryAttempt struct {
	ID            int64                 `db:"id" json:"id"`
	OrderID       int64                 `db:"order_id" json:"order_id"`
	AttemptNumber int                   `db:"attempt_number" json:"attempt_number"`
	Status        DeliveryAttemptStatus `db:"status" json:"status"`
	Notes         string                `db:"notes" json:"notes,omitempty"`
	Contact       string                `db:"contact" json:"contact,omitempty"`
	AttemptedAt   time.Time             `db:"attempted_at" json:"attempted_at"`
}

// PaymentStatus mirrors the payment provider state on the order
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
