package models

import "time"

// Event types
const (
	EventTypeOrderStatusChanged      = "ORDER_STATUS_CHANGED"
	EventTypeStockMovementApplied    = "STOCK_MOVEMENT_APPLIED"
	EventTypeStockLevelAlert         = "STOCK_LEVEL_ALERT"
	EventTypeTrackingEventRecorded   = "TRACKING_EVENT_RECORDED"
	EventTypeDeliveryAttemptRecorded = "DELIVERY_ATTEMPT_RECORDED"

	// consumed
	EventTypeCarrierTracking = "CARRIER_TRACKING"
	EventTypePaymentSuccess  = "PAYMENT_SUCCESS"
	EventTypePaymentFailed   = "PAYMENT_FAILED"
	EventTypePaymentRefunded = "PAYMENT_REFUNDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderStatusChangedEvent published after a transition commits
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     int64       `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	FromStatus  OrderStatus `json:"from_status"`
	ToStatus    OrderStatus `json:"to_status"`
	Actor       string      `json:"actor"`
	Note        string      `json:"note,omitempty"`
}

// StockMovementAppliedEvent published after a ledger movement commits
type StockMovementAppliedEvent struct {
	BaseEvent
	InventoryItemID int64        `json:"inventory_item_id"`
	ProductID       int64        `json:"product_id"`
	MovementType    MovementType `json:"movement_type"`
	QuantityDelta   int          `json:"quantity_delta"`
	ResultingStock  int          `json:"resulting_stock"`
	OrderID         *int64       `json:"order_id,omitempty"`
}

// StockLevelAlertEvent published when an item drops into low or out of stock
type StockLevelAlertEvent struct {
	BaseEvent
	InventoryItemID  int64       `json:"inventory_item_id"`
	ProductID        int64       `json:"product_id"`
	Status           StockStatus `json:"status"`
	CurrentStock     int         `json:"current_stock"`
	MinimumStock     int         `json:"minimum_stock_level"`
	SuggestedReorder int         `json:"suggested_reorder"`
}

// TrackingEventRecordedEvent published after a tracking event is appended
type TrackingEventRecordedEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Source   string `json:"source"`
}

// DeliveryAttemptRecordedEvent published after a delivery attempt is appended
type DeliveryAttemptRecordedEvent struct {
	BaseEvent
	OrderID       int64                 `json:"order_id"`
	AttemptNumber int                   `json:"attempt_number"`
	Status        DeliveryAttemptStatus `json:"status"`
	Escalated     bool                  `json:"escalated"`
}

// CarrierTrackingEvent is consumed from the carrier feed topic
type CarrierTrackingEvent struct {
	BaseEvent
	OrderID     int64     `json:"order_id"`
	Status      string    `json:"status"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	EventTime   time.Time `json:"event_time"`
}

// PaymentEvent is consumed from the payment topic
type PaymentEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
