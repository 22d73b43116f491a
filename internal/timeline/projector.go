// Package timeline projects an order's status history and carrier tracking
// events into the milestone view shown to customers and staff.
package timeline

import (
	"math"
	"sort"
	"strings"
	"time"

	"fulfillment-service/internal/models"
)

// Branch names the path an order is on
type Branch string

const (
	BranchHappyPath      Branch = "happy_path"
	BranchCancelled      Branch = "cancelled"
	BranchRefunded       Branch = "refunded"
	BranchDeliveryFailed Branch = "delivery_failed"
)

// Milestone is one canonical lifecycle checkpoint
type Milestone struct {
	Key       models.OrderStatus `json:"key"`
	Title     string             `json:"title"`
	Completed bool               `json:"completed"`
	Active    bool               `json:"active"`
	Date      *time.Time         `json:"date,omitempty"`
}

// Terminal describes the off-path state a cancelled, refunded or failed order is in
type Terminal struct {
	Status models.OrderStatus `json:"status"`
	Title  string             `json:"title"`
	Date   *time.Time         `json:"date,omitempty"`
	Note   string             `json:"note,omitempty"`
}

// Timeline is the projected read model
type Timeline struct {
	OrderID           int64                  `json:"order_id"`
	OrderNumber       string                 `json:"order_number"`
	CurrentStatus     models.OrderStatus     `json:"current_status"`
	Branch            Branch                 `json:"branch"`
	Milestones        []Milestone            `json:"milestones"`
	CurrentStep       models.OrderStatus     `json:"current_step,omitempty"`
	ProgressPercent   *int                   `json:"progress_percent,omitempty"`
	Terminal          *Terminal              `json:"terminal,omitempty"`
	EstimatedDelivery *time.Time             `json:"estimated_delivery,omitempty"`
	ActualDelivery    *time.Time             `json:"actual_delivery,omitempty"`
	TrackingNumber    string                 `json:"tracking_number,omitempty"`
	Carrier           string                 `json:"carrier,omitempty"`
	TrackingURL       string                 `json:"tracking_url,omitempty"`
	Events            []models.TrackingEvent `json:"events"`
}

var canonical = []struct {
	key   models.OrderStatus
	title string
}{
	{models.OrderStatusConfirmed, "Order confirmed"},
	{models.OrderStatusProcessing, "Processing"},
	{models.OrderStatusShipped, "Shipped"},
	{models.OrderStatusOutForDelivery, "Out for delivery"},
	{models.OrderStatusDelivered, "Delivered"},
}

var terminalTitles = map[models.OrderStatus]string{
	models.OrderStatusCancelled:      "Order cancelled",
	models.OrderStatusRefunded:       "Order refunded",
	models.OrderStatusDeliveryFailed: "Delivery failed",
}

// Project merges history and tracking events into a Timeline. It does not
// mutate its inputs and depends on nothing but them.
func Project(order *models.Order, history []models.StatusHistoryEntry, events []models.TrackingEvent) *Timeline {
	entries := make([]models.StatusHistoryEntry, len(history))
	copy(entries, history)
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})

	reached := make(map[models.OrderStatus]time.Time)
	for _, e := range entries {
		if _, seen := reached[e.Status]; !seen {
			reached[e.Status] = e.CreatedAt
		}
	}

	backfill := carrierDates(events)

	// furthest canonical step present in history; everything up to it is complete
	furthest := -1
	for i, m := range canonical {
		if _, ok := reached[m.key]; ok {
			furthest = i
		}
	}

	tl := &Timeline{
		OrderID:           order.ID,
		OrderNumber:       order.OrderNumber,
		CurrentStatus:     order.Status,
		Branch:            BranchHappyPath,
		Milestones:        make([]Milestone, 0, len(canonical)),
		EstimatedDelivery: order.EstimatedDelivery,
		ActualDelivery:    order.ActualDelivery,
		TrackingNumber:    order.TrackingNumber,
		Carrier:           order.Carrier,
		TrackingURL:       order.TrackingURL,
		Events:            newestFirst(events),
	}

	completed := 0
	for i, m := range canonical {
		ms := Milestone{Key: m.key, Title: m.title, Completed: i <= furthest}
		if ts, ok := reached[m.key]; ok {
			ms.Date = timePtr(ts)
		} else if ts, ok := backfill[m.key]; ok {
			ms.Date = timePtr(ts)
		}
		if ms.Completed {
			completed++
		}
		tl.Milestones = append(tl.Milestones, ms)
	}

	if title, ok := terminalTitles[order.Status]; ok {
		tl.Branch = Branch(order.Status)
		tl.Terminal = &Terminal{Status: order.Status, Title: title}
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Status == order.Status {
				tl.Terminal.Date = timePtr(entries[i].CreatedAt)
				tl.Terminal.Note = entries[i].Note
				break
			}
		}
		return tl
	}

	for i := range tl.Milestones {
		if !tl.Milestones[i].Completed {
			tl.Milestones[i].Active = true
			tl.CurrentStep = tl.Milestones[i].Key
			break
		}
	}
	pct := int(math.Round(float64(completed) / float64(len(canonical)) * 100))
	tl.ProgressPercent = &pct

	return tl
}

// NormalizeCarrierStatus maps a carrier status onto a milestone key, or "" when
// the status has no milestone equivalent.
func NormalizeCarrierStatus(status string) models.OrderStatus {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)

	switch {
	case s == "label_created" || s == "processing" || s == "packed":
		return models.OrderStatusProcessing
	case s == "out_for_delivery":
		return models.OrderStatusOutForDelivery
	case s == "delivered":
		return models.OrderStatusDelivered
	case s == "picked_up" || s == "shipped" || s == "at_sorting_center",
		strings.HasPrefix(s, "in_transit"),
		strings.HasPrefix(s, "arrived_at_"),
		strings.HasPrefix(s, "departed_"):
		return models.OrderStatusShipped
	}
	return ""
}

// carrierDates returns, per milestone, the earliest event time reported for it
func carrierDates(events []models.TrackingEvent) map[models.OrderStatus]time.Time {
	out := make(map[models.OrderStatus]time.Time)
	for _, ev := range events {
		key := NormalizeCarrierStatus(ev.Status)
		if key == "" {
			continue
		}
		if cur, ok := out[key]; !ok || ev.EventTime.Before(cur) {
			out[key] = ev.EventTime
		}
	}
	return out
}

func newestFirst(events []models.TrackingEvent) []models.TrackingEvent {
	out := make([]models.TrackingEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.After(out[j].EventTime)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
