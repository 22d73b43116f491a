package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	coordinator *service.Coordinator
	ledger      *service.StockLedger
	checks      map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(coordinator *service.Coordinator, checks map[string]Pinger) *Handler {
	return &Handler{
		coordinator: coordinator,
		ledger:      coordinator.Ledger(),
		checks:      checks,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine, serviceName string) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		orders.POST("", h.checkout)
		orders.GET("/:id", h.getOrder)
		orders.POST("/:id/transitions", h.transition)
		orders.GET("/:id/history", h.listHistory)
		orders.GET("/:id/timeline", h.getTimeline)
		orders.POST("/:id/tracking-events", h.addTrackingEvent)
		orders.POST("/:id/delivery-attempts", h.recordDeliveryAttempt)
		orders.GET("/:id/delivery-attempts", h.listDeliveryAttempts)
		orders.PATCH("/:id/shipping", h.updateShipping)

		inventory := v1.Group("/inventory")
		inventory.POST("", h.createInventoryItem)
		inventory.GET("/:id", h.getInventoryItem)
		inventory.POST("/:id/movements", h.applyStockMovement)
		inventory.GET("/:id/movements", h.listStockMovements)
		inventory.PUT("/:id/settings", h.updateInventorySettings)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency the service cannot serve without
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// checkout handles order creation
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.coordinator.Checkout(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}

	order, items, err := h.coordinator.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

func (h *Handler) transition(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	var req service.TransitionRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OrderID = orderID

	t, err := h.coordinator.Transition(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":           t.Order,
		"history_entry":   t.Entry,
		"stock_movements": movementsOf(t.Movements),
	})
}

func (h *Handler) listHistory(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	history, err := h.coordinator.ListHistory(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": nonNil(history)})
}

func (h *Handler) getTimeline(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	tl, err := h.coordinator.Timeline(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tl)
}

func (h *Handler) addTrackingEvent(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	var req service.TrackingEventRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OrderID = orderID
	if req.Source == "" {
		req.Source = models.TrackingSourceStaff
	}

	event, err := h.coordinator.AddTrackingEvent(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event": event})
}

func (h *Handler) recordDeliveryAttempt(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	var req service.DeliveryAttemptRequest
	if !bindJSON(c, &req) {
		return
	}
	req.OrderID = orderID

	res, err := h.coordinator.RecordDeliveryAttempt(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listDeliveryAttempts(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	attempts, err := h.coordinator.ListDeliveryAttempts(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": nonNil(attempts)})
}

func (h *Handler) updateShipping(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	var upd service.ShippingUpdate
	if !bindJSON(c, &upd) {
		return
	}
	upd.OrderID = orderID

	order, err := h.coordinator.UpdateShipping(c.Request.Context(), upd)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) createInventoryItem(c *gin.Context) {
	var req service.CreateItemRequest
	if !bindJSON(c, &req) {
		return
	}

	item, err := h.ledger.CreateItem(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

func (h *Handler) getInventoryItem(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	item, err := h.ledger.GetItem(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (h *Handler) applyStockMovement(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	var req service.MovementRequest
	if !bindJSON(c, &req) {
		return
	}
	req.InventoryItemID = itemID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	res, err := h.ledger.ApplyMovement(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"item":     service.NewItemView(res.Item),
		"movement": res.Movement,
		"replayed": res.Replayed,
	})
}

func (h *Handler) listStockMovements(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	movements, err := h.ledger.ListMovements(c.Request.Context(), itemID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": nonNil(movements)})
}

func (h *Handler) updateInventorySettings(c *gin.Context) {
	itemID, ok := pathID(c)
	if !ok {
		return
	}
	var settings models.InventorySettings
	if !bindJSON(c, &settings) {
		return
	}

	item, err := h.ledger.UpdateSettings(c.Request.Context(), itemID, settings)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// respondError writes err using its business kind. Anything that is not a
// business error is logged and hidden behind a generic message.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": gin.H{
			"code":    apperr.KindInternal,
			"message": "internal server error",
		}})
		return
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		c.JSON(status, gin.H{"error": appErr})
		return
	}
	c.JSON(status, gin.H{"error": gin.H{"code": apperr.KindOf(err), "message": err.Error()}})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    apperr.KindValidation,
			"message": "invalid request body",
			"details": gin.H{"reason": err.Error()},
		}})
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    apperr.KindValidation,
			"message": "invalid id",
		}})
		return 0, false
	}
	return id, true
}

func movementsOf(results []*service.MovementResult) []*models.StockMovement {
	out := make([]*models.StockMovement, 0, len(results))
	for _, r := range results {
		out = append(out, r.Movement)
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
