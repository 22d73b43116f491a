package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func newTestRouter(t *testing.T, checks map[string]Pinger) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	coordinator := service.NewCoordinator(service.Deps{
		Repo:   store.New(sqlx.NewDb(db, "postgres")),
		Logger: zap.NewNop(),
	})
	router := gin.New()
	NewHandler(coordinator, checks).SetupRoutes(router, "fulfillment-service-test")
	return router, mock
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

var orderRowColumns = []string{
	"id", "order_number", "user_id", "total_amount", "status", "payment_status",
	"tracking_number", "carrier", "tracking_url", "estimated_delivery", "actual_delivery",
	"delivery_notes", "idempotency_key", "version", "created_at", "updated_at",
}

func pendingOrderRow(id int64) *sqlmock.Rows {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(orderRowColumns).AddRow(
		id, "ORD-0000ABCD", 7, 2500, "pending", "pending",
		"", "", "", nil, nil,
		"", "key-1", 1, now, now)
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := serve(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadinessCheck(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	router, _ := newTestRouter(t, map[string]Pinger{"postgres": ok, "redis": ok})
	w := serve(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	router, _ = newTestRouter(t, map[string]Pinger{"postgres": ok, "redis": down})
	w = serve(router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Failed map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, map[string]string{"redis": "connection refused"}, body.Failed)
}

func TestInvalidPathID(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	for _, path := range []string{"/api/v1/orders/abc", "/api/v1/orders/0", "/api/v1/inventory/-3"} {
		w := serve(router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Error.Code)
	}
}

func TestInvalidBody(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	w := serve(router, http.MethodPost, "/api/v1/orders/5/transitions", `{"note":"no status"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Equal(t, "invalid request body", body.Error.Message)

	w = serve(router, http.MethodPost, "/api/v1/orders", `{"user_id":1,"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(router, http.MethodPost, "/api/v1/inventory/1/movements", `{"type":"sale"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_NotFound(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(orderRowColumns))

	w := serve(router, http.MethodGet, "/api/v1/orders/5", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrder_InternalErrorIsHidden(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WillReturnError(errors.New("pq: password authentication failed"))

	w := serve(router, http.MethodGet, "/api/v1/orders/5", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "INTERNAL", body.Error.Code)
	assert.Equal(t, "internal server error", body.Error.Message)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestTransition_InvalidEdge(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(pendingOrderRow(5))
	mock.ExpectRollback()

	w := serve(router, http.MethodPost, "/api/v1/orders/5/transitions", `{"status":"shipped","actor":"staff:1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body := decodeError(t, w)
	assert.Equal(t, "INVALID_TRANSITION", body.Error.Code)
	assert.Equal(t, "pending", body.Error.Details["current_status"])
	assert.Equal(t, "shipped", body.Error.Details["target_status"])
	assert.Equal(t, []any{"confirmed", "cancelled"}, body.Error.Details["allowed"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_StaleExpectation(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM orders WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(pendingOrderRow(5))
	mock.ExpectRollback()

	w := serve(router, http.MethodPost, "/api/v1/orders/5/transitions",
		`{"status":"processing","expected_status":"confirmed","actor":"staff:1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STATE_CONFLICT", decodeError(t, w).Error.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddTrackingEvent_SourceNotAllowed(t *testing.T) {
	router, mock := newTestRouter(t, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	w := serve(router, http.MethodPost, "/api/v1/orders/5/tracking-events",
		`{"status":"delivered","source":"customer"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w).Error.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
