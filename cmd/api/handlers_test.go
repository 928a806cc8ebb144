package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/internal/config"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory/storage"
)

type testServer struct {
	router http.Handler
	store  *storage.MemoryStorage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	st := storage.NewMemoryStorage(logger)
	clock := func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) }

	manager := inventory.NewManager(st, nil, logger, nil).WithClock(clock).WithCatalog(st)
	tracker := inventory.NewTrackingManager(st, nil, logger).WithClock(clock)
	valuator := inventory.NewValuationEngine(st, logger)

	apiCfg := config.Default().API
	apiCfg.EnableMetrics = false
	handlers := NewHandlers(manager, tracker, valuator, st, logger)

	return &testServer{router: setupRouter(handlers, apiCfg, logger), store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, "tester")

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (s *testServer) restock(t *testing.T, productID, warehouseID, qty int64, expiration, unitCost string) int64 {
	t.Helper()
	rec, resp := s.do(t, http.MethodPost, "/api/v1/batches", inventory.RestockRequest{
		ProductID:   productID,
		WarehouseID: warehouseID,
		Expiration:  expiration,
		Quantity:    qty,
		UnitCost:    decimal.RequireFromString(unitCost),
	})
	require.Equal(t, http.StatusCreated, rec.Code, resp.Error)
	data := resp.Data.(map[string]interface{})
	return int64(data["id"].(float64))
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	require.NoError(t, s.store.Close())
	rec, resp = s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}

func TestCommitSale_Endpoint(t *testing.T) {
	s := newTestServer(t)
	s.restock(t, 1, 1, 10, "2024-03", "1.00")
	s.restock(t, 1, 1, 5, "2024-05", "1.00")

	rec, resp := s.do(t, http.MethodPost, "/api/v1/sales", inventory.SaleRequest{
		Lines: []inventory.SaleLineRequest{
			{ProductID: 1, WarehouseID: 1, Quantity: 12, UnitPrice: decimal.RequireFromString("2.50")},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code, resp.Error)
	sale := resp.Data.(map[string]interface{})
	assert.Equal(t, "tester", sale["created_by"])
	assert.Equal(t, "30", sale["total"])

	rec, resp = s.do(t, http.MethodGet, "/api/v1/sales?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data.([]interface{}), 1)
}

func TestCommitSale_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	s.restock(t, 1, 1, 5, "2024-03", "1.00")
	s.restock(t, 2, 1, 1, "", "1.00")
	price := decimal.RequireFromString("1.00")

	t.Run("validation", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/sales", inventory.SaleRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, resp.Success)
	})

	t.Run("insufficient stock on first line", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/sales", inventory.SaleRequest{
			Lines: []inventory.SaleLineRequest{{ProductID: 1, WarehouseID: 1, Quantity: 6, UnitPrice: price}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		details := resp.Details.(map[string]interface{})
		assert.Equal(t, float64(5), details["available"])
	})

	t.Run("partial failure", func(t *testing.T) {
		rec, resp := s.do(t, http.MethodPost, "/api/v1/sales", inventory.SaleRequest{
			Lines: []inventory.SaleLineRequest{
				{ProductID: 1, WarehouseID: 1, Quantity: 2, UnitPrice: price},
				{ProductID: 2, WarehouseID: 1, Quantity: 3, UnitPrice: price},
			},
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		details := resp.Details.(map[string]interface{})
		assert.Equal(t, []interface{}{float64(1)}, details["committed_lines"])
		assert.Equal(t, float64(2), details["failed_line"])
	})
}

func TestTransferBatch_Endpoint(t *testing.T) {
	s := newTestServer(t)
	id := s.restock(t, 1, 1, 10, "2024-03-31", "1.20")

	rec, resp := s.do(t, http.MethodPost, "/api/v1/batches/999/transfer", TransferRequest{TargetWarehouseID: 2, Quantity: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = s.do(t, http.MethodPost, "/api/v1/batches/1/transfer", TransferRequest{TargetWarehouseID: 1, Quantity: 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, inventory.ReasonSameWarehouse, resp.Details.(map[string]interface{})["reason"])

	rec, resp = s.do(t, http.MethodPost, "/api/v1/batches/1/transfer", TransferRequest{TargetWarehouseID: 2, Quantity: 4})
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)
	result := resp.Data.(map[string]interface{})
	assert.Equal(t, true, result["split"])

	src, err := s.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(6), src.Quantity)
}

func TestSummaryEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.store.RegisterProduct(1, "Mlieko")
	s.store.RegisterProduct(2, "Chlieb")
	s.restock(t, 1, 1, 4, "2024-09-30", "1.00")
	s.restock(t, 1, 2, 4, "2024-02-10", "1.10")
	s.restock(t, 2, 1, 3, "2024-01-20", "0.50")

	rec, resp := s.do(t, http.MethodGet, "/api/v1/summary/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summaries := resp.Data.([]interface{})
	require.Len(t, summaries, 2)
	assert.Equal(t, float64(2), summaries[0].(map[string]interface{})["product_id"])

	rec, resp = s.do(t, http.MethodGet, "/api/v1/products/1/recommended-warehouse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), resp.Data.(map[string]interface{})["warehouse_id"])

	rec, _ = s.do(t, http.MethodGet, "/api/v1/products/7/recommended-warehouse", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = s.do(t, http.MethodGet, "/api/v1/valuation/warehouses/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	val := resp.Data.(map[string]interface{})
	assert.Equal(t, "5.5", val["value"])
	assert.Equal(t, true, val["value_known"])
}

func TestPlanAllocation_Endpoint(t *testing.T) {
	s := newTestServer(t)
	s.restock(t, 1, 1, 10, "2024-03-31", "1.00")

	rec, resp := s.do(t, http.MethodPost, "/api/v1/allocations/plan", PlanRequest{ProductID: 1, WarehouseID: 1, Quantity: 4})

	require.Equal(t, http.StatusOK, rec.Code, resp.Error)
	plan := resp.Data.(map[string]interface{})
	assert.Len(t, plan["deductions"], 1)

	batches, err := s.store.ListBatches(context.Background(), inventory.AvailableFilter(1, 1), inventory.FEFOOrder)
	require.NoError(t, err)
	assert.Equal(t, int64(10), batches[0].Quantity)
}
