package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
)

// Pinger reports whether the backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handlers for the batch ledger API
// バッチ台帳API用のHTTPハンドラーを保持
type Handlers struct {
	ledger   inventory.Ledger
	tracker  inventory.BatchTracker
	valuator inventory.Valuator
	store    Pinger
	logger   *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(ledger inventory.Ledger, tracker inventory.BatchTracker, valuator inventory.Valuator, store Pinger, logger *zap.Logger) *Handlers {
	return &Handlers{
		ledger:   ledger,
		tracker:  tracker,
		valuator: valuator,
		store:    store,
		logger:   logger,
	}
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// TransferRequest represents request to move part or all of a batch
// バッチ移動リクエストを表現
type TransferRequest struct {
	TargetWarehouseID int64 `json:"target_warehouse_id"`
	Quantity          int64 `json:"quantity"`
}

// PlanRequest represents a dry-run allocation request
// 引当計画リクエストを表現
type PlanRequest struct {
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
	Quantity    int64 `json:"quantity"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("ヘルスチェックに失敗しました", zap.Error(err))
		h.sendJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Error:   "ストアに接続できません",
		})
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "sklad-fifo",
	})
}

// Restock handles batch receipt requests
// 入庫リクエストを処理
func (h *Handlers) Restock(w http.ResponseWriter, r *http.Request) {
	var req inventory.RestockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	batch, err := h.tracker.Restock(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: batch})
}

// ListBatches handles batch listing requests in FEFO order
// バッチ一覧リクエストを処理
func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	var filter inventory.BatchFilter
	query := r.URL.Query()

	if v := query.Get("product_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効な商品IDです")
			return
		}
		filter.ProductID = &id
	}
	if v := query.Get("warehouse_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効な倉庫IDです")
			return
		}
		filter.WarehouseID = &id
	}
	if v := query.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効なactive指定です")
			return
		}
		filter.Active = &active
	}

	batches, err := h.tracker.ListBatches(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, batches)
}

// GetExpiringBatches handles expiring batch requests
// 期限間近バッチリクエストを処理
func (h *Handlers) GetExpiringBatches(w http.ResponseWriter, r *http.Request) {
	days := inventory.DefaultCriticalWindowDays
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効な日数です")
			return
		}
		days = parsed
	}

	batches, err := h.tracker.GetExpiringBatches(r.Context(), days)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, batches)
}

// GetExpiredBatches handles expired batch requests
// 期限切れバッチリクエストを処理
func (h *Handlers) GetExpiredBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.tracker.GetExpiredBatches(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, batches)
}

// TransferBatch handles batch transfer requests
// バッチ移動リクエストを処理
func (h *Handlers) TransferBatch(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.pathID(w, r, "batchId")
	if !ok {
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	result, err := h.ledger.TransferBatch(r.Context(), batchID, req.TargetWarehouseID, req.Quantity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, result)
}

// PlanAllocation handles dry-run FEFO allocation requests
// 引当計画リクエストを処理（書き込みなし）
func (h *Handlers) PlanAllocation(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	plan, err := h.ledger.PlanAllocation(r.Context(), req.ProductID, req.WarehouseID, req.Quantity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, plan)
}

// CommitSale handles multi-line sale requests
// 販売確定リクエストを処理
func (h *Handlers) CommitSale(w http.ResponseWriter, r *http.Request) {
	var req inventory.SaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です")
		return
	}

	sale, err := h.ledger.CommitSale(r.Context(), req)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendJSON(w, http.StatusCreated, APIResponse{Success: true, Data: sale})
}

// GetSaleHistory handles sale history requests
// 販売履歴リクエストを処理
func (h *Handlers) GetSaleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "無効な件数です")
			return
		}
		limit = parsed
	}

	sales, err := h.ledger.GetSaleHistory(r.Context(), limit)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, sales)
}

// SummarizeProducts handles product summary requests
// 商品集計リクエストを処理
func (h *Handlers) SummarizeProducts(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.ledger.SummarizeProducts(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, summaries)
}

// SummarizeProductWarehouses handles per-warehouse summary requests
// 倉庫別集計リクエストを処理
func (h *Handlers) SummarizeProductWarehouses(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}

	summaries, err := h.ledger.SummarizeProductWarehouses(r.Context(), productID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, summaries)
}

// RecommendWarehouse handles recommended warehouse requests
// 推奨倉庫リクエストを処理
func (h *Handlers) RecommendWarehouse(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productId")
	if !ok {
		return
	}

	best, err := h.ledger.RecommendWarehouse(r.Context(), productID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if best == nil {
		h.sendError(w, http.StatusNotFound, "在庫のある倉庫がありません")
		return
	}

	h.sendSuccess(w, best)
}

// CalculateTotalValue handles warehouse valuation requests
// 倉庫評価額リクエストを処理
func (h *Handlers) CalculateTotalValue(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := h.pathID(w, r, "warehouseId")
	if !ok {
		return
	}

	val, err := h.valuator.CalculateTotalValue(r.Context(), warehouseID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.sendSuccess(w, val)
}

// ヘルパーメソッド

func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なIDです: "+name)
		return 0, false
	}
	return id, true
}

// handleError maps ledger errors onto HTTP status codes
// 台帳エラーをHTTPステータスに変換
func (h *Handlers) handleError(w http.ResponseWriter, err error) {
	var (
		psf *inventory.PartialSaleFailureError
		ve  *inventory.ValidationError
		ite *inventory.InvalidTransferError
		ise *inventory.InsufficientStockError
		ce  *inventory.ConcurrencyError
	)

	switch {
	case errors.As(err, &psf):
		h.sendJSON(w, http.StatusConflict, APIResponse{
			Success: false,
			Error:   psf.Error(),
			Details: map[string]interface{}{
				"committed_lines": psf.CommittedLines,
				"failed_line":     psf.FailedLine,
				"cause":           errorCause(psf.Cause),
			},
		})
	case errors.As(err, &ve):
		h.sendJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   ve.Error(),
			Details: map[string]string{"field": ve.Field, "value": ve.Value},
		})
	case errors.As(err, &ite):
		h.sendJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   ite.Error(),
			Details: map[string]interface{}{"batch_id": ite.BatchID, "reason": ite.Reason},
		})
	case errors.Is(err, inventory.ErrBatchNotFound):
		h.sendError(w, http.StatusNotFound, "バッチが見つかりません")
	case errors.As(err, &ise):
		h.sendJSON(w, http.StatusUnprocessableEntity, APIResponse{
			Success: false,
			Error:   ise.Error(),
			Details: map[string]int64{
				"product_id":   ise.ProductID,
				"warehouse_id": ise.WarehouseID,
				"available":    ise.Available,
				"requested":    ise.Requested,
			},
		})
	case errors.As(err, &ce):
		h.sendJSON(w, http.StatusConflict, APIResponse{
			Success: false,
			Error:   ce.Error(),
			Details: map[string]interface{}{"resource": ce.Resource, "attempts": ce.Attempts},
		})
	case errors.Is(err, inventory.ErrStoreUnavailable):
		h.sendError(w, http.StatusServiceUnavailable, "ストアが一時的に利用できません")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.sendError(w, http.StatusServiceUnavailable, "リクエストがキャンセルされました")
	default:
		h.logger.Error("予期しないエラーが発生しました", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "内部エラーが発生しました")
	}
}

func errorCause(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.sendJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func (h *Handlers) sendJSON(w http.ResponseWriter, statusCode int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}
