package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger defines the core interface for the batch ledger
// バッチ台帳のコアインターフェースを定義
type Ledger interface {
	// 引当 - Allocation
	PlanAllocation(ctx context.Context, productID, warehouseID, quantity int64) (*AllocationPlan, error)
	CommitSale(ctx context.Context, req SaleRequest) (*Sale, error)

	// 移動 - Transfer
	TransferBatch(ctx context.Context, batchID, targetWarehouseID, quantity int64) (*TransferResult, error)

	// 集計 - Summaries
	SummarizeProducts(ctx context.Context) ([]ProductSummary, error)
	SummarizeProductWarehouses(ctx context.Context, productID int64) ([]ProductWarehouseSummary, error)
	RecommendWarehouse(ctx context.Context, productID int64) (*ProductWarehouseSummary, error)

	// 履歴 - History
	GetSaleHistory(ctx context.Context, limit int) ([]Sale, error)
}

// BatchTracker defines interface for restock and expiry tracking
// 入庫と有効期限追跡のインターフェースを定義
type BatchTracker interface {
	Restock(ctx context.Context, req RestockRequest) (*Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	GetBatchesByProduct(ctx context.Context, productID int64) ([]Batch, error)
	GetExpiringBatches(ctx context.Context, withinDays int) ([]Batch, error)
	GetExpiredBatches(ctx context.Context) ([]Batch, error)
}

// Valuator defines interface for inventory valuation
// 在庫評価のインターフェースを定義
type Valuator interface {
	CalculateValue(ctx context.Context, productID, warehouseID int64) (Valuation, error)
	CalculateTotalValue(ctx context.Context, warehouseID int64) (Valuation, error)
}

// Valuation is a rounded stock value together with its completeness flag
// 丸め済み評価額と完全性フラグ
type Valuation struct {
	Value      decimal.Decimal `json:"value"`
	ValueKnown bool            `json:"value_known"`
}

// Storage defines the interface for data persistence layer.
// UpdateBatch applies patch only when the stored quantity still equals
// expectedQuantity (and the warehouse equals patch.ExpectedWarehouseID when
// set); otherwise it returns ErrVersionMismatch, or ErrBatchNotFound when
// the row does not exist.
// データ永続化層のインターフェースを定義
type Storage interface {
	// Batch operations
	ListBatches(ctx context.Context, filter BatchFilter, sort []SortOrder) ([]Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	UpdateBatch(ctx context.Context, id, expectedQuantity int64, patch BatchPatch) (*Batch, error)
	InsertBatch(ctx context.Context, batch *Batch) error

	// Sale history (append only)
	InsertSale(ctx context.Context, sale *Sale) error
	InsertSaleLine(ctx context.Context, line *SaleLine) error
	ListSales(ctx context.Context, limit int) ([]Sale, error)

	// RunInTx runs fn against a transactional view of the store. The view is
	// committed when fn returns nil and rolled back otherwise.
	RunInTx(ctx context.Context, fn func(tx Storage) error) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time; replaced in tests
// 現在時刻を返す（テストで差し替え）
type Clock func() time.Time
