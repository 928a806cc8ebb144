// Package inventory provides the batch ledger and FEFO allocation engine
package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch represents a lot of one product received into one warehouse
// 単一倉庫に入庫された単一商品のロット（バッチ）を表現
type Batch struct {
	ID          int64            `json:"id" db:"id"`                     // バッチID（ストア採番）
	ProductID   int64            `json:"product_id" db:"product_id"`     // 商品ID
	WarehouseID int64            `json:"warehouse_id" db:"warehouse_id"` // 倉庫ID
	Expiration  *time.Time       `json:"expiration" db:"expiration"`     // 有効期限（nilは期限管理なし）
	Quantity    int64            `json:"quantity" db:"quantity"`         // 数量
	UnitCost    *decimal.Decimal `json:"unit_cost" db:"unit_cost"`       // 仕入単価（任意）
	Active      bool             `json:"active" db:"active"`             // アクティブ状態
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`     // 作成日時
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`     // 更新日時
}

// IsAvailable reports whether the batch may be offered for allocation
// 引当対象として提示可能かチェック
func (b *Batch) IsAvailable() bool {
	return b.Active && b.Quantity > 0
}

// SortField names a batch column the store can order by
type SortField string

const (
	SortByID          SortField = "id"
	SortByExpiration  SortField = "expiration" // NULLは常に末尾
	SortByQuantity    SortField = "quantity"
	SortByProductID   SortField = "product_id"
	SortByWarehouseID SortField = "warehouse_id"
)

// SortOrder is one ordering term of a batch listing
type SortOrder struct {
	Field SortField `json:"field"`
	Desc  bool      `json:"desc"`
}

// FEFOOrder is the ordering used by allocation: expiration ascending with
// undated batches last, then id ascending.
// 引当順序（有効期限昇順・NULL末尾、ID昇順）
var FEFOOrder = []SortOrder{
	{Field: SortByExpiration},
	{Field: SortByID},
}

// BatchFilter selects batches from the store; nil fields are not filtered
// バッチ抽出条件（nilのフィールドは条件なし）
type BatchFilter struct {
	ProductID   *int64 `json:"product_id,omitempty"`
	WarehouseID *int64 `json:"warehouse_id,omitempty"`
	Active      *bool  `json:"active,omitempty"`
	MinQuantity *int64 `json:"min_quantity,omitempty"`
}

// AvailableFilter returns the filter for allocatable stock of one product,
// optionally narrowed to one warehouse (warehouseID <= 0 means all).
func AvailableFilter(productID, warehouseID int64) BatchFilter {
	active := true
	minQty := int64(1)
	f := BatchFilter{
		Active:      &active,
		MinQuantity: &minQty,
	}
	if productID > 0 {
		f.ProductID = &productID
	}
	if warehouseID > 0 {
		f.WarehouseID = &warehouseID
	}
	return f
}

// BatchPatch holds the columns a conditional update may change.
// ExpectedWarehouseID is a write condition, not a change: when set, the
// update applies only while the batch is still in that warehouse.
// 条件付き更新で変更可能な列
type BatchPatch struct {
	Quantity    *int64 `json:"quantity,omitempty"`
	Active      *bool  `json:"active,omitempty"`
	WarehouseID *int64 `json:"warehouse_id,omitempty"`

	ExpectedWarehouseID *int64 `json:"-"`
}

// Deduction is one per-batch step of an allocation plan
// 引当計画のバッチ単位の差引
type Deduction struct {
	BatchID           int64            `json:"batch_id"`
	Expiration        *time.Time       `json:"expiration"`
	UnitCost          *decimal.Decimal `json:"unit_cost"`
	OriginalQuantity  int64            `json:"original_quantity"`
	QuantityTaken     int64            `json:"quantity_taken"`
	ResultingQuantity int64            `json:"resulting_quantity"`
	ResultingActive   bool             `json:"resulting_active"`
}

// AllocationPlan is the ordered list of deductions satisfying one demand
// 一つの需要を満たす差引の順序付きリスト
type AllocationPlan struct {
	ProductID   int64       `json:"product_id"`
	WarehouseID int64       `json:"warehouse_id"`
	Requested   int64       `json:"requested"`
	Deductions  []Deduction `json:"deductions"`
}

// Total returns the quantity covered by the plan
func (p *AllocationPlan) Total() int64 {
	var total int64
	for _, d := range p.Deductions {
		total += d.QuantityTaken
	}
	return total
}

// Sale is the append-only header of a committed sale
// 確定済み販売のヘッダー（追記のみ）
type Sale struct {
	ID         int64           `json:"id" db:"id"`                   // 販売ID（ストア採番）
	Reference  string          `json:"reference" db:"reference"`     // 相関用参照番号
	CustomerID *int64          `json:"customer_id" db:"customer_id"` // 顧客ID（任意）
	Total      decimal.Decimal `json:"total" db:"total"`             // 合計金額
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`   // 作成日時
	CreatedBy  string          `json:"created_by" db:"created_by"`   // 作成者
	Lines      []SaleLine      `json:"lines,omitempty" db:"-"`       // 明細
}

// SaleLine is one line of a sale together with the batches it consumed
// 販売明細（消費したバッチを含む）
type SaleLine struct {
	ID          int64            `json:"id" db:"id"`
	SaleID      int64            `json:"sale_id" db:"sale_id"`
	ProductID   int64            `json:"product_id" db:"product_id"`
	WarehouseID int64            `json:"warehouse_id" db:"warehouse_id"`
	Quantity    int64            `json:"quantity" db:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price" db:"unit_price"`
	LineTotal   decimal.Decimal  `json:"line_total" db:"line_total"`
	Allocations []LineAllocation `json:"allocations,omitempty" db:"-"`
}

// LineAllocation records how much of a batch a sale line consumed
type LineAllocation struct {
	BatchID  int64 `json:"batch_id" db:"batch_id"`
	Quantity int64 `json:"quantity" db:"quantity"`
}

// SaleLineRequest is one cart line submitted for commit
// 確定依頼のカート明細
type SaleLineRequest struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// SaleRequest is a multi-line sale submitted for commit
type SaleRequest struct {
	CustomerID *int64            `json:"customer_id,omitempty"`
	Lines      []SaleLineRequest `json:"lines"`
}

// TransferResult describes the batches after a transfer
// 移動後のバッチ状態
type TransferResult struct {
	Source      Batch `json:"source"`      // 移動元（全量移動の場合は移動先と同一）
	Destination Batch `json:"destination"` // 移動先
	Split       bool  `json:"split"`       // 分割したかどうか
}

// RestockRequest describes a batch received into a warehouse
// 入庫依頼
type RestockRequest struct {
	ProductID   int64           `json:"product_id"`
	WarehouseID int64           `json:"warehouse_id"`
	Expiration  string          `json:"expiration"` // YYYY-MM または YYYY-MM-DD（空は期限なし）
	Quantity    int64           `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
}

// NewSaleReference generates a new sale correlation reference
// 新しい販売参照番号を生成
func NewSaleReference() string {
	return uuid.New().String()
}

// NewEventID generates a new event ID
// 新しいイベントIDを生成
func NewEventID() string {
	return uuid.New().String()
}
