package inventory

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Round2 rounds a monetary amount to two decimals, half away from zero.
// All line totals, sale totals and valuations go through this function.
// 金額を小数点以下2桁に丸める（0から遠い方へ四捨五入）
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotal returns round2(quantity × unitPrice)
// 明細金額を計算
func LineTotal(quantity int64, unitPrice decimal.Decimal) decimal.Decimal {
	return Round2(unitPrice.Mul(decimal.NewFromInt(quantity)))
}

// BatchValue returns the rounded value of a batch and whether its cost is known
// バッチの評価額（原価不明の場合はfalse）
func BatchValue(b Batch) (decimal.Decimal, bool) {
	if b.UnitCost == nil {
		return decimal.Zero, false
	}
	return Round2(b.UnitCost.Mul(decimal.NewFromInt(b.Quantity))), true
}

// AccumulateValue sums batch values rounding after every addition. When any
// batch lacks a unit cost the result is zero and not known.
// 加算ごとに丸めて合計（原価不明のバッチがあれば評価不能）
func AccumulateValue(batches []Batch) Valuation {
	total := decimal.Zero
	for _, b := range batches {
		value, ok := BatchValue(b)
		if !ok {
			return Valuation{Value: decimal.Zero, ValueKnown: false}
		}
		total = Round2(total.Add(value))
	}
	return Valuation{Value: total, ValueKnown: true}
}

// ValuationEngine values the available stock held in the store
// ストア上の利用可能在庫を評価
type ValuationEngine struct {
	storage Storage
	logger  *zap.Logger
}

var _ Valuator = (*ValuationEngine)(nil)

// NewValuationEngine creates a new valuation engine
// 新しい在庫評価エンジンを作成
func NewValuationEngine(storage Storage, logger *zap.Logger) *ValuationEngine {
	return &ValuationEngine{
		storage: storage,
		logger:  logger,
	}
}

// CalculateValue values the available batches of one product in one warehouse
// 商品・倉庫単位の在庫価値を計算
func (v *ValuationEngine) CalculateValue(ctx context.Context, productID, warehouseID int64) (Valuation, error) {
	if productID <= 0 {
		return Valuation{}, NewValidationError("product_id", "商品IDは正の値である必要があります", formatID(productID))
	}
	return v.calculate(ctx, AvailableFilter(productID, warehouseID))
}

// CalculateTotalValue values all available batches of a warehouse
// 倉庫の総在庫価値を計算
func (v *ValuationEngine) CalculateTotalValue(ctx context.Context, warehouseID int64) (Valuation, error) {
	if warehouseID <= 0 {
		return Valuation{}, NewValidationError("warehouse_id", "倉庫IDは正の値である必要があります", formatID(warehouseID))
	}
	return v.calculate(ctx, AvailableFilter(0, warehouseID))
}

func (v *ValuationEngine) calculate(ctx context.Context, filter BatchFilter) (Valuation, error) {
	batches, err := v.storage.ListBatches(ctx, filter, FEFOOrder)
	if err != nil {
		return Valuation{}, NewStorageError("list_batches", "バッチ取得に失敗しました", err)
	}

	val := AccumulateValue(batches)
	if !val.ValueKnown {
		v.logger.Warn("原価不明のバッチがあるため評価額を算出できません",
			zap.Int("batch_count", len(batches)),
		)
	}
	return val, nil
}
