package inventory

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

const maxQuantity int64 = 999999999

// Unit amounts are stored as NUMERIC(12,4); line and sale totals as NUMERIC(14,2)
// 単価は NUMERIC(12,4)、明細・販売合計は NUMERIC(14,2) で保存
const unitAmountScale = 4

var (
	maxUnitAmount = decimal.RequireFromString("99999999.9999")
	maxTotal      = decimal.RequireFromString("999999999999.99")
)

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ValidateID 識別子をバリデーション
func ValidateID(field string, id int64) error {
	if id <= 0 {
		return NewValidationError(field, "IDは正の値である必要があります", formatID(id))
	}
	return nil
}

// ValidateQuantity 数量をバリデーション（正の値のみ許可）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > maxQuantity {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateUnitPrice 販売単価をバリデーション
func ValidateUnitPrice(price decimal.Decimal) error {
	return validateAmount("unit_price", "販売単価", price)
}

// ValidateUnitCost 仕入単価をバリデーション
func ValidateUnitCost(cost decimal.Decimal) error {
	return validateAmount("unit_cost", "仕入単価", cost)
}

func validateAmount(field, label string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError(field, label+"は正の値である必要があります", amount.String())
	}
	if amount.GreaterThan(maxUnitAmount) {
		return NewValidationError(field, label+"が有効範囲を超えています", amount.String())
	}
	if !amount.Equal(amount.Truncate(unitAmountScale)) {
		return NewValidationError(field, label+"の小数点以下は4桁までです", amount.String())
	}
	return nil
}

// ValidateSaleLine 販売明細をバリデーション
func ValidateSaleLine(line SaleLineRequest) error {
	if err := ValidateID("product_id", line.ProductID); err != nil {
		return err
	}
	if err := ValidateID("warehouse_id", line.WarehouseID); err != nil {
		return err
	}
	if err := ValidateQuantity(line.Quantity); err != nil {
		return err
	}
	if err := ValidateUnitPrice(line.UnitPrice); err != nil {
		return err
	}
	if total := LineTotal(line.Quantity, line.UnitPrice); total.GreaterThan(maxTotal) {
		return NewValidationError("line_total", "明細金額が有効範囲を超えています", total.String())
	}
	return nil
}

// ValidateSaleRequest 販売依頼全体をI/O前にバリデーション
func ValidateSaleRequest(req SaleRequest) error {
	if len(req.Lines) == 0 {
		return NewValidationError("lines", "販売明細が空です", "0")
	}
	if req.CustomerID != nil {
		if err := ValidateID("customer_id", *req.CustomerID); err != nil {
			return err
		}
	}
	total := decimal.Zero
	for i, line := range req.Lines {
		if err := ValidateSaleLine(line); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Field = fmt.Sprintf("lines[%d].%s", i, ve.Field)
			}
			return err
		}
		total = total.Add(LineTotal(line.Quantity, line.UnitPrice))
	}
	if total.GreaterThan(maxTotal) {
		return NewValidationError("total", "販売合計が有効範囲を超えています", total.String())
	}
	return nil
}

// ValidateRestock 入庫依頼をバリデーション
func ValidateRestock(req RestockRequest) error {
	if err := ValidateID("product_id", req.ProductID); err != nil {
		return err
	}
	if err := ValidateID("warehouse_id", req.WarehouseID); err != nil {
		return err
	}
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	return ValidateUnitCost(req.UnitCost)
}

// ValidateTransfer 移動条件をバッチの現在値に対して検証
func ValidateTransfer(batch *Batch, targetWarehouseID, quantity int64) error {
	switch {
	case quantity <= 0:
		return NewInvalidTransferError(batch.ID, ReasonNonPositiveQuantity)
	case targetWarehouseID == batch.WarehouseID:
		return NewInvalidTransferError(batch.ID, ReasonSameWarehouse)
	case !batch.Active:
		return NewInvalidTransferError(batch.ID, ReasonBatchInactive)
	case quantity > batch.Quantity:
		return NewInvalidTransferError(batch.ID, ReasonExceedsQuantity)
	}
	return nil
}

// ValidateHistoryLimit 履歴件数を既定値と上限で補正
func ValidateHistoryLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
