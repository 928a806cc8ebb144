package inventory

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// PlanAllocation selects batches in FEFO order until demand is covered.
// The input slice is never modified; batches are expected to be already
// scoped to one product and warehouse and to be available.
// FEFO順にバッチを選択して需要を満たす引当計画を作成（入力は変更しない）
func PlanAllocation(batches []Batch, demand int64) (*AllocationPlan, error) {
	if demand <= 0 {
		return nil, NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprint(demand))
	}

	sorted := SortFEFO(batches)

	plan := &AllocationPlan{Requested: demand}
	if len(sorted) > 0 {
		plan.ProductID = sorted[0].ProductID
		plan.WarehouseID = sorted[0].WarehouseID
	}

	var available int64
	for _, b := range sorted {
		if b.IsAvailable() {
			available += b.Quantity
		}
	}
	if available < demand {
		return nil, NewInsufficientStockError(plan.ProductID, plan.WarehouseID, available, demand)
	}

	remaining := demand
	for _, b := range sorted {
		if remaining == 0 {
			break
		}
		if !b.IsAvailable() {
			continue
		}
		take := min(b.Quantity, remaining)
		left := b.Quantity - take
		plan.Deductions = append(plan.Deductions, Deduction{
			BatchID:           b.ID,
			Expiration:        b.Expiration,
			UnitCost:          b.UnitCost,
			OriginalQuantity:  b.Quantity,
			QuantityTaken:     take,
			ResultingQuantity: left,
			ResultingActive:   left > 0,
		})
		remaining -= take
	}

	return plan, nil
}

// SortFEFO returns a copy of batches ordered by expiration ascending with
// undated batches last, then by id ascending.
// 有効期限昇順（期限なしは末尾）、ID昇順に並べたコピーを返す
func SortFEFO(batches []Batch) []Batch {
	sorted := slices.Clone(batches)
	slices.SortStableFunc(sorted, func(a, b Batch) int {
		if c := CompareExpiration(a.Expiration, b.Expiration); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return sorted
}

// CompareExpiration orders expirations ascending, treating nil as never expiring
func CompareExpiration(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}
