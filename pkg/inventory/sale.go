package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CommitSale allocates every line of a sale in order and records the sale.
//
// Each line is deducted inside its own store transaction, so a failed line
// leaves its batches untouched. Lines committed before a failure are not
// rolled back; the caller receives a PartialSaleFailureError naming them.
// The header and lines are written together only after every line has
// been deducted.
// 販売の各明細を順に引当て、全明細成功後に販売を記録
func (m *Manager) CommitSale(ctx context.Context, req SaleRequest) (*Sale, error) {
	defer m.metrics.observeDuration("commit_sale", time.Now())

	if err := ValidateSaleRequest(req); err != nil {
		m.metrics.observeSale("rejected")
		return nil, err
	}

	user := m.getUserFromContext(ctx)
	reference := NewSaleReference()
	lines := make([]SaleLine, 0, len(req.Lines))
	committed := make([]int, 0, len(req.Lines))

	for i, lr := range req.Lines {
		lineNo := i + 1

		// キャンセル後は以降の明細を書き込まない
		if err := ctx.Err(); err != nil {
			return nil, m.failSale(reference, committed, lineNo, err)
		}

		allocations, err := m.commitLine(ctx, reference, user, lr)
		if err != nil {
			return nil, m.failSale(reference, committed, lineNo, err)
		}

		committed = append(committed, lineNo)
		lines = append(lines, SaleLine{
			ProductID:   lr.ProductID,
			WarehouseID: lr.WarehouseID,
			Quantity:    lr.Quantity,
			UnitPrice:   lr.UnitPrice,
			LineTotal:   LineTotal(lr.Quantity, lr.UnitPrice),
			Allocations: allocations,
		})
	}

	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}

	sale := &Sale{
		Reference:  reference,
		CustomerID: req.CustomerID,
		Total:      Round2(total),
		CreatedAt:  m.now().UTC(),
		CreatedBy:  user,
	}

	if err := ctx.Err(); err != nil {
		return nil, m.failSale(reference, committed, 0, err)
	}

	err := m.storage.RunInTx(ctx, func(tx Storage) error {
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}
		for i := range lines {
			lines[i].SaleID = sale.ID
			if err := tx.InsertSaleLine(ctx, &lines[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, m.failSale(reference, committed, 0, NewStorageError("record_sale", "販売記録に失敗しました", err))
	}
	sale.Lines = lines

	m.metrics.observeSale("committed")

	if m.publisher != nil {
		event := SaleCommittedEvent{
			EventID:   NewEventID(),
			SaleID:    sale.ID,
			Reference: sale.Reference,
			Lines:     len(sale.Lines),
			Total:     sale.Total,
			Timestamp: sale.CreatedAt,
			UserID:    user,
		}
		if err := m.publisher.PublishSaleCommitted(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	m.logger.Info("販売確定完了",
		zap.Int64("sale_id", sale.ID),
		zap.String("reference", sale.Reference),
		zap.Int("lines", len(sale.Lines)),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.String("user_id", user),
	)

	return sale, nil
}

// commitLine deducts one line's demand from fresh batches inside a single
// transaction, re-reading and re-planning when a batch changed underneath.
// 1明細分の引当を単一トランザクションで適用（競合時は再読込・再計画）
func (m *Manager) commitLine(ctx context.Context, reference, user string, lr SaleLineRequest) ([]LineAllocation, error) {
	resource := fmt.Sprintf("product:%d/warehouse:%d", lr.ProductID, lr.WarehouseID)

	for attempt := 1; ; attempt++ {
		var plan *AllocationPlan

		err := m.storage.RunInTx(ctx, func(tx Storage) error {
			batches, err := tx.ListBatches(ctx, AvailableFilter(lr.ProductID, lr.WarehouseID), FEFOOrder)
			if err != nil {
				return NewStorageError("list_batches", "バッチ取得に失敗しました", err)
			}

			plan, err = PlanAllocation(batches, lr.Quantity)
			if err != nil {
				return scopeAllocationError(err, lr.ProductID, lr.WarehouseID)
			}

			for _, d := range plan.Deductions {
				quantity := d.ResultingQuantity
				active := d.ResultingActive
				warehouseID := lr.WarehouseID
				if _, err := tx.UpdateBatch(ctx, d.BatchID, d.OriginalQuantity, BatchPatch{
					Quantity:            &quantity,
					Active:              &active,
					ExpectedWarehouseID: &warehouseID,
				}); err != nil {
					return err
				}
			}
			return nil
		})

		if err == nil {
			m.metrics.observeAllocation("planned")
			m.metrics.addUnits(lr.Quantity)
			m.publishDeductions(ctx, reference, user, lr, plan)

			allocations := make([]LineAllocation, len(plan.Deductions))
			for i, d := range plan.Deductions {
				allocations[i] = LineAllocation{BatchID: d.BatchID, Quantity: d.QuantityTaken}
			}
			return allocations, nil
		}

		if errors.Is(err, ErrInsufficientStock) {
			m.metrics.observeAllocation("insufficient")
			return nil, err
		}

		if !errors.Is(err, ErrVersionMismatch) && !errors.Is(err, ErrBatchNotFound) {
			return nil, err
		}

		m.metrics.observeConflict("sale")
		if attempt >= m.config.MaxConflictRetries {
			return nil, NewConcurrencyError("sale", resource, attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		m.logger.Warn("バッチ更新が競合しました。再読込して再試行します",
			zap.String("resource", resource),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

func (m *Manager) publishDeductions(ctx context.Context, reference, user string, lr SaleLineRequest, plan *AllocationPlan) {
	if m.publisher == nil {
		return
	}
	for _, d := range plan.Deductions {
		event := StockChangedEvent{
			EventID:     NewEventID(),
			BatchID:     d.BatchID,
			ProductID:   lr.ProductID,
			WarehouseID: lr.WarehouseID,
			OldQuantity: d.OriginalQuantity,
			NewQuantity: d.ResultingQuantity,
			ChangeType:  "sale",
			Reference:   reference,
			Timestamp:   m.now().UTC(),
			UserID:      user,
		}
		if err := m.publisher.PublishStockChanged(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}
}

// failSale converts a line failure into the error reported to the caller.
// Nothing was written when no line committed, so the cause is returned as is.
func (m *Manager) failSale(reference string, committed []int, failedLine int, cause error) error {
	if len(committed) == 0 {
		m.metrics.observeSale("rejected")
		m.logger.Info("販売を中止しました",
			zap.String("reference", reference),
			zap.Int("failed_line", failedLine),
			zap.Error(cause),
		)
		return cause
	}

	m.metrics.observeSale("partial")
	m.logger.Error("販売が一部のみ確定されました。確定済み明細の照合が必要です",
		zap.String("reference", reference),
		zap.Ints("committed_lines", committed),
		zap.Int("failed_line", failedLine),
		zap.Error(cause),
	)

	return &PartialSaleFailureError{
		CommittedLines: append([]int(nil), committed...),
		FailedLine:     failedLine,
		Cause:          cause,
	}
}
