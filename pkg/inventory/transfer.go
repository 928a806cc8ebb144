package inventory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// TransferBatch moves quantity units of a batch to another warehouse.
// Moving the whole batch relabels it in place; moving part of it inserts a
// destination batch and reduces the source within one transaction. Both
// writes are conditioned on the quantity that was read.
// バッチを別倉庫へ移動（全量は付け替え、一部は分割）
func (m *Manager) TransferBatch(ctx context.Context, batchID, targetWarehouseID, quantity int64) (*TransferResult, error) {
	defer m.metrics.observeDuration("transfer_batch", time.Now())

	if err := ValidateID("batch_id", batchID); err != nil {
		return nil, err
	}
	if err := ValidateID("warehouse_id", targetWarehouseID); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, NewInvalidTransferError(batchID, ReasonNonPositiveQuantity)
	}

	user := m.getUserFromContext(ctx)

	for attempt := 1; ; attempt++ {
		var batch *Batch
		err := m.retryRead(ctx, "get_batch", func() error {
			var err error
			batch, err = m.storage.GetBatch(ctx, batchID)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrBatchNotFound) {
				return nil, ErrBatchNotFound
			}
			return nil, NewStorageError("get_batch", "バッチ取得に失敗しました", err)
		}

		if err := ValidateTransfer(batch, targetWarehouseID, quantity); err != nil {
			return nil, err
		}

		var result *TransferResult
		if quantity == batch.Quantity {
			result, err = m.relabel(ctx, batch, targetWarehouseID)
		} else {
			result, err = m.split(ctx, batch, targetWarehouseID, quantity)
		}

		if err == nil {
			m.completeTransfer(ctx, batch, result, quantity, user)
			return result, nil
		}

		if !errors.Is(err, ErrVersionMismatch) {
			if errors.Is(err, ErrBatchNotFound) {
				return nil, ErrBatchNotFound
			}
			return nil, NewStorageError("transfer_batch", "バッチ移動に失敗しました", err)
		}

		m.metrics.observeConflict("transfer")
		if attempt >= m.config.MaxConflictRetries {
			return nil, NewConcurrencyError("transfer", conflictResource("batch", batchID), attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		m.logger.Warn("バッチ移動が競合しました。再読込して再検証します",
			zap.Int64("batch_id", batchID),
			zap.Int("attempt", attempt),
		)
	}
}

// relabel moves the whole batch with a single conditional update
func (m *Manager) relabel(ctx context.Context, batch *Batch, targetWarehouseID int64) (*TransferResult, error) {
	warehouseID := targetWarehouseID
	current := batch.WarehouseID
	updated, err := m.storage.UpdateBatch(ctx, batch.ID, batch.Quantity, BatchPatch{
		WarehouseID:         &warehouseID,
		ExpectedWarehouseID: &current,
	})
	if err != nil {
		return nil, err
	}
	return &TransferResult{Source: *updated, Destination: *updated}, nil
}

// split inserts the destination first, then reduces the source; both in one
// transaction so the source is never reduced without the destination existing
func (m *Manager) split(ctx context.Context, batch *Batch, targetWarehouseID, quantity int64) (*TransferResult, error) {
	var result *TransferResult

	err := m.storage.RunInTx(ctx, func(tx Storage) error {
		dest := &Batch{
			ProductID:   batch.ProductID,
			WarehouseID: targetWarehouseID,
			Expiration:  copyTime(batch.Expiration),
			Quantity:    quantity,
			Active:      true,
		}
		if batch.UnitCost != nil {
			cost := *batch.UnitCost
			dest.UnitCost = &cost
		}
		if err := tx.InsertBatch(ctx, dest); err != nil {
			return err
		}

		remaining := batch.Quantity - quantity
		active := remaining > 0
		current := batch.WarehouseID
		src, err := tx.UpdateBatch(ctx, batch.ID, batch.Quantity, BatchPatch{
			Quantity:            &remaining,
			Active:              &active,
			ExpectedWarehouseID: &current,
		})
		if err != nil {
			return err
		}

		result = &TransferResult{Source: *src, Destination: *dest, Split: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) completeTransfer(ctx context.Context, before *Batch, result *TransferResult, quantity int64, user string) {
	kind := "full"
	if result.Split {
		kind = "split"
	}
	m.metrics.observeTransfer(kind)

	if m.publisher != nil {
		event := BatchTransferredEvent{
			EventID:         NewEventID(),
			SourceBatchID:   before.ID,
			DestBatchID:     result.Destination.ID,
			ProductID:       before.ProductID,
			FromWarehouseID: before.WarehouseID,
			ToWarehouseID:   result.Destination.WarehouseID,
			Quantity:        quantity,
			Split:           result.Split,
			Timestamp:       m.now().UTC(),
			UserID:          user,
		}
		if err := m.publisher.PublishBatchTransferred(ctx, event); err != nil {
			m.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	m.logger.Info("バッチ移動完了",
		zap.Int64("batch_id", before.ID),
		zap.Int64("dest_batch_id", result.Destination.ID),
		zap.Int64("from_warehouse_id", before.WarehouseID),
		zap.Int64("to_warehouse_id", result.Destination.WarehouseID),
		zap.Int64("quantity", quantity),
		zap.String("kind", kind),
		zap.String("user_id", user),
	)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
