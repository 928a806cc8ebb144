package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TrackingManager handles restock and expiry tracking of batches
// バッチの入庫と有効期限追跡を処理
type TrackingManager struct {
	storage   Storage
	publisher EventPublisher
	logger    *zap.Logger
	now       Clock
}

var _ BatchTracker = (*TrackingManager)(nil)

// NewTrackingManager creates a new tracking manager
// 新しい追跡マネージャーを作成
func NewTrackingManager(storage Storage, publisher EventPublisher, logger *zap.Logger) *TrackingManager {
	return &TrackingManager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the clock used for expiry checks
func (tm *TrackingManager) WithClock(clock Clock) *TrackingManager {
	tm.now = clock
	return tm
}

// Restock receives a new active batch into a warehouse
// 新しいバッチを倉庫に入庫
func (tm *TrackingManager) Restock(ctx context.Context, req RestockRequest) (*Batch, error) {
	if err := ValidateRestock(req); err != nil {
		return nil, err
	}

	expiration, err := ParseExpiration(req.Expiration)
	if err != nil {
		return nil, err
	}

	cost := req.UnitCost
	batch := &Batch{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Expiration:  expiration,
		Quantity:    req.Quantity,
		UnitCost:    &cost,
		Active:      true,
	}

	if err := tm.storage.InsertBatch(ctx, batch); err != nil {
		return nil, NewStorageError("insert_batch", "バッチ作成に失敗しました", err)
	}

	user := "system"
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		user = userID
	}

	if tm.publisher != nil {
		event := StockChangedEvent{
			EventID:     NewEventID(),
			BatchID:     batch.ID,
			ProductID:   batch.ProductID,
			WarehouseID: batch.WarehouseID,
			OldQuantity: 0,
			NewQuantity: batch.Quantity,
			ChangeType:  "restock",
			Timestamp:   tm.now().UTC(),
			UserID:      user,
		}
		if err := tm.publisher.PublishStockChanged(ctx, event); err != nil {
			tm.logger.Error("イベント発行に失敗しました", zap.Error(err))
		}
	}

	tm.logger.Info("入庫完了",
		zap.Int64("batch_id", batch.ID),
		zap.Int64("product_id", batch.ProductID),
		zap.Int64("warehouse_id", batch.WarehouseID),
		zap.Int64("quantity", batch.Quantity),
		zap.String("user_id", user),
	)

	return batch, nil
}

// ListBatches retrieves batches matching filter in FEFO order
// 条件に一致するバッチをFEFO順で取得
func (tm *TrackingManager) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	batches, err := tm.storage.ListBatches(ctx, filter, FEFOOrder)
	if err != nil {
		return nil, NewStorageError("list_batches", "バッチ取得に失敗しました", err)
	}
	return batches, nil
}

// GetBatchesByProduct retrieves the available batches of a product
// 指定商品の利用可能なバッチを取得
func (tm *TrackingManager) GetBatchesByProduct(ctx context.Context, productID int64) ([]Batch, error) {
	if err := ValidateID("product_id", productID); err != nil {
		return nil, err
	}
	return tm.ListBatches(ctx, AvailableFilter(productID, 0))
}

// GetExpiringBatches retrieves available batches expiring within the given
// number of days, today included
// 指定日数以内に期限切れになるバッチを取得
func (tm *TrackingManager) GetExpiringBatches(ctx context.Context, withinDays int) ([]Batch, error) {
	if withinDays < 0 {
		return nil, NewValidationError("days", "日数は0以上である必要があります", fmt.Sprint(withinDays))
	}

	today := tm.now().UTC()
	expiring, err := tm.filterDated(ctx, func(d int) bool { return d >= 0 && d <= withinDays })
	if err != nil {
		return nil, err
	}

	tm.logger.Info("期限間近バッチ検索完了",
		zap.Int("within_days", withinDays),
		zap.Time("today", today),
		zap.Int("count", len(expiring)),
	)

	return expiring, nil
}

// GetExpiredBatches retrieves available batches whose expiration has passed
// 既に期限切れのバッチを取得
func (tm *TrackingManager) GetExpiredBatches(ctx context.Context) ([]Batch, error) {
	expired, err := tm.filterDated(ctx, func(d int) bool { return d < 0 })
	if err != nil {
		return nil, err
	}

	tm.logger.Info("期限切れバッチ検索完了",
		zap.Int("count", len(expired)),
	)

	return expired, nil
}

func (tm *TrackingManager) filterDated(ctx context.Context, keep func(days int) bool) ([]Batch, error) {
	batches, err := tm.ListBatches(ctx, AvailableFilter(0, 0))
	if err != nil {
		return nil, err
	}

	today := tm.now().UTC()
	var result []Batch
	for _, b := range batches {
		if b.Expiration == nil {
			continue
		}
		if keep(DaysUntil(*b.Expiration, today)) {
			result = append(result, b)
		}
	}
	return result, nil
}

// ParseExpiration parses "YYYY-MM" or "YYYY-MM-DD". A month is normalized to
// its last day so it orders correctly against day-level dates. An empty
// string means no expiration.
// 有効期限を解析（年月のみの場合は月末日に正規化）
func ParseExpiration(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		last := LastDayOfMonth(t.Year(), t.Month())
		return &last, nil
	}

	return nil, NewValidationError("expiration", "有効期限の形式が不正です（YYYY-MM または YYYY-MM-DD）", s)
}

// LastDayOfMonth returns the last calendar day of the month at UTC midnight
// 月末日を返す
func LastDayOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD, empty for nil
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
