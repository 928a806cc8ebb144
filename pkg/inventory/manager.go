package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Manager implements the Ledger interface
// Ledgerインターフェースの実装
type Manager struct {
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	catalog   ProductCatalog // 商品名の参照（任意）
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	metrics   *Metrics       // メトリクス（任意）
	now       Clock          // 現在時刻
}

var _ Ledger = (*Manager)(nil)

// Config holds configuration for the ledger manager
// 台帳マネージャーの設定を保持
type Config struct {
	MaxConflictRetries  int `yaml:"max_conflict_retries"`  // 楽観的ロック競合時の最大試行回数
	CriticalWindowDays  int `yaml:"critical_window_days"`  // 期限間近とみなす日数
	DefaultHistoryLimit int `yaml:"default_history_limit"` // 販売履歴の既定件数
	MaxHistoryLimit     int `yaml:"max_history_limit"`     // 販売履歴の上限件数
}

// DefaultConfig returns the default ledger configuration
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		MaxConflictRetries:  3,
		CriticalWindowDays:  DefaultCriticalWindowDays,
		DefaultHistoryLimit: 200,
		MaxHistoryLimit:     1000,
	}
}

// ProductCatalog resolves product display names for summary ordering
// 集計の並び替えに使う商品名を解決
type ProductCatalog interface {
	ProductNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

type contextKey string

// UserIDKey is the context key holding the acting user
const UserIDKey contextKey = "user_id"

// WithUser returns a context carrying the acting user ID
// 操作ユーザーIDをコンテキストに設定
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// NewManager creates a new ledger manager
// 新しい台帳マネージャーを作成
func NewManager(storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Manager {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = defaults.MaxConflictRetries
	}
	if config.CriticalWindowDays <= 0 {
		config.CriticalWindowDays = defaults.CriticalWindowDays
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = defaults.DefaultHistoryLimit
	}
	if config.MaxHistoryLimit <= 0 {
		config.MaxHistoryLimit = defaults.MaxHistoryLimit
	}

	return &Manager{
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// WithMetrics attaches Prometheus metrics
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithClock replaces the clock used for criticality and timestamps
func (m *Manager) WithClock(clock Clock) *Manager {
	m.now = clock
	return m
}

// WithCatalog attaches a product name source used to order summaries
func (m *Manager) WithCatalog(catalog ProductCatalog) *Manager {
	m.catalog = catalog
	return m
}

func (m *Manager) aggregator() Aggregator {
	return NewAggregator(m.now().UTC(), m.config.CriticalWindowDays)
}

// PlanAllocation builds a FEFO plan against fresh batches without writing
// 現在のバッチに対してFEFO引当計画を作成（書き込みなし）
func (m *Manager) PlanAllocation(ctx context.Context, productID, warehouseID, quantity int64) (*AllocationPlan, error) {
	defer m.metrics.observeDuration("plan_allocation", time.Now())

	if err := ValidateID("product_id", productID); err != nil {
		return nil, err
	}
	if err := ValidateID("warehouse_id", warehouseID); err != nil {
		return nil, err
	}
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}

	var batches []Batch
	err := m.retryRead(ctx, "list_batches", func() error {
		var err error
		batches, err = m.storage.ListBatches(ctx, AvailableFilter(productID, warehouseID), FEFOOrder)
		return err
	})
	if err != nil {
		return nil, NewStorageError("list_batches", "バッチ取得に失敗しました", err)
	}

	plan, err := PlanAllocation(batches, quantity)
	if err != nil {
		m.metrics.observeAllocation("insufficient")
		return nil, scopeAllocationError(err, productID, warehouseID)
	}
	plan.ProductID = productID
	plan.WarehouseID = warehouseID
	m.metrics.observeAllocation("planned")

	return plan, nil
}

// SummarizeProducts returns per-product summaries of available stock in display order
// 利用可能在庫の商品別集計を表示順で返す
func (m *Manager) SummarizeProducts(ctx context.Context) ([]ProductSummary, error) {
	batches, err := m.availableBatches(ctx, 0)
	if err != nil {
		return nil, err
	}

	summaries := m.aggregator().SummarizeByProduct(batches)

	var names map[int64]string
	if m.catalog != nil && len(summaries) > 0 {
		ids := make([]int64, 0, len(summaries))
		for id := range summaries {
			ids = append(ids, id)
		}
		names, err = m.catalog.ProductNames(ctx, ids)
		if err != nil {
			// 名前は並び替えの補助のみ
			m.logger.Warn("商品名の取得に失敗しました", zap.Error(err))
			names = nil
		}
	}

	return OrderProductSummaries(summaries, names), nil
}

// SummarizeProductWarehouses returns per-warehouse summaries for one product
// 指定商品の倉庫別集計を返す
func (m *Manager) SummarizeProductWarehouses(ctx context.Context, productID int64) ([]ProductWarehouseSummary, error) {
	if err := ValidateID("product_id", productID); err != nil {
		return nil, err
	}

	batches, err := m.availableBatches(ctx, productID)
	if err != nil {
		return nil, err
	}

	return m.aggregator().SummarizeByProductWarehouse(batches, productID), nil
}

// RecommendWarehouse returns the warehouse to sell from first, or nil when
// the product has no available stock.
// 先に販売すべき倉庫を返す（在庫がなければnil）
func (m *Manager) RecommendWarehouse(ctx context.Context, productID int64) (*ProductWarehouseSummary, error) {
	summaries, err := m.SummarizeProductWarehouses(ctx, productID)
	if err != nil {
		return nil, err
	}
	return RecommendWarehouse(summaries), nil
}

// GetSaleHistory returns the most recent sales with their lines
// 直近の販売履歴を明細付きで返す
func (m *Manager) GetSaleHistory(ctx context.Context, limit int) ([]Sale, error) {
	limit = ValidateHistoryLimit(limit, m.config.DefaultHistoryLimit, m.config.MaxHistoryLimit)

	var sales []Sale
	err := m.retryRead(ctx, "list_sales", func() error {
		var err error
		sales, err = m.storage.ListSales(ctx, limit)
		return err
	})
	if err != nil {
		return nil, NewStorageError("list_sales", "販売履歴取得に失敗しました", err)
	}
	return sales, nil
}

func (m *Manager) availableBatches(ctx context.Context, productID int64) ([]Batch, error) {
	var batches []Batch
	err := m.retryRead(ctx, "list_batches", func() error {
		var err error
		batches, err = m.storage.ListBatches(ctx, AvailableFilter(productID, 0), FEFOOrder)
		return err
	})
	if err != nil {
		return nil, NewStorageError("list_batches", "バッチ取得に失敗しました", err)
	}
	return batches, nil
}

// retryRead retries a read-only store call on transport failures
// 読み取り専用の呼び出しを通信エラー時に再試行
func (m *Manager) retryRead(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.config.MaxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		m.logger.Warn("ストア読み取りを再試行します",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return err
}

// getUserFromContext extracts user ID from context
// コンテキストからユーザーIDを取得
func (m *Manager) getUserFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		return userID
	}
	return "system"
}

// scopeAllocationError fills the product and warehouse of an insufficient
// stock error raised on an empty candidate list
func scopeAllocationError(err error, productID, warehouseID int64) error {
	var ise *InsufficientStockError
	if errors.As(err, &ise) {
		ise.ProductID = productID
		ise.WarehouseID = warehouseID
	}
	return err
}

func conflictResource(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}
