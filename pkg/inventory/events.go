package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventPublisher defines interface for publishing ledger events
// 台帳イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishStockChanged(ctx context.Context, event StockChangedEvent) error
	PublishBatchTransferred(ctx context.Context, event BatchTransferredEvent) error
	PublishSaleCommitted(ctx context.Context, event SaleCommittedEvent) error
}

// StockChangedEvent represents a batch quantity change
// バッチ数量変更イベントを表現
type StockChangedEvent struct {
	EventID     string    `json:"event_id"`
	BatchID     int64     `json:"batch_id"`
	ProductID   int64     `json:"product_id"`
	WarehouseID int64     `json:"warehouse_id"`
	OldQuantity int64     `json:"old_quantity"`
	NewQuantity int64     `json:"new_quantity"`
	ChangeType  string    `json:"change_type"` // restock, sale
	Reference   string    `json:"reference"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"user_id"`
}

// BatchTransferredEvent represents a batch transfer or split
// バッチ移動イベントを表現
type BatchTransferredEvent struct {
	EventID         string    `json:"event_id"`
	SourceBatchID   int64     `json:"source_batch_id"`
	DestBatchID     int64     `json:"dest_batch_id"`
	ProductID       int64     `json:"product_id"`
	FromWarehouseID int64     `json:"from_warehouse_id"`
	ToWarehouseID   int64     `json:"to_warehouse_id"`
	Quantity        int64     `json:"quantity"`
	Split           bool      `json:"split"`
	Timestamp       time.Time `json:"timestamp"`
	UserID          string    `json:"user_id"`
}

// SaleCommittedEvent represents a fully recorded sale
// 販売確定イベントを表現
type SaleCommittedEvent struct {
	EventID   string          `json:"event_id"`
	SaleID    int64           `json:"sale_id"`
	Reference string          `json:"reference"`
	Lines     int             `json:"lines"`
	Total     decimal.Decimal `json:"total"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"user_id"`
}

// LogPublisher publishes events as structured log lines
// イベントを構造化ログとして発行
type LogPublisher struct {
	logger *zap.Logger
}

var _ EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher creates a new log publisher
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) PublishStockChanged(ctx context.Context, event StockChangedEvent) error {
	p.logger.Info("stock_changed",
		zap.String("event_id", event.EventID),
		zap.Int64("batch_id", event.BatchID),
		zap.Int64("product_id", event.ProductID),
		zap.Int64("warehouse_id", event.WarehouseID),
		zap.Int64("old_quantity", event.OldQuantity),
		zap.Int64("new_quantity", event.NewQuantity),
		zap.String("change_type", event.ChangeType),
		zap.String("reference", event.Reference),
		zap.String("user_id", event.UserID),
	)
	return nil
}

func (p *LogPublisher) PublishBatchTransferred(ctx context.Context, event BatchTransferredEvent) error {
	p.logger.Info("batch_transferred",
		zap.String("event_id", event.EventID),
		zap.Int64("source_batch_id", event.SourceBatchID),
		zap.Int64("dest_batch_id", event.DestBatchID),
		zap.Int64("product_id", event.ProductID),
		zap.Int64("from_warehouse_id", event.FromWarehouseID),
		zap.Int64("to_warehouse_id", event.ToWarehouseID),
		zap.Int64("quantity", event.Quantity),
		zap.Bool("split", event.Split),
		zap.String("user_id", event.UserID),
	)
	return nil
}

func (p *LogPublisher) PublishSaleCommitted(ctx context.Context, event SaleCommittedEvent) error {
	p.logger.Info("sale_committed",
		zap.String("event_id", event.EventID),
		zap.Int64("sale_id", event.SaleID),
		zap.String("reference", event.Reference),
		zap.Int("lines", event.Lines),
		zap.String("total", event.Total.StringFixed(2)),
		zap.String("user_id", event.UserID),
	)
	return nil
}
