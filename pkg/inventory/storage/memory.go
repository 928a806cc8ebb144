package storage

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
)

// MemoryStorage implements the Storage interface in process memory.
// RunInTx holds the store lock for the whole transaction and restores a
// snapshot when the callback fails.
// プロセス内メモリによるStorageインターフェースの実装
type MemoryStorage struct {
	mu     sync.Mutex
	data   *memoryData
	closed bool
	logger *zap.Logger
}

type memoryData struct {
	batches     map[int64]inventory.Batch
	sales       []inventory.Sale
	products    map[int64]string
	nextBatchID int64
	nextSaleID  int64
	nextLineID  int64
	now         func() time.Time
}

var (
	_ inventory.Storage        = (*MemoryStorage)(nil)
	_ inventory.ProductCatalog = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty in-memory store
// 空のメモリストアを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	return &MemoryStorage{
		data: &memoryData{
			batches:  make(map[int64]inventory.Batch),
			products: make(map[int64]string),
			now:      time.Now,
		},
		logger: logger,
	}
}

// RegisterProduct records a product display name
// 商品名を登録
func (s *MemoryStorage) RegisterProduct(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.products[id] = name
}

// ProductNames returns the registered names of the given products
func (s *MemoryStorage) ProductNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[int64]string, len(ids))
	for _, id := range ids {
		if name, ok := s.data.products[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

func (s *MemoryStorage) view(ctx context.Context) (*memoryTx, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, inventory.ErrStoreUnavailable
	}
	return &memoryTx{data: s.data}, s.mu.Unlock, nil
}

// ListBatches 条件に一致するバッチを取得
func (s *MemoryStorage) ListBatches(ctx context.Context, filter inventory.BatchFilter, sort []inventory.SortOrder) ([]inventory.Batch, error) {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return tx.ListBatches(ctx, filter, sort)
}

// GetBatch IDでバッチを取得
func (s *MemoryStorage) GetBatch(ctx context.Context, id int64) (*inventory.Batch, error) {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return tx.GetBatch(ctx, id)
}

// UpdateBatch 数量が一致する場合のみバッチを更新
func (s *MemoryStorage) UpdateBatch(ctx context.Context, id, expectedQuantity int64, patch inventory.BatchPatch) (*inventory.Batch, error) {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return tx.UpdateBatch(ctx, id, expectedQuantity, patch)
}

// InsertBatch バッチを作成
func (s *MemoryStorage) InsertBatch(ctx context.Context, batch *inventory.Batch) error {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return tx.InsertBatch(ctx, batch)
}

// InsertSale 販売ヘッダーを作成
func (s *MemoryStorage) InsertSale(ctx context.Context, sale *inventory.Sale) error {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return tx.InsertSale(ctx, sale)
}

// InsertSaleLine 販売明細を作成
func (s *MemoryStorage) InsertSaleLine(ctx context.Context, line *inventory.SaleLine) error {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return tx.InsertSaleLine(ctx, line)
}

// ListSales 直近の販売を取得
func (s *MemoryStorage) ListSales(ctx context.Context, limit int) ([]inventory.Sale, error) {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return tx.ListSales(ctx, limit)
}

// RunInTx runs fn while holding the store lock and rolls back on error
// ロックを保持したままfnを実行し、エラー時はロールバック
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx inventory.Storage) error) error {
	tx, unlock, err := s.view(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	snapshot := s.data.clone()
	if err := fn(tx); err != nil {
		*s.data = *snapshot
		s.logger.Debug("トランザクションをロールバックしました", zap.Error(err))
		return err
	}
	return nil
}

// Ping checks if the store is open
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return inventory.ErrStoreUnavailable
	}
	return nil
}

// Close closes the store; later calls fail with ErrStoreUnavailable
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (d *memoryData) clone() *memoryData {
	c := *d
	c.batches = maps.Clone(d.batches)
	c.products = maps.Clone(d.products)
	c.sales = slices.Clone(d.sales)
	return &c
}

// memoryTx operates on the data directly; the caller holds the lock
type memoryTx struct {
	data *memoryData
}

func (t *memoryTx) ListBatches(ctx context.Context, filter inventory.BatchFilter, sort []inventory.SortOrder) ([]inventory.Batch, error) {
	result := make([]inventory.Batch, 0)
	for _, b := range t.data.batches {
		if matchFilter(b, filter) {
			result = append(result, b)
		}
	}
	if len(sort) == 0 {
		sort = []inventory.SortOrder{{Field: inventory.SortByID}}
	}
	slices.SortFunc(result, func(a, b inventory.Batch) int {
		for _, o := range sort {
			if c := compareField(a, b, o); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (t *memoryTx) GetBatch(ctx context.Context, id int64) (*inventory.Batch, error) {
	b, ok := t.data.batches[id]
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	return &b, nil
}

func (t *memoryTx) UpdateBatch(ctx context.Context, id, expectedQuantity int64, patch inventory.BatchPatch) (*inventory.Batch, error) {
	b, ok := t.data.batches[id]
	if !ok {
		return nil, inventory.ErrBatchNotFound
	}
	if b.Quantity != expectedQuantity {
		return nil, inventory.ErrVersionMismatch
	}
	if patch.ExpectedWarehouseID != nil && b.WarehouseID != *patch.ExpectedWarehouseID {
		return nil, inventory.ErrVersionMismatch
	}
	if patch.Quantity != nil {
		if *patch.Quantity < 0 {
			return nil, inventory.NewValidationError("quantity", "数量は0以上である必要があります", "")
		}
		b.Quantity = *patch.Quantity
	}
	if patch.Active != nil {
		b.Active = *patch.Active
	}
	if patch.WarehouseID != nil {
		b.WarehouseID = *patch.WarehouseID
	}
	b.UpdatedAt = t.data.now().UTC()
	t.data.batches[id] = b
	return &b, nil
}

func (t *memoryTx) InsertBatch(ctx context.Context, batch *inventory.Batch) error {
	if batch.Quantity < 0 {
		return inventory.NewValidationError("quantity", "数量は0以上である必要があります", "")
	}
	t.data.nextBatchID++
	now := t.data.now().UTC()
	batch.ID = t.data.nextBatchID
	batch.CreatedAt = now
	batch.UpdatedAt = now
	t.data.batches[batch.ID] = *batch
	return nil
}

func (t *memoryTx) InsertSale(ctx context.Context, sale *inventory.Sale) error {
	t.data.nextSaleID++
	sale.ID = t.data.nextSaleID
	header := *sale
	header.Lines = nil
	t.data.sales = append(t.data.sales, header)
	return nil
}

func (t *memoryTx) InsertSaleLine(ctx context.Context, line *inventory.SaleLine) error {
	for i := range t.data.sales {
		if t.data.sales[i].ID != line.SaleID {
			continue
		}
		t.data.nextLineID++
		line.ID = t.data.nextLineID
		stored := *line
		stored.Allocations = slices.Clone(line.Allocations)
		// ヘッダーはスナップショットと共有しないようコピーしてから追記
		sale := t.data.sales[i]
		sale.Lines = append(slices.Clone(sale.Lines), stored)
		t.data.sales[i] = sale
		return nil
	}
	return inventory.NewStorageError("insert_sale_line", "販売ヘッダーが存在しません", nil)
}

func (t *memoryTx) ListSales(ctx context.Context, limit int) ([]inventory.Sale, error) {
	result := make([]inventory.Sale, 0, min(limit, len(t.data.sales)))
	for i := len(t.data.sales) - 1; i >= 0 && len(result) < limit; i-- {
		sale := t.data.sales[i]
		sale.Lines = slices.Clone(sale.Lines)
		result = append(result, sale)
	}
	return result, nil
}

func (t *memoryTx) RunInTx(ctx context.Context, fn func(tx inventory.Storage) error) error {
	return fn(t)
}

func (t *memoryTx) Ping(ctx context.Context) error { return nil }

func (t *memoryTx) Close() error { return nil }

func matchFilter(b inventory.Batch, f inventory.BatchFilter) bool {
	if f.ProductID != nil && b.ProductID != *f.ProductID {
		return false
	}
	if f.WarehouseID != nil && b.WarehouseID != *f.WarehouseID {
		return false
	}
	if f.Active != nil && b.Active != *f.Active {
		return false
	}
	if f.MinQuantity != nil && b.Quantity < *f.MinQuantity {
		return false
	}
	return true
}

func compareField(a, b inventory.Batch, o inventory.SortOrder) int {
	var c int
	switch o.Field {
	case inventory.SortByExpiration:
		// NULLは昇順・降順とも末尾
		if a.Expiration == nil || b.Expiration == nil {
			return inventory.CompareExpiration(a.Expiration, b.Expiration)
		}
		c = a.Expiration.Compare(*b.Expiration)
	case inventory.SortByQuantity:
		c = cmp.Compare(a.Quantity, b.Quantity)
	case inventory.SortByProductID:
		c = cmp.Compare(a.ProductID, b.ProductID)
	case inventory.SortByWarehouseID:
		c = cmp.Compare(a.WarehouseID, b.WarehouseID)
	default:
		c = cmp.Compare(a.ID, b.ID)
	}
	if o.Desc {
		return -c
	}
	return c
}
