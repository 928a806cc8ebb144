package inventory_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory/storage"
)

// interleavingStore lets another writer commit between a read and the
// conditional write that depends on it. While afterList is pending a
// transaction runs as autocommitted calls so the hook can take the lock.
// 読み取りと条件付き書き込みの間に別の書き込みを割り込ませるストア
type interleavingStore struct {
	*storage.MemoryStorage

	afterList func()
	afterGet  func()
}

func (s *interleavingStore) RunInTx(ctx context.Context, fn func(tx inventory.Storage) error) error {
	if s.afterList == nil {
		return s.MemoryStorage.RunInTx(ctx, fn)
	}
	return fn(s)
}

func (s *interleavingStore) ListBatches(ctx context.Context, filter inventory.BatchFilter, sort []inventory.SortOrder) ([]inventory.Batch, error) {
	batches, err := s.MemoryStorage.ListBatches(ctx, filter, sort)
	if hook := s.afterList; hook != nil {
		s.afterList = nil
		hook()
	}
	return batches, err
}

func (s *interleavingStore) GetBatch(ctx context.Context, id int64) (*inventory.Batch, error) {
	b, err := s.MemoryStorage.GetBatch(ctx, id)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return b, err
}

func newInterleavedLedger(t *testing.T, batches ...inventory.Batch) (*inventory.Manager, *interleavingStore, *inventory.Metrics, []int64) {
	t.Helper()
	_, mem, ids := newLedger(t, batches...)
	store := &interleavingStore{MemoryStorage: mem}
	metrics := inventory.NewMetrics(prometheus.NewRegistry())
	m := inventory.NewManager(store, nil, zap.NewNop(), nil).WithMetrics(metrics)
	return m, store, metrics, ids
}

func saleOf(productID, warehouseID, quantity int64) inventory.SaleRequest {
	return inventory.SaleRequest{Lines: []inventory.SaleLineRequest{{
		ProductID: productID, WarehouseID: warehouseID, Quantity: quantity, UnitPrice: decimal.RequireFromString("1.00"),
	}}}
}

func TestCommitSale_ReplansAfterConcurrentDeduction(t *testing.T) {
	ctx := context.Background()
	m, store, metrics, ids := newInterleavedLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: date("2024-03-31"), Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-05-31"), Active: true},
	)
	other := inventory.NewManager(store.MemoryStorage, nil, zap.NewNop(), nil)

	store.afterList = func() {
		_, err := other.CommitSale(ctx, saleOf(1, 1, 3))
		require.NoError(t, err)
	}

	sale, err := m.CommitSale(ctx, saleOf(1, 1, 8))

	require.NoError(t, err)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, []inventory.LineAllocation{
		{BatchID: ids[0], Quantity: 2},
		{BatchID: ids[1], Quantity: 6},
	}, sale.Lines[0].Allocations)

	first, err := store.GetBatch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Quantity)
	assert.False(t, first.Active)

	second, err := store.GetBatch(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(4), second.Quantity)

	assert.Equal(t, int64(4), totalQuantity(t, store.MemoryStorage, 1))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OptimisticConflicts.WithLabelValues("sale")))
}

func TestCommitSale_ConcurrentDeductionNeverOversells(t *testing.T) {
	ctx := context.Background()
	m, store, _, ids := newInterleavedLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: date("2024-03-31"), Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-05-31"), Active: true},
	)
	other := inventory.NewManager(store.MemoryStorage, nil, zap.NewNop(), nil)

	store.afterList = func() {
		_, err := other.CommitSale(ctx, saleOf(1, 1, 10))
		require.NoError(t, err)
	}

	_, err := m.CommitSale(ctx, saleOf(1, 1, 8))

	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(8), insufficient.Requested)
	assert.Equal(t, int64(5), insufficient.Available)

	assert.Equal(t, int64(5), totalQuantity(t, store.MemoryStorage, 1))
	b, err := store.GetBatch(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Quantity)
}

func TestCommitSale_SkipsBatchMovedToAnotherWarehouse(t *testing.T) {
	ctx := context.Background()
	m, store, metrics, ids := newInterleavedLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-05-31"), Active: true},
	)

	// 同じ数量のまま倉庫2へ付け替え
	store.afterList = func() {
		to := int64(2)
		_, err := store.MemoryStorage.UpdateBatch(ctx, ids[0], 10, inventory.BatchPatch{WarehouseID: &to})
		require.NoError(t, err)
	}

	sale, err := m.CommitSale(ctx, saleOf(1, 1, 4))

	require.NoError(t, err)
	assert.Equal(t, []inventory.LineAllocation{{BatchID: ids[1], Quantity: 4}}, sale.Lines[0].Allocations)

	moved, err := store.GetBatch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.WarehouseID)
	assert.Equal(t, int64(10), moved.Quantity)

	remaining, err := store.GetBatch(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(6), remaining.Quantity)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OptimisticConflicts.WithLabelValues("sale")))
}

func TestTransferBatch_SecondFullMoveSeesFirst(t *testing.T) {
	ctx := context.Background()
	m, store, _, ids := newInterleavedLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), Active: true},
	)

	// 別の移動が先に倉庫2へ全量移動
	store.afterGet = func() {
		to, from := int64(2), int64(1)
		_, err := store.MemoryStorage.UpdateBatch(ctx, ids[0], 10, inventory.BatchPatch{
			WarehouseID: &to, ExpectedWarehouseID: &from,
		})
		require.NoError(t, err)
	}

	_, err := m.TransferBatch(ctx, ids[0], 2, 10)

	var invalid *inventory.InvalidTransferError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, inventory.ReasonSameWarehouse, invalid.Reason)

	b, err := store.GetBatch(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.WarehouseID)
	assert.Equal(t, int64(10), totalQuantity(t, store.MemoryStorage, 1))
}

func TestTransferBatch_SplitRetriesWhenSourceMovedMidway(t *testing.T) {
	ctx := context.Background()
	m, store, metrics, ids := newInterleavedLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), Active: true},
	)

	store.afterGet = func() {
		to := int64(3)
		_, err := store.MemoryStorage.UpdateBatch(ctx, ids[0], 10, inventory.BatchPatch{WarehouseID: &to})
		require.NoError(t, err)
	}

	result, err := m.TransferBatch(ctx, ids[0], 2, 4)

	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Source.WarehouseID)
	assert.Equal(t, int64(6), result.Source.Quantity)
	assert.Equal(t, int64(2), result.Destination.WarehouseID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OptimisticConflicts.WithLabelValues("transfer")))

	// 失敗した試行の移動先バッチは残らない
	assert.Equal(t, int64(10), totalQuantity(t, store.MemoryStorage, 1))
}
