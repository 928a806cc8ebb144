package inventory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory/storage"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func cost(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func newLedger(t *testing.T, batches ...inventory.Batch) (*inventory.Manager, *storage.MemoryStorage, []int64) {
	t.Helper()
	store := storage.NewMemoryStorage(zap.NewNop())
	ids := make([]int64, 0, len(batches))
	for i := range batches {
		b := batches[i]
		require.NoError(t, store.InsertBatch(context.Background(), &b))
		ids = append(ids, b.ID)
	}
	m := inventory.NewManager(store, nil, zap.NewNop(), nil).
		WithClock(func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) })
	return m, store, ids
}

func totalQuantity(t *testing.T, store *storage.MemoryStorage, productID int64) int64 {
	t.Helper()
	batches, err := store.ListBatches(context.Background(), inventory.BatchFilter{ProductID: &productID}, inventory.FEFOOrder)
	require.NoError(t, err)
	var total int64
	for _, b := range batches {
		total += b.Quantity
	}
	return total
}

func TestTransferBatch_SplitsPartialMove(t *testing.T) {
	m, store, ids := newLedger(t, inventory.Batch{
		ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), UnitCost: cost("1.20"), Active: true,
	})

	result, err := m.TransferBatch(context.Background(), ids[0], 2, 4)

	require.NoError(t, err)
	assert.True(t, result.Split)
	assert.Equal(t, int64(6), result.Source.Quantity)
	assert.True(t, result.Source.Active)
	assert.Equal(t, int64(1), result.Source.WarehouseID)

	assert.NotEqual(t, ids[0], result.Destination.ID)
	assert.Equal(t, int64(2), result.Destination.WarehouseID)
	assert.Equal(t, int64(4), result.Destination.Quantity)
	assert.Equal(t, "2024-03-31", inventory.FormatDate(result.Destination.Expiration))
	require.NotNil(t, result.Destination.UnitCost)
	assert.True(t, result.Destination.UnitCost.Equal(decimal.RequireFromString("1.20")))

	stored, err := store.GetBatch(context.Background(), result.Destination.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.Quantity)
	assert.Equal(t, int64(10), totalQuantity(t, store, 1))
}

func TestTransferBatch_FullMoveRelabels(t *testing.T) {
	m, store, ids := newLedger(t, inventory.Batch{
		ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: date("2024-03-31"), Active: true,
	})

	result, err := m.TransferBatch(context.Background(), ids[0], 3, 5)

	require.NoError(t, err)
	assert.False(t, result.Split)
	assert.Equal(t, ids[0], result.Destination.ID)
	assert.Equal(t, int64(3), result.Destination.WarehouseID)

	all, err := store.ListBatches(context.Background(), inventory.BatchFilter{}, inventory.FEFOOrder)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(3), all[0].WarehouseID)
	assert.Equal(t, int64(5), all[0].Quantity)
}

func TestTransferBatch_RejectsInvalidMoves(t *testing.T) {
	m, store, ids := newLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 5, Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 0, Active: false},
	)

	tests := []struct {
		name     string
		batchID  int64
		target   int64
		quantity int64
		reason   string
	}{
		{"same warehouse", ids[0], 1, 2, inventory.ReasonSameWarehouse},
		{"exceeds quantity", ids[0], 2, 6, inventory.ReasonExceedsQuantity},
		{"inactive batch", ids[1], 2, 1, inventory.ReasonBatchInactive},
		{"zero quantity", ids[0], 2, 0, inventory.ReasonNonPositiveQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.TransferBatch(context.Background(), tt.batchID, tt.target, tt.quantity)

			var ite *inventory.InvalidTransferError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, tt.reason, ite.Reason)
			assert.ErrorIs(t, err, inventory.ErrInvalidTransfer)
		})
	}

	assert.Equal(t, int64(5), totalQuantity(t, store, 1))
}

func TestTransferBatch_NotFound(t *testing.T) {
	m, _, _ := newLedger(t)

	_, err := m.TransferBatch(context.Background(), 42, 2, 1)

	assert.ErrorIs(t, err, inventory.ErrBatchNotFound)
}

func TestCommitSale_PartialFailureKeepsCommittedLines(t *testing.T) {
	m, store, _ := newLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: date("2024-05-31"), Active: true},
		inventory.Batch{ProductID: 2, WarehouseID: 1, Quantity: 1, Active: true},
	)
	price := decimal.RequireFromString("2.50")

	_, err := m.CommitSale(context.Background(), inventory.SaleRequest{Lines: []inventory.SaleLineRequest{
		{ProductID: 1, WarehouseID: 1, Quantity: 12, UnitPrice: price},
		{ProductID: 2, WarehouseID: 1, Quantity: 3, UnitPrice: price},
	}})

	var psf *inventory.PartialSaleFailureError
	require.ErrorAs(t, err, &psf)
	assert.Equal(t, []int{1}, psf.CommittedLines)
	assert.Equal(t, 2, psf.FailedLine)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	assert.Equal(t, int64(3), totalQuantity(t, store, 1))
	assert.Equal(t, int64(1), totalQuantity(t, store, 2))

	sales, err := store.ListSales(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestCommitSale_RecordsSaleWithAllocations(t *testing.T) {
	m, store, ids := newLedger(t,
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 10, Expiration: date("2024-03-31"), Active: true},
		inventory.Batch{ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: date("2024-05-31"), Active: true},
	)
	ctx := inventory.WithUser(context.Background(), "cashier-1")

	sale, err := m.CommitSale(ctx, inventory.SaleRequest{Lines: []inventory.SaleLineRequest{
		{ProductID: 1, WarehouseID: 1, Quantity: 12, UnitPrice: decimal.RequireFromString("0.335")},
	}})

	require.NoError(t, err)
	assert.Equal(t, "4.02", sale.Total.StringFixed(2))
	assert.Equal(t, "cashier-1", sale.CreatedBy)
	require.Len(t, sale.Lines, 1)
	assert.Equal(t, []inventory.LineAllocation{
		{BatchID: ids[0], Quantity: 10},
		{BatchID: ids[1], Quantity: 2},
	}, sale.Lines[0].Allocations)

	first, err := store.GetBatch(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Quantity)
	assert.False(t, first.Active)

	history, err := m.GetSaleHistory(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sale.Reference, history[0].Reference)
}
