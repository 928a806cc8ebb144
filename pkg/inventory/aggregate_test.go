package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func costOf(s string) *decimal.Decimal {
	d := money(s)
	return &d
}

func TestAggregator_Classify(t *testing.T) {
	a := NewAggregator(today, 60)

	tests := []struct {
		name       string
		expiration *time.Time
		expected   Criticality
	}{
		{"no expiration", nil, CriticalityOK},
		{"yesterday", day("2024-01-14"), CriticalityExpired},
		{"today", day("2024-01-15"), CriticalityCritical},
		{"sixty days", day("2024-03-15"), CriticalityCritical},
		{"sixty one days", day("2024-03-16"), CriticalityOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, a.Classify(tt.expiration))
		})
	}
}

func TestSummarizeByProduct(t *testing.T) {
	batches := []Batch{
		{ID: 1, ProductID: 1, WarehouseID: 1, Quantity: 1, Expiration: day("2024-06-30"), UnitCost: costOf("0.335")},
		{ID: 2, ProductID: 1, WarehouseID: 2, Quantity: 1, Expiration: day("2024-02-10"), UnitCost: costOf("0.335")},
		{ID: 3, ProductID: 2, WarehouseID: 1, Quantity: 4, UnitCost: costOf("1.00")},
		{ID: 4, ProductID: 2, WarehouseID: 1, Quantity: 2},
		{ID: 5, ProductID: 3, WarehouseID: 1, Quantity: 3, Expiration: day("2024-01-01"), UnitCost: costOf("2.00")},
	}

	summaries := SummarizeByProduct(batches, today)

	require.Len(t, summaries, 3)

	p1 := summaries[1]
	assert.Equal(t, int64(2), p1.TotalQuantity)
	assert.Equal(t, "2024-02-10", FormatDate(p1.NearestExpiration))
	// 加算ごとに丸める: 0.34 + 0.34
	assert.Equal(t, "0.68", p1.TotalValuation.StringFixed(2))
	assert.True(t, p1.ValueKnown)
	assert.Equal(t, CriticalityCritical, p1.Criticality)
	assert.True(t, p1.HasCritical)

	p2 := summaries[2]
	assert.Equal(t, int64(6), p2.TotalQuantity)
	assert.Nil(t, p2.NearestExpiration)
	assert.False(t, p2.ValueKnown)
	assert.True(t, p2.TotalValuation.IsZero())
	assert.Equal(t, CriticalityOK, p2.Criticality)

	p3 := summaries[3]
	assert.Equal(t, CriticalityExpired, p3.Criticality)
	assert.True(t, p3.HasCritical)
}

func TestSummarizeByProduct_IsPure(t *testing.T) {
	batches := []Batch{
		{ID: 2, ProductID: 1, Quantity: 3, Expiration: day("2024-02-10"), UnitCost: costOf("1.10")},
		{ID: 1, ProductID: 1, Quantity: 3, Expiration: day("2024-02-01"), UnitCost: costOf("1.10")},
	}
	snapshot := append([]Batch(nil), batches...)

	first := SummarizeByProduct(batches, today)
	second := SummarizeByProduct(batches, today)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, batches)
}

func TestOrderProductSummaries(t *testing.T) {
	summaries := map[int64]ProductSummary{
		1: {ProductID: 1, NearestExpiration: day("2024-09-30")},
		2: {ProductID: 2, NearestExpiration: day("2024-12-31"), HasCritical: true, Criticality: CriticalityCritical},
		3: {ProductID: 3},
		4: {ProductID: 4, NearestExpiration: day("2024-09-30")},
		5: {ProductID: 5, NearestExpiration: day("2024-01-20"), HasCritical: true, Criticality: CriticalityCritical},
	}
	names := map[int64]string{1: "Mlieko", 4: "Chlieb"}

	ordered := OrderProductSummaries(summaries, names)

	ids := make([]int64, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ProductID
	}
	assert.Equal(t, []int64{5, 2, 4, 1, 3}, ids)
	assert.Equal(t, "Chlieb", ordered[2].Name)
}

func TestSummarizeByProductWarehouse(t *testing.T) {
	batches := []Batch{
		{ID: 1, ProductID: 1, WarehouseID: 3, Quantity: 2, Expiration: day("2024-08-31"), UnitCost: costOf("1.50")},
		{ID: 2, ProductID: 1, WarehouseID: 1, Quantity: 5, Expiration: day("2024-04-30"), UnitCost: costOf("2.00")},
		{ID: 3, ProductID: 1, WarehouseID: 1, Quantity: 1, Expiration: day("2024-02-29"), UnitCost: costOf("1.80")},
		{ID: 4, ProductID: 1, WarehouseID: 1, Quantity: 1, UnitCost: costOf("2.40")},
		{ID: 5, ProductID: 2, WarehouseID: 1, Quantity: 9},
	}

	summaries := SummarizeByProductWarehouse(batches, 1, today)

	require.Len(t, summaries, 2)
	w1 := summaries[0]
	assert.Equal(t, int64(1), w1.WarehouseID)
	assert.Equal(t, int64(7), w1.TotalQuantity)
	assert.Equal(t, "2024-02-29", FormatDate(w1.NearestExpiration))
	assert.Equal(t, "1.80", w1.NearestUnitCost.StringFixed(2))
	assert.Equal(t, "1.80", w1.MinUnitCost.StringFixed(2))
	assert.Equal(t, "2.40", w1.MaxUnitCost.StringFixed(2))
	assert.Equal(t, CriticalityCritical, w1.Criticality)
	assert.Equal(t, 3, w1.BatchCount)

	assert.Equal(t, int64(3), summaries[1].WarehouseID)
}

func TestRecommendWarehouse(t *testing.T) {
	t.Run("nearest expiration wins", func(t *testing.T) {
		best := RecommendWarehouse([]ProductWarehouseSummary{
			{WarehouseID: 1, TotalQuantity: 5},
			{WarehouseID: 2, TotalQuantity: 5, NearestExpiration: day("2024-09-30")},
			{WarehouseID: 3, TotalQuantity: 5, NearestExpiration: day("2024-03-31")},
		})
		require.NotNil(t, best)
		assert.Equal(t, int64(3), best.WarehouseID)
	})

	t.Run("ties go to lowest warehouse id", func(t *testing.T) {
		best := RecommendWarehouse([]ProductWarehouseSummary{
			{WarehouseID: 4, TotalQuantity: 5, NearestExpiration: day("2024-03-31")},
			{WarehouseID: 2, TotalQuantity: 5, NearestExpiration: day("2024-03-31")},
		})
		require.NotNil(t, best)
		assert.Equal(t, int64(2), best.WarehouseID)
	})

	t.Run("no stock", func(t *testing.T) {
		assert.Nil(t, RecommendWarehouse(nil))
	})
}
