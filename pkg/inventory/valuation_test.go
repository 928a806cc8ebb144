package inventory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRound2_HalfAwayFromZero(t *testing.T) {
	tests := map[string]string{
		"2.345":  "2.35",
		"2.344":  "2.34",
		"-2.345": "-2.35",
		"0.005":  "0.01",
		"10":     "10.00",
	}

	for in, want := range tests {
		assert.Equal(t, want, Round2(money(in)).StringFixed(2), in)
	}
}

func TestLineTotal(t *testing.T) {
	assert.Equal(t, "1.01", LineTotal(3, money("0.335")).StringFixed(2))
	assert.Equal(t, "23.88", LineTotal(12, money("1.99")).StringFixed(2))
}

func TestAccumulateValue(t *testing.T) {
	known := AccumulateValue([]Batch{
		{Quantity: 1, UnitCost: costOf("0.335")},
		{Quantity: 1, UnitCost: costOf("0.335")},
		{Quantity: 1, UnitCost: costOf("0.335")},
	})
	assert.True(t, known.ValueKnown)
	assert.Equal(t, "1.02", known.Value.StringFixed(2))

	unknown := AccumulateValue([]Batch{
		{Quantity: 1, UnitCost: costOf("5.00")},
		{Quantity: 1},
	})
	assert.False(t, unknown.ValueKnown)
	assert.True(t, unknown.Value.IsZero())
}

func TestValuationEngine_CalculateTotalValue(t *testing.T) {
	mockStorage := new(MockStorage)
	engine := NewValuationEngine(mockStorage, zap.NewNop())
	ctx := context.Background()

	mockStorage.On("ListBatches", ctx, AvailableFilter(0, 2), FEFOOrder).Return([]Batch{
		{ID: 1, ProductID: 1, WarehouseID: 2, Quantity: 3, UnitCost: costOf("1.25")},
		{ID: 2, ProductID: 4, WarehouseID: 2, Quantity: 2, UnitCost: costOf("0.50")},
	}, nil)

	val, err := engine.CalculateTotalValue(ctx, 2)

	require.NoError(t, err)
	assert.True(t, val.ValueKnown)
	assert.Equal(t, "4.75", val.Value.StringFixed(2))
	mockStorage.AssertExpectations(t)
}

func TestValuationEngine_CalculateValue_StoreError(t *testing.T) {
	mockStorage := new(MockStorage)
	engine := NewValuationEngine(mockStorage, zap.NewNop())

	mockStorage.On("ListBatches", mock.Anything, AvailableFilter(1, 2), FEFOOrder).Return(nil, ErrStoreUnavailable)

	_, err := engine.CalculateValue(context.Background(), 1, 2)

	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = engine.CalculateValue(context.Background(), 0, 2)
	assert.ErrorIs(t, err, ErrValidation)
}
