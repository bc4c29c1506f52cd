package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-placement/internal/core/domain"
)

func TestPriceOrder(t *testing.T) {
	lines := []domain.NormalizedLine{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 2}}
	snapshots := map[string]domain.ProductSnapshot{
		"p1": snap("p1", "0.10", 3),
		"p2": snap("p2", "19.99", 10),
	}

	priced, total, err := PriceOrder(lines, snapshots)
	require.NoError(t, err)
	require.Len(t, priced, 2)

	assert.Equal(t, "0.3", priced[0].LineTotal.String())
	assert.Equal(t, "name-p1", priced[0].Name)
	assert.Equal(t, "39.98", priced[1].LineTotal.String())
	assert.Equal(t, "40.28", total.String())
}

func TestPriceOrder_InsufficientStock(t *testing.T) {
	lines := []domain.NormalizedLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 4}}
	snapshots := map[string]domain.ProductSnapshot{
		"p1": snap("p1", "1", 1),
		"p2": snap("p2", "1", 3),
	}

	_, _, err := PriceOrder(lines, snapshots)
	var stockErr *StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "p2", stockErr.ProductID)
	assert.Equal(t, "name-p2", stockErr.Name)
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 3, stockErr.Available)
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestPriceOrder_ZeroPriceAllowed(t *testing.T) {
	_, total, err := PriceOrder(
		[]domain.NormalizedLine{{ProductID: "gift", Quantity: 1}},
		map[string]domain.ProductSnapshot{"gift": snap("gift", "0", 1)},
	)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestPriceOrder_BadSnapshot(t *testing.T) {
	_, _, err := PriceOrder(
		[]domain.NormalizedLine{{ProductID: "p1", Quantity: 1}},
		map[string]domain.ProductSnapshot{"p1": snap("p1", "-1", 1)},
	)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, _, err = PriceOrder([]domain.NormalizedLine{{ProductID: "p1", Quantity: 1}}, nil)
	assert.ErrorIs(t, err, ErrProductNotFound)
}
