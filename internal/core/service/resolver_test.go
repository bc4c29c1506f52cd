package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-placement/internal/core/domain"
)

type fakeCatalog struct {
	mu    sync.Mutex
	rows  []domain.ProductSnapshot
	err   error
	calls [][]string
}

func (f *fakeCatalog) FetchByIDs(_ context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), ids...))
	return f.rows, f.err
}

func snap(id string, price string, qty int) domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ProductID:         id,
		Name:              "name-" + id,
		UnitPrice:         decimal.RequireFromString(price),
		AvailableQuantity: qty,
	}
}

func TestResolveStock(t *testing.T) {
	catalog := &fakeCatalog{rows: []domain.ProductSnapshot{
		snap("p2", "1", 1),
		snap("p1", "2", 2),
		snap("stray", "3", 3),
	}}
	lines := []domain.NormalizedLine{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}}

	got, err := ResolveStock(context.Background(), catalog, lines)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, got["p1"].AvailableQuantity)
	assert.Equal(t, [][]string{{"p1", "p2"}}, catalog.calls)
}

func TestResolveStock_Missing(t *testing.T) {
	catalog := &fakeCatalog{rows: []domain.ProductSnapshot{snap("p2", "1", 1)}}
	lines := []domain.NormalizedLine{
		{ProductID: "p3", Quantity: 1},
		{ProductID: "p2", Quantity: 1},
		{ProductID: "p1", Quantity: 1},
	}

	_, err := ResolveStock(context.Background(), catalog, lines)
	var missing *MissingProductsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"p3", "p1"}, missing.ProductIDs)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestResolveStock_DuplicateRow(t *testing.T) {
	catalog := &fakeCatalog{rows: []domain.ProductSnapshot{snap("p1", "1", 1), snap("p1", "1", 1)}}

	_, err := ResolveStock(context.Background(), catalog, []domain.NormalizedLine{{ProductID: "p1", Quantity: 1}})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestResolveStock_FetchError(t *testing.T) {
	down := errors.New("no reachable servers")
	catalog := &fakeCatalog{err: down}

	_, err := ResolveStock(context.Background(), catalog, []domain.NormalizedLine{{ProductID: "p1", Quantity: 1}})
	assert.ErrorIs(t, err, down)
	assert.Equal(t, KindStoreUnavailable, KindOf(err))
}
