package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// seededStore is what every backend offers beyond port.Store for seeding and
// inspection.
type seededStore interface {
	port.Store
	UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error
	GetProduct(ctx context.Context, id string) (*domain.ProductSnapshot, error)
	CountOrderLines(ctx context.Context, productID string) (int, error)
}

var majority = port.TxOptions{Isolation: port.IsolationSnapshot, WriteConcern: port.WriteConcernMajority}

func testProductID(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func seed(t *testing.T, s seededStore, id string, price string, qty int) domain.ProductSnapshot {
	t.Helper()
	p := domain.ProductSnapshot{
		ProductID:         id,
		Name:              "Product " + id,
		UnitPrice:         decimal.RequireFromString(price),
		AvailableQuantity: qty,
	}
	require.NoError(t, s.UpsertProduct(context.Background(), p))
	return p
}

func testOrder(lines ...domain.OrderLine) domain.OrderRecord {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineTotal)
	}
	return domain.OrderRecord{
		ID:          uuid.NewString(),
		Address:     domain.Address{City: "Lyon", Country: "FR", PostalCode: "69001"},
		Lines:       lines,
		TotalAmount: total,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func line(p domain.ProductSnapshot, qty int) domain.OrderLine {
	return domain.OrderLine{
		ProductID: p.ProductID,
		Name:      p.Name,
		Quantity:  qty,
		UnitPrice: p.UnitPrice,
		LineTotal: p.UnitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

func runStoreContract(t *testing.T, s seededStore) {
	t.Run("FetchByIDs", func(t *testing.T) {
		ctx := context.Background()
		a := seed(t, s, testProductID("fetch-a"), "12.50", 4)

		rows, err := s.FetchByIDs(ctx, []string{a.ProductID, "missing-" + a.ProductID})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, a.ProductID, rows[0].ProductID)
		assert.Equal(t, a.Name, rows[0].Name)
		assert.True(t, a.UnitPrice.Equal(rows[0].UnitPrice), "price %s", rows[0].UnitPrice)
		assert.Equal(t, 4, rows[0].AvailableQuantity)

		missing, err := s.GetProduct(ctx, "missing-"+a.ProductID)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("CommitDecrementsAndInserts", func(t *testing.T) {
		ctx := context.Background()
		a := seed(t, s, testProductID("commit-a"), "10.00", 5)
		b := seed(t, s, testProductID("commit-b"), "3.25", 2)
		order := testOrder(line(a, 2), line(b, 2))

		err := s.WithTransaction(ctx, majority, func(ctx context.Context, sess port.Session) error {
			rows, err := sess.FetchByIDs(ctx, []string{a.ProductID, b.ProductID})
			if err != nil {
				return err
			}
			if len(rows) != 2 {
				return fmt.Errorf("expected 2 rows, got %d", len(rows))
			}
			if err := sess.BulkDecrement(ctx, order.Lines); err != nil {
				return err
			}
			return sess.InsertOrder(ctx, order)
		})
		require.NoError(t, err)

		gotA, err := s.GetProduct(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 3, gotA.AvailableQuantity)
		gotB, err := s.GetProduct(ctx, b.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 0, gotB.AvailableQuantity)

		n, err := s.CountOrderLines(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("StaleDecrementConflictsAndRollsBack", func(t *testing.T) {
		ctx := context.Background()
		a := seed(t, s, testProductID("stale-a"), "1.00", 5)
		b := seed(t, s, testProductID("stale-b"), "1.00", 1)
		order := testOrder(line(a, 2), line(b, 3))

		err := s.WithTransaction(ctx, majority, func(ctx context.Context, sess port.Session) error {
			if err := sess.BulkDecrement(ctx, order.Lines); err != nil {
				return err
			}
			return sess.InsertOrder(ctx, order)
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, port.ErrTxConflict)

		gotA, err := s.GetProduct(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 5, gotA.AvailableQuantity, "first line must roll back")

		n, err := s.CountOrderLines(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("BodyErrorRollsBack", func(t *testing.T) {
		ctx := context.Background()
		a := seed(t, s, testProductID("abort-a"), "2.00", 5)
		order := testOrder(line(a, 1))
		boom := errors.New("boom")

		err := s.WithTransaction(ctx, majority, func(ctx context.Context, sess port.Session) error {
			if err := sess.BulkDecrement(ctx, order.Lines); err != nil {
				return err
			}
			if err := sess.InsertOrder(ctx, order); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		gotA, err := s.GetProduct(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 5, gotA.AvailableQuantity)
		n, err := s.CountOrderLines(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ConcurrentLastUnit", func(t *testing.T) {
		ctx := context.Background()
		a := seed(t, s, testProductID("race-a"), "5.00", 1)

		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				order := testOrder(line(a, 1))
				err := s.WithTransaction(ctx, majority, func(ctx context.Context, sess port.Session) error {
					rows, err := sess.FetchByIDs(ctx, []string{a.ProductID})
					if err != nil {
						return err
					}
					if len(rows) != 1 || rows[0].AvailableQuantity < 1 {
						return port.ErrTxConflict
					}
					if err := sess.BulkDecrement(ctx, order.Lines); err != nil {
						return err
					}
					return sess.InsertOrder(ctx, order)
				})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, port.ErrTxConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(7), conflicts.Load())

		gotA, err := s.GetProduct(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 0, gotA.AvailableQuantity)
		n, err := s.CountOrderLines(ctx, a.ProductID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
