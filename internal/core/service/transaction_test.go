package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/port"
)

type scriptedTxStore struct {
	errs  []error
	calls int
}

func (s *scriptedTxStore) WithTransaction(ctx context.Context, _ port.TxOptions, fn func(context.Context, port.Session) error) error {
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

var fastPolicy = RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}

func TestWithTransaction_RetriesConflicts(t *testing.T) {
	store := &scriptedTxStore{errs: []error{port.ErrTxConflict, port.ErrTxConflict}}

	err := withTransaction(context.Background(), store, port.TxOptions{}, fastPolicy, zap.NewNop(), nil)
	assert.NoError(t, err)
	assert.Equal(t, 3, store.calls)
}

func TestWithTransaction_Exhausted(t *testing.T) {
	conflict := fmt.Errorf("%w: write conflict", port.ErrTxConflict)
	store := &scriptedTxStore{errs: []error{conflict, conflict, conflict, conflict}}

	err := withTransaction(context.Background(), store, port.TxOptions{}, fastPolicy, zap.NewNop(), nil)
	assert.ErrorIs(t, err, ErrTransactionAborted)
	assert.Equal(t, KindTransactionAborted, KindOf(err))
	assert.Equal(t, 3, store.calls)
}

func TestWithTransaction_NonConflictNotRetried(t *testing.T) {
	stock := &StockError{ProductID: "p1"}
	store := &scriptedTxStore{errs: []error{stock}}

	err := withTransaction(context.Background(), store, port.TxOptions{}, fastPolicy, zap.NewNop(), nil)
	assert.Same(t, stock, err)
	assert.Equal(t, 1, store.calls)
}

func TestWithTransaction_CancelledDuringBackoff(t *testing.T) {
	store := &scriptedTxStore{errs: []error{port.ErrTxConflict, port.ErrTxConflict}}
	policy := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := withTransaction(ctx, store, port.TxOptions{}, policy, zap.NewNop(), nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, store.calls)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}

	for retry, exp := range []time.Duration{10, 20, 40, 40, 40} {
		exp *= time.Millisecond
		for i := 0; i < 20; i++ {
			d := p.backoff(retry)
			assert.GreaterOrEqual(t, d, exp/2)
			assert.LessOrEqual(t, d, exp)
		}
	}

	assert.Zero(t, RetryPolicy{}.backoff(3))
	assert.Equal(t, 1, RetryPolicy{}.attempts())
}
