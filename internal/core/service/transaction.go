package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/port"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  200 * time.Millisecond,
	}
}

// backoff returns an exponentially growing delay with jitter in [exp/2, exp].
func (p RetryPolicy) backoff(retry int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	exp := p.MaxBackoff
	if retry < 30 {
		if d := p.BaseBackoff << retry; d > 0 && (p.MaxBackoff <= 0 || d < p.MaxBackoff) {
			exp = d
		}
	}
	if exp <= 0 {
		return 0
	}
	half := exp / 2
	return half + time.Duration(rand.Int63n(int64(exp-half)+1))
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// withTransaction runs body in a store transaction, retrying attempts that lose a
// race with a concurrent writer. Every attempt gets a fresh session, so body
// re-reads everything it depends on. Errors other than port.ErrTxConflict are
// returned unchanged.
func withTransaction(
	ctx context.Context,
	store port.TxStore,
	opts port.TxOptions,
	policy RetryPolicy,
	log *zap.Logger,
	body func(ctx context.Context, s port.Session) error,
) error {
	attempts := policy.attempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, policy.backoff(attempt-2)); err != nil {
				return err
			}
		}

		err := store.WithTransaction(ctx, opts, body)
		if err == nil {
			return nil
		}
		if !errors.Is(err, port.ErrTxConflict) {
			return err
		}

		lastErr = err
		log.Debug("transaction conflict", zap.Int("attempt", attempt), zap.Error(err))
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrTransactionAborted, attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
