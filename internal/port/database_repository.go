package port

import (
	"context"
	"errors"

	"github.com/rl1809/order-placement/internal/core/domain"
)

// ErrTxConflict marks a transaction attempt that lost a race with a concurrent
// writer. The attempt has been rolled back and may be retried.
var ErrTxConflict = errors.New("transaction conflict")

type Isolation int

const (
	IsolationReadCommitted Isolation = iota
	IsolationSnapshot
	IsolationSerializable
)

type WriteConcern int

const (
	WriteConcernMajority WriteConcern = iota
	WriteConcernPrimary
)

type TxOptions struct {
	Isolation    Isolation
	WriteConcern WriteConcern
}

type CatalogReader interface {
	// FetchByIDs returns at most one snapshot per id; unknown ids are omitted.
	FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error)
}

type InventoryStore interface {
	// BulkDecrement applies every decrement or none. A row whose quantity is below
	// the requested amount yields ErrTxConflict.
	BulkDecrement(ctx context.Context, lines []domain.OrderLine) error
}

type OrderStore interface {
	InsertOrder(ctx context.Context, order domain.OrderRecord) error
}

// Session is bound to one transaction attempt and must not outlive it.
type Session interface {
	CatalogReader
	InventoryStore
	OrderStore
}

type TxStore interface {
	// WithTransaction runs fn inside a single transaction. The transaction is
	// committed when fn returns nil and rolled back otherwise; the session is
	// released on every path.
	WithTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, s Session) error) error
}

type Store interface {
	CatalogReader
	TxStore
}
