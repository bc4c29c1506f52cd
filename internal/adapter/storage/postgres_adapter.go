package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const rollbackTimeout = 2 * time.Second

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgCheckViolation       = "23514"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	price NUMERIC(14,2) NOT NULL,
	quantity INTEGER NOT NULL CHECK (quantity >= 0),
	version INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id UUID PRIMARY KEY,
	city TEXT NOT NULL,
	country TEXT NOT NULL,
	postal_code TEXT NOT NULL,
	total_amount NUMERIC(14,2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_lines (
	order_id UUID NOT NULL REFERENCES orders(id),
	line_no INTEGER NOT NULL,
	product_id TEXT NOT NULL,
	name TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	unit_price NUMERIC(14,2) NOT NULL,
	line_total NUMERIC(14,2) NOT NULL,
	PRIMARY KEY (order_id, line_no)
);

CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at);
`

type PostgresAdapter struct {
	pool *pgxpool.Pool
}

func NewPostgresAdapter(pool *pgxpool.Pool) *PostgresAdapter {
	return &PostgresAdapter{pool: pool}
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	return fetchProductsPG(ctx, p.pool, ids, false)
}

// WithTransaction asks for remote_apply on majority writes, so commit returns
// only after the synchronous standbys have applied it.
func (p *PostgresAdapter) WithTransaction(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, s port.Session) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgIsolation(opts.Isolation)})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classifyPG(err))
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		_ = tx.Rollback(rctx)
	}()

	if opts.WriteConcern == port.WriteConcernMajority {
		if _, err := tx.Exec(ctx, `SET LOCAL synchronous_commit TO remote_apply`); err != nil {
			return fmt.Errorf("set synchronous_commit: %w", classifyPG(err))
		}
	}

	if err := fn(ctx, &pgSession{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", classifyPG(err))
	}
	return nil
}

func (p *PostgresAdapter) GetProduct(ctx context.Context, id string) (*domain.ProductSnapshot, error) {
	rows, err := p.FetchByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (p *PostgresAdapter) UpsertProduct(ctx context.Context, s domain.ProductSnapshot) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, quantity) VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price,
			quantity = EXCLUDED.quantity, version = products.version + 1, updated_at = now()`,
		s.ProductID, s.Name, s.UnitPrice.String(), s.AvailableQuantity,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) CountOrderLines(ctx context.Context, productID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM order_lines WHERE product_id = $1`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count order lines: %w", err)
	}
	return n, nil
}

type pgSession struct {
	tx pgx.Tx
}

func (s *pgSession) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	rows, err := fetchProductsPG(ctx, s.tx, ids, true)
	if err != nil {
		return nil, classifyPG(err)
	}
	return rows, nil
}

// BulkDecrement sends every conditional update in one round trip.
func (s *pgSession) BulkDecrement(ctx context.Context, lines []domain.OrderLine) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`
			UPDATE products
			SET quantity = quantity - $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND quantity >= $1`,
			l.Quantity, l.ProductID)
	}

	br := s.tx.SendBatch(ctx, batch)
	for _, l := range lines {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return fmt.Errorf("decrement %s: %w", l.ProductID, classifyPG(err))
		}
		if tag.RowsAffected() == 0 {
			br.Close()
			return fmt.Errorf("%w: decrement %s by %d", port.ErrTxConflict, l.ProductID, l.Quantity)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("decrement batch: %w", classifyPG(err))
	}
	return nil
}

func (s *pgSession) InsertOrder(ctx context.Context, order domain.OrderRecord) error {
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO orders (id, city, country, postal_code, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
		order.ID, order.Address.City, order.Address.Country, order.Address.PostalCode,
		order.TotalAmount.String(), order.CreatedAt)
	for i, l := range order.Lines {
		batch.Queue(`
			INSERT INTO order_lines (order_id, line_no, product_id, name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)`,
			order.ID, i, l.ProductID, l.Name, l.Quantity, l.UnitPrice.String(), l.LineTotal.String())
	}

	if err := s.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order: %w", classifyPG(err))
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func fetchProductsPG(ctx context.Context, q pgQuerier, ids []string, lock bool) ([]domain.ProductSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	query := `SELECT id, name, price::text, quantity FROM products WHERE id = ANY($1) ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, sorted)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.ProductSnapshot
	for rows.Next() {
		var (
			snap  domain.ProductSnapshot
			price string
		)
		if err := rows.Scan(&snap.ProductID, &snap.Name, &price, &snap.AvailableQuantity); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		snap.UnitPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse price of %s: %w", snap.ProductID, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func pgIsolation(i port.Isolation) pgx.TxIsoLevel {
	switch i {
	case port.IsolationSerializable:
		return pgx.Serializable
	case port.IsolationSnapshot:
		return pgx.RepeatableRead
	default:
		return pgx.ReadCommitted
	}
}

func classifyPG(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgCheckViolation:
			return fmt.Errorf("%w: %v", port.ErrTxConflict, err)
		}
	}
	return err
}
