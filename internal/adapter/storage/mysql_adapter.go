package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrCheckViolation  = 3819
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(14,2) NOT NULL,
		quantity INT NOT NULL,
		version INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		CONSTRAINT products_quantity_non_negative CHECK (quantity >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id CHAR(36) PRIMARY KEY,
		city VARCHAR(255) NOT NULL,
		country VARCHAR(255) NOT NULL,
		postal_code VARCHAR(32) NOT NULL,
		total_amount DECIMAL(14,2) NOT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		order_id CHAR(36) NOT NULL,
		line_no INT NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		quantity INT NOT NULL,
		unit_price DECIMAL(14,2) NOT NULL,
		line_total DECIMAL(14,2) NOT NULL,
		PRIMARY KEY (order_id, line_no),
		FOREIGN KEY (order_id) REFERENCES orders(id)
	)`,
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	return fetchProductsSQL(ctx, m.db, ids, false)
}

func (m *MySQLAdapter) WithTransaction(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, s port.Session) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: mysqlIsolation(opts.Isolation)})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classifyMySQL(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlSession{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classifyMySQL(err))
	}
	return nil
}

// GetProduct returns nil when the product does not exist.
func (m *MySQLAdapter) GetProduct(ctx context.Context, id string) (*domain.ProductSnapshot, error) {
	rows, err := m.FetchByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, quantity, version) VALUES (?, ?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price),
			quantity = VALUES(quantity), version = version + 1`,
		p.ProductID, p.Name, p.UnitPrice.String(), p.AvailableQuantity,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// CountOrderLines reports how many committed order lines reference productID.
func (m *MySQLAdapter) CountOrderLines(ctx context.Context, productID string) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_lines WHERE product_id = ?`, productID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count order lines: %w", err)
	}
	return n, nil
}

type mysqlSession struct {
	tx *sql.Tx
}

// FetchByIDs takes row locks so the quantities cannot move before commit.
func (s *mysqlSession) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	rows, err := fetchProductsSQL(ctx, s.tx, ids, true)
	if err != nil {
		return nil, classifyMySQL(err)
	}
	return rows, nil
}

func (s *mysqlSession) BulkDecrement(ctx context.Context, lines []domain.OrderLine) error {
	stmt, err := s.tx.PrepareContext(ctx, `
		UPDATE products
		SET quantity = quantity - ?, version = version + 1
		WHERE id = ? AND quantity >= ?`)
	if err != nil {
		return fmt.Errorf("prepare decrement: %w", classifyMySQL(err))
	}
	defer stmt.Close()

	for _, l := range lines {
		result, err := stmt.ExecContext(ctx, l.Quantity, l.ProductID, l.Quantity)
		if err != nil {
			return fmt.Errorf("decrement %s: %w", l.ProductID, classifyMySQL(err))
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("%w: decrement %s by %d", port.ErrTxConflict, l.ProductID, l.Quantity)
		}
	}
	return nil
}

func (s *mysqlSession) InsertOrder(ctx context.Context, order domain.OrderRecord) error {
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO orders (id, city, country, postal_code, total_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		order.ID, order.Address.City, order.Address.Country, order.Address.PostalCode,
		order.TotalAmount.String(), order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", classifyMySQL(err))
	}

	if len(order.Lines) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO order_lines (order_id, line_no, product_id, name, quantity, unit_price, line_total) VALUES `)
	args := make([]any, 0, len(order.Lines)*7)
	for i, l := range order.Lines {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, order.ID, i, l.ProductID, l.Name, l.Quantity, l.UnitPrice.String(), l.LineTotal.String())
	}

	if _, err := s.tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert order lines: %w", classifyMySQL(err))
	}
	return nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func fetchProductsSQL(ctx context.Context, q sqlQuerier, ids []string, lock bool) ([]domain.ProductSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	// Sorted ids keep lock acquisition order stable across sessions.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	args := make([]any, len(sorted))
	for i, id := range sorted {
		args[i] = id
	}
	query := `SELECT id, name, price, quantity FROM products WHERE id IN (?` +
		strings.Repeat(", ?", len(sorted)-1) + `) ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.ProductSnapshot
	for rows.Next() {
		var p domain.ProductSnapshot
		var price decimal.Decimal
		if err := rows.Scan(&p.ProductID, &p.Name, &price, &p.AvailableQuantity); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.UnitPrice = price
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func mysqlIsolation(i port.Isolation) sql.IsolationLevel {
	switch i {
	case port.IsolationSerializable:
		return sql.LevelSerializable
	case port.IsolationSnapshot:
		return sql.LevelRepeatableRead
	default:
		return sql.LevelReadCommitted
	}
}

// classifyMySQL marks deadlocks, lock wait timeouts and check violations on
// the stock column as retryable conflicts.
func classifyMySQL(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout, mysqlErrCheckViolation:
			return fmt.Errorf("%w: %v", port.ErrTxConflict, err)
		}
	}
	return err
}
