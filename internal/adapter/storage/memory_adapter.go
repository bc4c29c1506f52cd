package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

var ErrDuplicateOrder = errors.New("duplicate order id")

type memProduct struct {
	snapshot domain.ProductSnapshot
	version  int
}

// MemoryAdapter is an in-process store with optimistic concurrency: a session
// records the version of every product it reads and the commit fails with
// port.ErrTxConflict if any of them moved.
type MemoryAdapter struct {
	mu        sync.RWMutex
	products  map[string]*memProduct
	orders    map[string]domain.OrderRecord
	orderSeq  []string
	sessions  int
	conflicts int
	failure   error
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products: make(map[string]*memProduct),
		orders:   make(map[string]domain.OrderRecord),
	}
}

func (m *MemoryAdapter) SetProduct(p domain.ProductSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.products[p.ProductID]; ok {
		cur.snapshot = p
		cur.version++
		return
	}
	m.products[p.ProductID] = &memProduct{snapshot: p}
}

func (m *MemoryAdapter) UpsertProduct(_ context.Context, p domain.ProductSnapshot) error {
	m.SetProduct(p)
	return nil
}

func (m *MemoryAdapter) GetProduct(_ context.Context, id string) (*domain.ProductSnapshot, error) {
	p, ok := m.Product(id)
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryAdapter) CountOrderLines(_ context.Context, productID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		for _, l := range o.Lines {
			if l.ProductID == productID {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryAdapter) DeleteProduct(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

func (m *MemoryAdapter) Product(id string) (domain.ProductSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return domain.ProductSnapshot{}, false
	}
	return p.snapshot, true
}

// Orders returns committed orders in commit order.
func (m *MemoryAdapter) Orders() []domain.OrderRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.OrderRecord, 0, len(m.orderSeq))
	for _, id := range m.orderSeq {
		out = append(out, m.orders[id])
	}
	return out
}

// Sessions reports how many transactions have been opened.
func (m *MemoryAdapter) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions
}

// InjectConflicts makes the next n commits fail with port.ErrTxConflict.
func (m *MemoryAdapter) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

// SetFailure makes every operation return err until called with nil.
func (m *MemoryAdapter) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemoryAdapter) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	rows, _, err := m.read(ctx, ids)
	return rows, err
}

func (m *MemoryAdapter) read(ctx context.Context, ids []string) ([]domain.ProductSnapshot, map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failure != nil {
		return nil, nil, m.failure
	}

	rows := make([]domain.ProductSnapshot, 0, len(ids))
	versions := make(map[string]int, len(ids))
	for _, id := range ids {
		p, ok := m.products[id]
		if !ok {
			continue
		}
		if _, seen := versions[id]; seen {
			continue
		}
		versions[id] = p.version
		rows = append(rows, p.snapshot)
	}
	return rows, versions, nil
}

func (m *MemoryAdapter) WithTransaction(ctx context.Context, _ port.TxOptions, fn func(ctx context.Context, s port.Session) error) error {
	m.mu.Lock()
	if m.failure != nil {
		err := m.failure
		m.mu.Unlock()
		return err
	}
	m.sessions++
	m.mu.Unlock()

	sess := &memSession{store: m, reads: make(map[string]int)}
	if err := fn(ctx, sess); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(sess)
}

func (m *MemoryAdapter) commit(s *memSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", port.ErrTxConflict)
	}

	for id, v := range s.reads {
		p, ok := m.products[id]
		if !ok || p.version != v {
			return fmt.Errorf("%w: product %s changed", port.ErrTxConflict, id)
		}
	}
	for _, l := range s.decrements {
		p, ok := m.products[l.ProductID]
		if !ok || p.snapshot.AvailableQuantity < l.Quantity {
			return fmt.Errorf("%w: product %s below %d", port.ErrTxConflict, l.ProductID, l.Quantity)
		}
	}
	for _, o := range s.orders {
		if _, dup := m.orders[o.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
		}
	}

	for _, l := range s.decrements {
		p := m.products[l.ProductID]
		p.snapshot.AvailableQuantity -= l.Quantity
		p.version++
	}
	for _, o := range s.orders {
		m.orders[o.ID] = o
		m.orderSeq = append(m.orderSeq, o.ID)
	}
	return nil
}

type memSession struct {
	store      *MemoryAdapter
	reads      map[string]int
	decrements []domain.OrderLine
	orders     []domain.OrderRecord
}

func (s *memSession) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	rows, versions, err := s.store.read(ctx, ids)
	if err != nil {
		return nil, err
	}
	for id, v := range versions {
		if prev, ok := s.reads[id]; ok && prev != v {
			return nil, fmt.Errorf("%w: product %s changed during session", port.ErrTxConflict, id)
		}
		s.reads[id] = v
	}
	return rows, nil
}

func (s *memSession) BulkDecrement(ctx context.Context, lines []domain.OrderLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.decrements = append(s.decrements, lines...)
	return nil
}

func (s *memSession) InsertOrder(ctx context.Context, order domain.OrderRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)
	s.orders = append(s.orders, order)
	return nil
}
