package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	tracerName     = "github.com/rl1809/order-placement/internal/core/service"
	publishTimeout = 5 * time.Second
	releaseTimeout = 2 * time.Second

	completeAttempts = 2
)

type Config struct {
	RetryPolicy RetryPolicy
	TxOptions   port.TxOptions
	// Timeout bounds one PlaceOrder call. Zero disables it.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryPolicy: DefaultRetryPolicy(),
		TxOptions: port.TxOptions{
			Isolation:    port.IsolationSnapshot,
			WriteConcern: port.WriteConcernMajority,
		},
		Timeout: 10 * time.Second,
	}
}

type OrderService struct {
	store       port.Store
	idempotency port.IdempotencyStore
	events      port.EventPublisher
	cfg         Config
	log         *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

type Option func(*OrderService)

func WithIdempotencyStore(s port.IdempotencyStore) Option {
	return func(o *OrderService) { o.idempotency = s }
}

func WithEventPublisher(p port.EventPublisher) Option {
	return func(o *OrderService) { o.events = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *OrderService) { o.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *OrderService) { o.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *OrderService) { o.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(o *OrderService) { o.newID = fn }
}

func NewOrderService(store port.Store, cfg Config, opts ...Option) *OrderService {
	s := &OrderService{
		store:  store,
		cfg:    cfg,
		log:    zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type PlaceOrderRequest struct {
	// IdempotencyKey is optional. Repeating a key returns the first result.
	IdempotencyKey string
	Address        *domain.Address
	Lines          []domain.CartLine
}

// PlaceOrder validates and prices the cart, then decrements stock and records
// the order in one transaction. On error no order exists and no stock moved.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (domain.PlacementResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.PlaceOrder",
		trace.WithAttributes(attribute.Int("cart.lines", len(req.Lines))))
	defer span.End()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	result, err := s.placeOnce(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return domain.PlacementResult{}, err
	}

	span.SetAttributes(attribute.String("order.id", result.OrderID))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *OrderService) placeOnce(ctx context.Context, req PlaceOrderRequest) (result domain.PlacementResult, err error) {
	p := newPlacementAttempt()
	defer func() {
		if err != nil {
			p.advance(domain.StateAborted)
			s.logFailure(req, p, err)
		}
	}()

	lines, err := NormalizeCart(req.Address, req.Lines)
	if err != nil {
		return domain.PlacementResult{}, err
	}

	key := req.IdempotencyKey
	if key != "" && s.idempotency != nil {
		claimed, prior, cerr := s.idempotency.Claim(ctx, key)
		if cerr != nil {
			return domain.PlacementResult{}, storeUnavailable("claim idempotency key", cerr)
		}
		if !claimed {
			if prior != nil {
				s.log.Info("idempotent replay", zap.String("key", key), zap.String("order_id", prior.OrderID))
				return *prior, nil
			}
			return domain.PlacementResult{}, fmt.Errorf("%w: key %s in flight", ErrDuplicateRequest, key)
		}
		defer s.settleClaim(ctx, key, &result, &err)
	}

	p.advance(domain.StatePricing)
	if err := s.precheck(ctx, lines); err != nil {
		return domain.PlacementResult{}, err
	}

	p.advance(domain.StateReserving)
	order, err := s.reserve(ctx, *req.Address, lines)
	if err != nil {
		return domain.PlacementResult{}, err
	}

	p.advance(domain.StateCommitted)
	s.log.Info("order placed",
		zap.String("order_id", order.ID),
		zap.String("total_amount", order.TotalAmount.String()),
		zap.Int("lines", len(order.Lines)),
	)
	s.publish(ctx, order)

	return domain.PlacementResult{
		OrderID:     order.ID,
		TotalAmount: order.TotalAmount,
		CreatedAt:   order.CreatedAt,
	}, nil
}

// precheck resolves and prices outside any transaction so that bad carts fail
// without opening a session.
func (s *OrderService) precheck(ctx context.Context, lines []domain.NormalizedLine) error {
	ctx, span := s.tracer.Start(ctx, "OrderService.precheck")
	defer span.End()

	snapshots, err := ResolveStock(ctx, s.store, lines)
	if err != nil {
		return classify("resolve stock", err)
	}
	if _, _, err := PriceOrder(lines, snapshots); err != nil {
		return classify("price order", err)
	}
	return nil
}

func (s *OrderService) reserve(ctx context.Context, addr domain.Address, lines []domain.NormalizedLine) (domain.OrderRecord, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.reserve")
	defer span.End()

	order := domain.OrderRecord{
		ID:        s.newID(),
		Address:   addr,
		CreatedAt: s.now().UTC(),
	}

	err := withTransaction(ctx, s.store, s.cfg.TxOptions, s.cfg.RetryPolicy, s.log,
		func(ctx context.Context, sess port.Session) error {
			snapshots, err := ResolveStock(ctx, sess, lines)
			if err != nil {
				return err
			}
			priced, total, err := PriceOrder(lines, snapshots)
			if err != nil {
				return err
			}
			if err := sess.BulkDecrement(ctx, priced); err != nil {
				return err
			}

			order.Lines = priced
			order.TotalAmount = total
			return sess.InsertOrder(ctx, order)
		})
	if err != nil {
		return domain.OrderRecord{}, classify("reserve inventory", err)
	}
	return order, nil
}

func (s *OrderService) settleClaim(ctx context.Context, key string, result *domain.PlacementResult, err *error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if *err != nil {
		if rerr := s.idempotency.Release(ctx, key); rerr != nil {
			s.log.Warn("release idempotency key", zap.String("key", key), zap.Error(rerr))
		}
		return
	}

	var cerr error
	for attempt := 1; attempt <= completeAttempts; attempt++ {
		if cerr = s.idempotency.Complete(ctx, key, *result); cerr == nil {
			return
		}
		s.log.Warn("complete idempotency key",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(cerr))
	}
	// The key stays pending until its ttl expires; retries with it get
	// DuplicateRequest while the order itself is committed.
	s.log.Error("idempotency key left pending",
		zap.String("key", key),
		zap.String("order_id", result.OrderID),
		zap.Error(cerr))
}

func (s *OrderService) publish(ctx context.Context, order domain.OrderRecord) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.events.PublishOrderPlaced(ctx, domain.NewOrderPlacedEvent(order)); err != nil {
		s.log.Error("publish order placed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *OrderService) logFailure(req PlaceOrderRequest, p *placementAttempt, err error) {
	kind := KindOf(err)
	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.String("reached", string(p.reached)),
		zap.Int("lines", len(req.Lines)),
		zap.Error(err),
	}
	switch kind {
	case KindStoreUnavailable, KindTransactionAborted:
		s.log.Error("order placement failed", fields...)
	case KindInsufficientStock, KindProductNotFound, KindDuplicateRequest:
		s.log.Info("order rejected", fields...)
	default:
		s.log.Debug("order rejected", fields...)
	}
}

func classify(op string, err error) error {
	if KindOf(err) == KindStoreUnavailable {
		return storeUnavailable(op, err)
	}
	return err
}
