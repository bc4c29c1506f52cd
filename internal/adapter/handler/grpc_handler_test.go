package handler

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/order-placement/internal/adapter/storage"
	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type GRPCHandlerSuite struct {
	suite.Suite

	store  *storage.MemoryAdapter
	server *grpc.Server
	conn   *grpc.ClientConn
	client *OrderServiceClient
	health healthpb.HealthClient
}

func TestGRPCHandlerSuite(t *testing.T) {
	suite.Run(t, new(GRPCHandlerSuite))
}

func (s *GRPCHandlerSuite) SetupTest() {
	s.store = storage.NewMemoryAdapter()
	s.store.SetProduct(domain.ProductSnapshot{
		ProductID: "sku-1", Name: "Notebook",
		UnitPrice: decimal.RequireFromString("4.50"), AvailableQuantity: 5,
	})
	cfg := service.DefaultConfig()
	cfg.RetryPolicy.MaxAttempts = 50
	svc := service.NewOrderService(s.store, cfg)

	lis := bufconn.Listen(1 << 20)
	s.server = grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLoggingInterceptor(zap.NewNop())))
	RegisterOrderServiceServer(s.server, NewGRPCHandler(svc))
	hs := health.NewServer()
	hs.SetServingStatus(OrderServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.server, hs)

	go s.server.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	s.Require().NoError(err)
	s.conn = conn
	s.client = NewOrderServiceClient(conn)
	s.health = healthpb.NewHealthClient(conn)
}

func (s *GRPCHandlerSuite) TearDownTest() {
	s.conn.Close()
	s.server.Stop()
}

func (s *GRPCHandlerSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func validRequest(qty int32) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		Address:  &AddressMessage{City: "Madrid", Country: "ES", PostalCode: "28001"},
		Products: []ProductLineMessage{{ProductID: "sku-1", Quantity: qty}},
	}
}

func (s *GRPCHandlerSuite) TestPlaceOrder() {
	resp, err := s.client.PlaceOrder(s.ctx(), validRequest(2))
	s.Require().NoError(err)
	s.NotEmpty(resp.OrderID)
	s.Equal("9", resp.TotalAmount)

	_, err = time.Parse(time.RFC3339Nano, resp.CreatedAt)
	s.NoError(err)

	p, _ := s.store.Product("sku-1")
	s.Equal(3, p.AvailableQuantity)
}

func (s *GRPCHandlerSuite) TestErrorCodes() {
	tests := []struct {
		name string
		req  *PlaceOrderRequest
		code codes.Code
	}{
		{"no address", &PlaceOrderRequest{Products: validRequest(1).Products}, codes.InvalidArgument},
		{"empty cart", &PlaceOrderRequest{Address: validRequest(1).Address}, codes.InvalidArgument},
		{"bad quantity", validRequest(-1), codes.InvalidArgument},
		{"unknown product", &PlaceOrderRequest{
			Address:  validRequest(1).Address,
			Products: []ProductLineMessage{{ProductID: "sku-404", Quantity: 1}},
		}, codes.NotFound},
		{"insufficient stock", validRequest(6), codes.FailedPrecondition},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.client.PlaceOrder(s.ctx(), tt.req)
			s.Equal(tt.code, status.Code(err), err)
		})
	}
	s.Empty(s.store.Orders())
}

func (s *GRPCHandlerSuite) TestStoreUnavailable() {
	s.store.SetFailure(errors.New("connection refused"))
	defer s.store.SetFailure(nil)

	_, err := s.client.PlaceOrder(s.ctx(), validRequest(1))
	s.Equal(codes.Unavailable, status.Code(err))
}

func (s *GRPCHandlerSuite) TestConcurrentPlacements() {
	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.client.PlaceOrder(s.ctx(), validRequest(1))
			switch status.Code(err) {
			case codes.OK:
				ok.Add(1)
			case codes.FailedPrecondition, codes.Aborted:
				rejected.Add(1)
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(5), ok.Load())
	s.Equal(int32(5), rejected.Load())
	p, _ := s.store.Product("sku-1")
	s.Equal(0, p.AvailableQuantity)
}

func (s *GRPCHandlerSuite) TestHealth() {
	resp, err := s.health.Check(s.ctx(), &healthpb.HealthCheckRequest{Service: OrderServiceName})
	s.Require().NoError(err)
	s.Equal(healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func (s *GRPCHandlerSuite) TestJSONCodec() {
	var c jsonCodec
	s.Equal("json", c.Name())

	data, err := c.Marshal(validRequest(3))
	s.Require().NoError(err)
	var back PlaceOrderRequest
	s.Require().NoError(c.Unmarshal(data, &back))
	s.Equal(int32(3), back.Products[0].Quantity)
}
