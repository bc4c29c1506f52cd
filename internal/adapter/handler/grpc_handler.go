package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

type GRPCHandler struct {
	orders OrderPlacer
}

func NewGRPCHandler(orders OrderPlacer) *GRPCHandler {
	return &GRPCHandler{orders: orders}
}

func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	var addr *domain.Address
	if req.Address != nil {
		addr = &domain.Address{
			City:       req.Address.City,
			Country:    req.Address.Country,
			PostalCode: req.Address.PostalCode,
		}
	}

	lines := make([]domain.CartLine, 0, len(req.Products))
	for _, p := range req.Products {
		lines = append(lines, domain.CartLine{ProductID: p.ProductID, Quantity: int(p.Quantity)})
	}

	result, err := h.orders.PlaceOrder(ctx, service.PlaceOrderRequest{
		IdempotencyKey: req.RequestID,
		Address:        addr,
		Lines:          lines,
	})
	if err != nil {
		return nil, status.Error(grpcCode(service.KindOf(err)), errorMessage(err))
	}

	return &PlaceOrderResponse{
		OrderID:     result.OrderID,
		TotalAmount: result.TotalAmount.String(),
		CreatedAt:   result.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

func grpcCode(kind service.ErrorKind) codes.Code {
	switch kind {
	case service.KindInvalidAddress, service.KindEmptyCart,
		service.KindInvalidProductReference, service.KindInvalidQuantity:
		return codes.InvalidArgument
	case service.KindProductNotFound:
		return codes.NotFound
	case service.KindInsufficientStock:
		return codes.FailedPrecondition
	case service.KindTransactionAborted:
		return codes.Aborted
	case service.KindDuplicateRequest:
		return codes.AlreadyExists
	default:
		return codes.Unavailable
	}
}

// UnaryLoggingInterceptor logs every unary call with its status code.
func UnaryLoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
