package handler

import (
	"context"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/core/service"
)

// OrderPlacer is implemented by *service.OrderService.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req service.PlaceOrderRequest) (domain.PlacementResult, error)
}
