package port

import (
	"context"

	"github.com/rl1809/order-placement/internal/core/domain"
)

type IdempotencyStore interface {
	// Claim reserves key for a new placement. When the key is already taken,
	// claimed is false and prior holds the stored result of a completed placement,
	// or nil while that placement is still in flight.
	Claim(ctx context.Context, key string) (claimed bool, prior *domain.PlacementResult, err error)

	// Complete records the result of the placement that claimed key.
	Complete(ctx context.Context, key string, result domain.PlacementResult) error

	// Release drops a claim so the key can be reused after a failed placement.
	Release(ctx context.Context, key string) error
}

type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event domain.OrderPlacedEvent) error
}
