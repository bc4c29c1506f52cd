package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderLine struct {
	ProductID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// OrderRecord is immutable once committed.
type OrderRecord struct {
	ID          string
	Address     Address
	Lines       []OrderLine
	TotalAmount decimal.Decimal
	CreatedAt   time.Time
}

type PlacementResult struct {
	OrderID     string          `json:"order_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderPlacedEvent is published after an order commits.
type OrderPlacedEvent struct {
	OrderID     string           `json:"order_id"`
	Address     Address          `json:"address"`
	Lines       []OrderLineEvent `json:"lines"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	CreatedAt   time.Time        `json:"created_at"`
}

type OrderLineEvent struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func NewOrderPlacedEvent(order OrderRecord) OrderPlacedEvent {
	lines := make([]OrderLineEvent, 0, len(order.Lines))
	for _, l := range order.Lines {
		lines = append(lines, OrderLineEvent{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return OrderPlacedEvent{
		OrderID:     order.ID,
		Address:     order.Address,
		Lines:       lines,
		TotalAmount: order.TotalAmount,
		CreatedAt:   order.CreatedAt,
	}
}
