package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/order-placement/internal/core/domain"
)

// PriceOrder checks every line against its snapshot and computes line and
// order totals. It has no side effects.
func PriceOrder(lines []domain.NormalizedLine, snapshots map[string]domain.ProductSnapshot) ([]domain.OrderLine, decimal.Decimal, error) {
	total := decimal.Zero
	priced := make([]domain.OrderLine, 0, len(lines))

	for _, line := range lines {
		snap, ok := snapshots[line.ProductID]
		if !ok {
			return nil, decimal.Zero, &MissingProductsError{ProductIDs: []string{line.ProductID}}
		}
		if snap.UnitPrice.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: negative price for %s", ErrStoreUnavailable, snap.ProductID)
		}
		if snap.AvailableQuantity < line.Quantity {
			return nil, decimal.Zero, &StockError{
				ProductID: snap.ProductID,
				Name:      snap.Name,
				Requested: line.Quantity,
				Available: snap.AvailableQuantity,
			}
		}

		lineTotal := snap.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		total = total.Add(lineTotal)
		priced = append(priced, domain.OrderLine{
			ProductID: line.ProductID,
			Name:      snap.Name,
			Quantity:  line.Quantity,
			UnitPrice: snap.UnitPrice,
			LineTotal: lineTotal,
		})
	}

	return priced, total, nil
}
