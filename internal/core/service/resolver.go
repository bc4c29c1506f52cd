package service

import (
	"context"
	"fmt"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

// ResolveStock reads the snapshots for every normalized line and keys them by
// product id. Ids the catalog does not return fail with a MissingProductsError.
func ResolveStock(ctx context.Context, catalog port.CatalogReader, lines []domain.NormalizedLine) (map[string]domain.ProductSnapshot, error) {
	rows, err := catalog.FetchByIDs(ctx, productIDs(lines))
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		wanted[l.ProductID] = struct{}{}
	}

	snapshots := make(map[string]domain.ProductSnapshot, len(rows))
	for _, row := range rows {
		if _, ok := wanted[row.ProductID]; !ok {
			continue
		}
		if _, dup := snapshots[row.ProductID]; dup {
			return nil, fmt.Errorf("%w: catalog returned %s twice", ErrStoreUnavailable, row.ProductID)
		}
		snapshots[row.ProductID] = row
	}

	if len(snapshots) < len(lines) {
		var missing []string
		for _, l := range lines {
			if _, ok := snapshots[l.ProductID]; !ok {
				missing = append(missing, l.ProductID)
			}
		}
		return nil, &MissingProductsError{ProductIDs: missing}
	}

	return snapshots, nil
}
