package domain

import "github.com/shopspring/decimal"

// ProductSnapshot is a point-in-time read of a catalog row.
type ProductSnapshot struct {
	ProductID         string
	Name              string
	UnitPrice         decimal.Decimal
	AvailableQuantity int
}
