package service

import (
	"fmt"
	"math"
	"strings"

	"github.com/rl1809/order-placement/internal/core/domain"
)

// MaxLineQuantity bounds a normalized line, single or merged. Stock columns are
// 32-bit.
const MaxLineQuantity = math.MaxInt32

// NormalizeCart validates the cart and merges lines sharing a product id.
// Validation stops at the first violation. The output keeps first-seen order.
func NormalizeCart(addr *domain.Address, lines []domain.CartLine) ([]domain.NormalizedLine, error) {
	if !validAddress(addr) {
		return nil, ErrInvalidAddress
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	index := make(map[string]int, len(lines))
	out := make([]domain.NormalizedLine, 0, len(lines))

	for i, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return nil, fmt.Errorf("%w: line %d", ErrInvalidProductReference, i)
		}
		if line.Quantity <= 0 || line.Quantity > MaxLineQuantity {
			return nil, fmt.Errorf("%w: line %d: got %d", ErrInvalidQuantity, i, line.Quantity)
		}

		if pos, ok := index[id]; ok {
			if out[pos].Quantity > MaxLineQuantity-line.Quantity {
				return nil, fmt.Errorf("%w: line %d: %s exceeds %d in total", ErrInvalidQuantity, i, id, MaxLineQuantity)
			}
			out[pos].Quantity += line.Quantity
			continue
		}
		index[id] = len(out)
		out = append(out, domain.NormalizedLine{ProductID: id, Quantity: line.Quantity})
	}

	return out, nil
}

func validAddress(addr *domain.Address) bool {
	if addr == nil {
		return false
	}
	postal := strings.TrimSpace(addr.PostalCode)
	return strings.TrimSpace(addr.City) != "" &&
		strings.TrimSpace(addr.Country) != "" &&
		postal != "" && postal != "0"
}

func productIDs(lines []domain.NormalizedLine) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
	}
	return ids
}
